// Package camera provides a local capture device as an alternative frame
// source to the remote stream.
package camera

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
)

// Camera reads frames from a local capture device, converted to RGB and
// resized to the tracking frame size.
type Camera struct {
	log    zerolog.Logger
	device int

	mu      sync.Mutex
	width   int
	height  int
	capture *gocv.VideoCapture
	raw     gocv.Mat
	rgb     gocv.Mat
	sized   gocv.Mat
	seq     uint64
	misses  uint64
}

// New returns a closed camera for device producing width x height frames.
func New(log zerolog.Logger, device, width, height int) *Camera {
	return &Camera{
		log:    log.With().Str("component", "camera").Int("device", device).Logger(),
		device: device,
		width:  width,
		height: height,
	}
}

// SetSize changes the output frame size.
func (c *Camera) SetSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid camera frame size %dx%d", width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
	return nil
}

// Start opens the device.
func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return nil
	}
	capture, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", c.device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("open camera %d: device not available", c.device)
	}

	c.capture = capture
	c.raw = gocv.NewMat()
	c.rgb = gocv.NewMat()
	c.sized = gocv.NewMat()
	c.log.Info().Int("width", c.width).Int("height", c.height).Msg("camera opened")
	return nil
}

// Stop releases the device. Stopping a closed camera is a no-op.
func (c *Camera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.raw.Close()
	c.rgb.Close()
	c.sized.Close()
	c.capture = nil

	c.log.Info().Uint64("frames", c.seq).Uint64("misses", c.misses).Msg("camera closed")
	if err != nil {
		return fmt.Errorf("close camera %d: %w", c.device, err)
	}
	return nil
}

// CurrentFrame grabs one frame. When the device yields nothing a black frame
// of the configured size is returned instead.
func (c *Camera) CurrentFrame() (*media.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if c.capture == nil {
		return c.blackLocked(), true
	}
	if ok := c.capture.Read(&c.raw); !ok || c.raw.Empty() {
		c.misses++
		if c.misses%30 == 1 {
			c.log.Warn().Uint64("misses", c.misses).Msg("camera returned no frame")
		}
		return c.blackLocked(), true
	}

	gocv.CvtColor(c.raw, &c.rgb, gocv.ColorBGRToRGB)
	gocv.Resize(c.rgb, &c.sized, image.Pt(c.width, c.height), 0, 0, gocv.InterpolationLinear)

	data := c.sized.ToBytes()
	if len(data) != media.FrameSize(c.width, c.height) {
		c.misses++
		return c.blackLocked(), true
	}
	return &media.Frame{
		Seq:       c.seq,
		Timestamp: time.Now(),
		Width:     c.width,
		Height:    c.height,
		Data:      data,
	}, true
}

func (c *Camera) blackLocked() *media.Frame {
	f := media.BlackFrame(c.width, c.height)
	f.Seq = c.seq
	return f
}
