package media

import (
	"fmt"
	"image"
	"time"
)

// BytesPerPixel is the size of one RGB24 pixel.
const BytesPerPixel = 3

// Frame is a decoded RGB24 picture. Frames are never mutated after they have
// been published; anything that draws works on a Clone.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte // width*height*3 bytes, RGB order, no row padding
}

// FrameSize returns the byte size of a width x height RGB24 frame.
func FrameSize(width, height int) int {
	return width * height * BytesPerPixel
}

// NewFrame allocates a zeroed (black) frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      make([]byte, FrameSize(width, height)),
	}
}

// BlackFrame is NewFrame under the name callers substitute it by.
func BlackFrame(width, height int) *Frame {
	return NewFrame(width, height)
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// Valid reports whether the buffer length matches the dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == FrameSize(f.Width, f.Height)
}

// Image converts the frame to an image.RGBA, e.g. for JPEG encoding.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for i, j := 0, 0; i+2 < len(f.Data); i, j = i+BytesPerPixel, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Seq: %d, %dx%d, %d bytes}", f.Seq, f.Width, f.Height, len(f.Data))
}

// Resolution identifies one of the stream sizes the remote side can produce.
type Resolution int

const (
	Res720 Resolution = iota
	Res480
	Res360
	Res240
	Res144
)

// ResolutionFromIndex maps a persisted/selected index to a Resolution.
// Unknown indexes fall back to the smallest size.
func ResolutionFromIndex(index int) Resolution {
	if index < int(Res720) || index > int(Res144) {
		return Res144
	}
	return Resolution(index)
}

// Dimensions returns the width and height for the resolution.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res720:
		return 960, 720
	case Res480:
		return 640, 480
	case Res360:
		return 480, 360
	case Res240:
		return 320, 240
	default:
		return 192, 144
	}
}

func (r Resolution) String() string {
	switch r {
	case Res720:
		return "720p"
	case Res480:
		return "480p"
	case Res360:
		return "360p"
	case Res240:
		return "240p"
	default:
		return "144p"
	}
}
