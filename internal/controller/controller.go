// Package controller wires the region selector, the command link and the
// frame sources together.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/discovery"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/protocol"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/pump"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
)

var (
	ErrNoServer = errors.New("controller: no server configured")
	ErrNoStream = errors.New("controller: no stream url")
	ErrNoCamera = errors.New("controller: no local camera")
	ErrNoFrame  = errors.New("controller: no frame yet")
	ErrNoRegion = errors.New("controller: no region")
)

// StreamDecoder is the remote stream frame source.
type StreamDecoder interface {
	Start(url string) error
	Stop() error
	CurrentFrame() (*media.Frame, bool)
	SetResolution(res media.Resolution) error
	Running() bool
}

// Camera is the optional local frame source.
type Camera interface {
	pump.Source
	SetSize(width, height int) error
}

// Deps are the components the controller drives.
type Deps struct {
	Selector *roi.Selector
	Client   *protocol.Client
	Decoder  StreamDecoder
	Camera   Camera // may be nil
	Pump     *pump.Pump
	Pipeline *media.Pipeline
}

// Options are the controller settings.
type Options struct {
	Resolution     media.Resolution
	TrackingWidth  int
	TrackingHeight int
	UseCamera      bool
	JoinTimeout    time.Duration
}

// Controller reacts to user input and server events.
type Controller struct {
	log      zerolog.Logger
	selector *roi.Selector
	client   *protocol.Client
	decoder  StreamDecoder
	camera   Camera
	pump     *pump.Pump
	pipeline *media.Pipeline
	join     time.Duration

	// opMu serialises reconfiguration (source, resolution).
	opMu sync.Mutex

	mu          sync.Mutex
	bundle      discovery.Bundle
	hasBundle   bool
	streamURL   string
	trackW      int
	trackH      int
	resolution  media.Resolution
	useCamera   bool
	trackerData json.RawMessage
}

// New wires deps together. The selector's stream size is set to match the
// active source.
func New(log zerolog.Logger, deps Deps, opts Options) (*Controller, error) {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = time.Second
	}
	if opts.UseCamera && deps.Camera == nil {
		return nil, ErrNoCamera
	}
	if deps.Pipeline == nil {
		deps.Pipeline = media.NewPipeline()
	}

	c := &Controller{
		log:        log.With().Str("component", "controller").Logger(),
		selector:   deps.Selector,
		client:     deps.Client,
		decoder:    deps.Decoder,
		camera:     deps.Camera,
		pump:       deps.Pump,
		pipeline:   deps.Pipeline,
		join:       opts.JoinTimeout,
		trackW:     opts.TrackingWidth,
		trackH:     opts.TrackingHeight,
		resolution: opts.Resolution,
		useCamera:  opts.UseCamera,
	}

	if err := c.registerTransforms(); err != nil {
		return nil, err
	}
	c.selector.SetOnSelected(c.onSelected)
	c.client.SetHandler(c.handleEvent)
	c.pump.SetPipeline(c.pipeline)

	if err := c.pump.SetSource(c.activeSourceLocked()); err != nil {
		return nil, err
	}
	if c.camera != nil {
		if err := c.camera.SetSize(c.trackW, c.trackH); err != nil {
			return nil, err
		}
	}
	w, h := c.streamSizeLocked()
	if err := c.selector.SetStreamSize(w, h); err != nil {
		c.log.Warn().Err(err).Msg("selector resize")
	}
	return c, nil
}

// streamSource adapts the decoder to pump.Source using the current url.
type streamSource struct {
	c *Controller
}

func (s streamSource) Start() error {
	url := s.c.StreamURL()
	if url == "" {
		return ErrNoStream
	}
	return s.c.decoder.Start(url)
}

func (s streamSource) Stop() error {
	return s.c.decoder.Stop()
}

func (s streamSource) CurrentFrame() (*media.Frame, bool) {
	return s.c.decoder.CurrentFrame()
}

// Running lets the pump notice a decoder that stopped by itself.
func (s streamSource) Running() bool {
	return s.c.decoder.Running()
}

func (c *Controller) activeSourceLocked() pump.Source {
	if c.useCamera {
		return c.camera
	}
	return streamSource{c: c}
}

// streamSizeLocked is the pixel space frames and regions are drawn in.
func (c *Controller) streamSizeLocked() (int, int) {
	if c.useCamera {
		return c.trackW, c.trackH
	}
	return c.resolution.Dimensions()
}

// StreamURL returns the url the decoder reads from.
func (c *Controller) StreamURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamURL
}

// TrackingSize returns the frame size the remote tracker works in.
func (c *Controller) TrackingSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackW, c.trackH
}

// ApplyDiscovery adopts a server bundle and connects to it.
func (c *Controller) ApplyDiscovery(ctx context.Context, b discovery.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.bundle, c.hasBundle = b, true
	c.streamURL = b.StreamURL()
	c.trackW, c.trackH = b.TrackingFrameSize.Width, b.TrackingFrameSize.Height
	c.mu.Unlock()

	if c.camera != nil {
		if err := c.camera.SetSize(b.TrackingFrameSize.Width, b.TrackingFrameSize.Height); err != nil {
			return err
		}
		if c.UsingCamera() {
			if err := c.selector.SetStreamSize(b.TrackingFrameSize.Width, b.TrackingFrameSize.Height); err != nil {
				c.log.Warn().Err(err).Msg("region smoothing did not settle in time")
			}
		}
	}

	c.log.Info().
		Str("server", b.ServerAddr()).
		Str("stream", b.StreamURL()).
		Stringer("tracking_size", b.TrackingFrameSize).
		Msg("server discovered")

	c.resetIfConnected()
	if err := c.client.Connect(ctx, b.ServerIP, b.ServerPort); err != nil {
		return fmt.Errorf("connect to %s: %w", b.ServerAddr(), err)
	}
	return nil
}

// Bundle returns the adopted server bundle.
func (c *Controller) Bundle() (discovery.Bundle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle, c.hasBundle
}

// Reconnect redials the adopted server with the client's retry policy.
func (c *Controller) Reconnect(ctx context.Context) error {
	b, ok := c.Bundle()
	if !ok {
		return ErrNoServer
	}
	c.resetIfConnected()
	return c.client.Reconnect(ctx, b.ServerIP, b.ServerPort)
}

// resetIfConnected clears the region before a live link is replaced. The
// client drops the old session without reporting it as lost.
func (c *Controller) resetIfConnected() {
	if c.client.Connected() {
		c.selector.Reset()
	}
}

// Disconnect tells the server we are leaving and drops the link.
func (c *Controller) Disconnect() {
	if c.client.Connected() {
		if err := c.client.Send(protocol.CmdDisconnect, nil); err != nil {
			c.log.Debug().Err(err).Msg("disconnect notice not delivered")
		}
	}
	c.client.Disconnect()
	c.selector.Reset()
}

func (c *Controller) toTracking(r roi.Region) roi.Region {
	sw, sh := c.selector.StreamSize()
	tw, th := c.TrackingSize()
	return r.Scale(sw, sh, tw, th)
}

func (c *Controller) toStream(r roi.Region) roi.Region {
	sw, sh := c.selector.StreamSize()
	tw, th := c.TrackingSize()
	return r.Scale(tw, th, sw, sh)
}

func (c *Controller) onSelected(r roi.Region) {
	if err := c.client.Send(protocol.CmdROI, c.toTracking(r)); err != nil {
		c.log.Warn().Err(err).Stringer("region", r).Msg("selection not sent")
	}
}

func (c *Controller) handleEvent(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventRegionUpdate:
		c.selector.ApplyUpdate(c.toStream(ev.Region))

	case protocol.EventTrackerData:
		c.mu.Lock()
		c.trackerData = ev.Data
		c.mu.Unlock()
		if ev.HasRegion {
			c.selector.ApplyUpdate(c.toStream(ev.Region))
		}

	case protocol.EventStopTracking:
		c.selector.StopTracking()

	case protocol.EventDisconnect:
		c.log.Info().Msg("server asked to disconnect")
		c.client.Disconnect()
		c.selector.Reset()

	case protocol.EventRequestTracking:
		r := c.selector.Region()
		if r.IsZero() {
			c.log.Debug().Msg("tracking requested but no region selected")
			return
		}
		c.onSelected(r)

	case protocol.EventConnectionClosed:
		c.selector.Reset()
	}
}

// TrackerData returns the last tracker_data payload.
func (c *Controller) TrackerData() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackerData
}

// Play starts frame delivery from the active source.
func (c *Controller) Play() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.pump.Play()
}

// Stop halts frame delivery and the active source.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if err := c.pump.Stop(); err != nil {
		return err
	}
	return c.pump.Wait(c.join)
}

// Toggle plays when stopped and stops when playing. It reports the new state.
func (c *Controller) Toggle() (bool, error) {
	if c.pump.Playing() {
		return false, c.Stop()
	}
	return true, c.Play()
}

// SetFrameRate changes the delivery rate.
func (c *Controller) SetFrameRate(rate float64) error {
	return c.pump.SetFrameRate(rate)
}

// Resolution returns the current stream resolution.
func (c *Controller) Resolution() media.Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution
}

// reconfigure stops delivery, applies fn and restarts if it was playing.
// A selector join overrun is returned as a warning after everything else
// has been applied; check it with errors.Is(err, task.ErrJoinTimeout).
func (c *Controller) reconfigure(fn func() error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	playing := c.pump.Playing()
	if playing {
		if err := c.stopLocked(); err != nil {
			return err
		}
	}

	var warning error
	if err := fn(); err != nil {
		return err
	}

	c.mu.Lock()
	w, h := c.streamSizeLocked()
	c.mu.Unlock()
	if err := c.selector.SetStreamSize(w, h); err != nil {
		c.log.Warn().Err(err).Msg("region smoothing did not settle in time")
		warning = err
	}

	if playing {
		if err := c.pump.Play(); err != nil {
			return err
		}
	}
	return warning
}

// SetStreamResolution switches the stream to the resolution at index and
// tells the server about it.
func (c *Controller) SetStreamResolution(index int) error {
	res := media.ResolutionFromIndex(index)
	err := c.reconfigure(func() error {
		if err := c.decoder.SetResolution(res); err != nil {
			return err
		}
		c.mu.Lock()
		c.resolution = res
		c.mu.Unlock()
		return nil
	})
	if err != nil && !IsWarning(err) {
		return err
	}

	w, h := res.Dimensions()
	c.log.Info().Stringer("resolution", res).Int("width", w).Int("height", h).Msg("stream resolution changed")
	if c.client.Connected() {
		payload := map[string]any{"index": int(res), "size": [2]int{w, h}}
		if serr := c.client.Send(protocol.CmdChangeStreamRes, payload); serr != nil {
			c.log.Warn().Err(serr).Msg("resolution change not sent")
		}
	}
	return err
}

// UseCamera switches between the local camera and the remote stream.
func (c *Controller) UseCamera(on bool) error {
	if on && c.camera == nil {
		return ErrNoCamera
	}
	return c.reconfigure(func() error {
		c.mu.Lock()
		prev := c.useCamera
		c.useCamera = on
		src := c.activeSourceLocked()
		c.mu.Unlock()

		if err := c.pump.SetSource(src); err != nil {
			c.mu.Lock()
			c.useCamera = prev
			c.mu.Unlock()
			return err
		}
		c.log.Info().Bool("camera", on).Msg("frame source changed")
		return nil
	})
}

// UsingCamera reports whether the local camera is the active source.
func (c *Controller) UsingCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCamera
}

// Command sends an arbitrary server command.
func (c *Controller) Command(command string, data any) error {
	return c.client.Send(command, data)
}

// StopTracking stops tracking locally and on the server.
func (c *Controller) StopTracking() error {
	c.selector.StopTracking()
	return c.client.Send(protocol.CmdStopTracking, nil)
}

// RebootServer asks the server to reboot.
func (c *Controller) RebootServer() error {
	return c.client.Send(protocol.CmdRebootServer, nil)
}

// StartStream asks the server to start streaming video.
func (c *Controller) StartStream() error {
	return c.client.Send(protocol.CmdStartStream, nil)
}

// StopStream asks the server to stop streaming video.
func (c *Controller) StopStream() error {
	return c.client.Send(protocol.CmdStopStream, nil)
}

// ToggleServerROI toggles the region overlay drawn by the server.
func (c *Controller) ToggleServerROI() error {
	return c.client.Send(protocol.CmdToggleROI, nil)
}

// ToggleServerCrosshair toggles the crosshair drawn by the server.
func (c *Controller) ToggleServerCrosshair() error {
	return c.client.Send(protocol.CmdToggleCrosshair, nil)
}

// Status is a point-in-time view for the control API.
type Status struct {
	Connected   bool            `json:"connected"`
	Session     string          `json:"session,omitempty"`
	Server      string          `json:"server,omitempty"`
	StreamURL   string          `json:"stream_url,omitempty"`
	Resolution  string          `json:"resolution"`
	Tracking    discovery.Size  `json:"tracking_frame_size"`
	UseCamera   bool            `json:"use_camera"`
	Pump        pump.Stats      `json:"pump"`
	Decoding    bool            `json:"decoding"`
	Region      roi.Snapshot    `json:"region"`
	Transforms  map[string]bool `json:"transforms"`
	TrackerData json.RawMessage `json:"tracker_data,omitempty"`
}

// Status collects the current state of every component.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		StreamURL:   c.streamURL,
		Resolution:  c.resolution.String(),
		Tracking:    discovery.Size{Width: c.trackW, Height: c.trackH},
		UseCamera:   c.useCamera,
		TrackerData: c.trackerData,
	}
	if c.hasBundle {
		st.Server = c.bundle.ServerAddr()
	}
	c.mu.Unlock()

	st.Connected = c.client.Connected()
	st.Session = c.client.SessionID()
	st.Pump = c.pump.Stats()
	st.Decoding = c.decoder.Running()
	st.Region = c.selector.Snapshot()
	st.Transforms = c.pipeline.Enabled()
	return st
}

// Close stops everything, collecting every failure.
func (c *Controller) Close() error {
	var result *multierror.Error

	c.opMu.Lock()
	if err := c.stopLocked(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop pump: %w", err))
	}
	c.opMu.Unlock()

	if err := c.decoder.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop decoder: %w", err))
	}
	if c.camera != nil {
		if err := c.camera.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop camera: %w", err))
		}
	}
	if err := c.client.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close client: %w", err))
	}
	c.selector.StopTracking()

	return result.ErrorOrNil()
}
