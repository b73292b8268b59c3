package controller

import (
	"errors"
	"image"
	"image/color"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/task"
)

// Transform names.
const (
	TransformOverlay   = "roi_overlay"
	TransformCrosshair = "crosshair"
)

var (
	colorSelecting = color.RGBA{R: 0, G: 160, B: 255, A: 255}
	colorTracking  = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	colorIdle      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorFast      = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	colorFailed    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	colorCrosshair = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// IsWarning reports whether err only signals a background join overrun;
// the operation itself went through.
func IsWarning(err error) bool {
	return errors.Is(err, task.ErrJoinTimeout)
}

func (c *Controller) registerTransforms() error {
	if err := c.pipeline.Register(TransformOverlay, c.drawOverlay, true); err != nil {
		return err
	}
	return c.pipeline.Register(TransformCrosshair, drawCrosshair, false)
}

// SetTransform enables or disables a frame transform by name.
func (c *Controller) SetTransform(name string, enabled bool) error {
	return c.pipeline.SetEnabled(name, enabled)
}

func (c *Controller) drawOverlay(f *media.Frame) *media.Frame {
	snap := c.selector.Snapshot()

	// regions live in stream space; a frame of another size gets them rescaled
	scale := func(r roi.Region) roi.Region {
		return r.Scale(snap.StreamWidth, snap.StreamHeight, f.Width, f.Height)
	}

	switch snap.State {
	case roi.StateSelecting:
		out := f.Clone()
		r := scale(roi.RegionFromPoints(snap.SelectionStart, snap.SelectionEnd))
		media.DrawRect(out, r.Rect(), colorSelecting, 1)
		return out

	case roi.StateFailed:
		if !snap.HasFailure {
			return f
		}
		out := f.Clone()
		p := scale(roi.Region{X: snap.FailurePoint.X, Y: snap.FailurePoint.Y}).Rect().Min
		media.DrawCross(out, p, max(4, f.Width/40), colorFailed)
		return out

	case roi.StateCanceled:
		return f
	}

	if snap.Region.Degenerate() {
		return f
	}
	col := colorIdle
	switch snap.State {
	case roi.StateTracking:
		col = colorTracking
	case roi.StateFastSelecting:
		col = colorFast
	}
	out := f.Clone()
	media.DrawRect(out, scale(snap.Region).Rect(), col, 2)
	return out
}

func drawCrosshair(f *media.Frame) *media.Frame {
	out := f.Clone()
	media.DrawCrosshair(out, image.Pt(f.Width/2, f.Height/2), max(4, f.Width/20), colorCrosshair)
	return out
}

// LatestFrame returns the last published frame.
func (c *Controller) LatestFrame() (*media.Frame, error) {
	f, ok := c.pump.Latest()
	if !ok {
		return nil, ErrNoFrame
	}
	return f, nil
}

// RegionFrame crops the frame behind the latest published one, before
// overlays were drawn, to the current region.
func (c *Controller) RegionFrame() (*media.Frame, error) {
	f, ok := c.pump.LatestRaw()
	if !ok {
		return nil, ErrNoFrame
	}
	r := c.selector.Region()
	if r.Degenerate() {
		return nil, ErrNoRegion
	}
	sw, sh := c.selector.StreamSize()
	crop := media.Crop(f, r.Scale(sw, sh, f.Width, f.Height).Rect())
	if crop == nil {
		return nil, ErrNoRegion
	}
	return crop, nil
}
