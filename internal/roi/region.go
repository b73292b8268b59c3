// Package roi implements region-of-interest selection and tracking state:
// pointer driven selection in display space, authoritative updates from the
// remote tracker, smoothing between updates and fixed-size fast selection.
package roi

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Region is a rectangle in stream pixel space. The zero Region means
// "no region" and doubles as the tracker's failure value.
type Region struct {
	X, Y, W, H int
}

// RegionFromPoints returns the rectangle spanned by two corners.
func RegionFromPoints(a, b image.Point) Region {
	return Region{
		X: min(a.X, b.X),
		Y: min(a.Y, b.Y),
		W: abs(b.X - a.X),
		H: abs(b.Y - a.Y),
	}
}

// IsZero reports whether r is the sentinel (0,0,0,0).
func (r Region) IsZero() bool {
	return r == Region{}
}

// Degenerate reports whether r has no area.
func (r Region) Degenerate() bool {
	return r.W <= 0 || r.H <= 0
}

// Rect converts r to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Center returns the integer centre of r.
func (r Region) Center() image.Point {
	return image.Pt(r.X+r.W/2, r.Y+r.H/2)
}

// Scale maps r from a fromW x fromH space into a toW x toH space. Each axis
// is scaled independently; aspect ratio is not preserved.
func (r Region) Scale(fromW, fromH, toW, toH int) Region {
	if fromW <= 0 || fromH <= 0 || (fromW == toW && fromH == toH) {
		return r
	}
	sx := float64(toW) / float64(fromW)
	sy := float64(toH) / float64(fromH)
	return Region{
		X: int(math.Round(float64(r.X) * sx)),
		Y: int(math.Round(float64(r.Y) * sy)),
		W: int(math.Round(float64(r.W) * sx)),
		H: int(math.Round(float64(r.H) * sy)),
	}
}

// ClampTo keeps r inside a width x height space, shrinking it if needed.
func (r Region) ClampTo(width, height int) Region {
	r.X = clamp(r.X, 0, max(0, width-1))
	r.Y = clamp(r.Y, 0, max(0, height-1))
	r.W = clamp(r.W, 0, width-r.X)
	r.H = clamp(r.H, 0, height-r.Y)
	return r
}

// Lerp interpolates linearly between a and b per component, t in [0,1].
func Lerp(a, b Region, t float64) Region {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	l := func(x, y int) int {
		return int(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return Region{X: l(a.X, b.X), Y: l(a.Y, b.Y), W: l(a.W, b.W), H: l(a.H, b.H)}
}

// Centered returns a width x height region centred on c and kept inside the
// stream bounds.
func Centered(c image.Point, width, height, streamW, streamH int) Region {
	width = clamp(width, 0, streamW)
	height = clamp(height, 0, streamH)
	return Region{
		X: clamp(c.X-width/2, 0, streamW-width),
		Y: clamp(c.Y-height/2, 0, streamH-height),
		W: width,
		H: height,
	}
}

func (r Region) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", r.X, r.Y, r.W, r.H)
}

// MarshalJSON encodes r as [x, y, w, h].
func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.X, r.Y, r.W, r.H})
}

// UnmarshalJSON accepts [x, y, w, h]; fractional values are rounded.
func (r *Region) UnmarshalJSON(b []byte) error {
	var v []float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("region must be an array of 4 numbers: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("region must have 4 elements, got %d", len(v))
	}
	out := Region{
		X: int(math.Round(v[0])),
		Y: int(math.Round(v[1])),
		W: int(math.Round(v[2])),
		H: int(math.Round(v[3])),
	}
	if out.W < 0 || out.H < 0 {
		return fmt.Errorf("region %v has negative size", out)
	}
	*r = out
	return nil
}

// State is the selector state. Exactly one is active at a time.
type State int

const (
	StateNone State = iota
	StateSelecting
	StateTracking
	StateFailed
	StateCanceled
	StateFastSelecting
)

// States lists every state, in declaration order.
var States = []State{StateNone, StateSelecting, StateTracking, StateFailed, StateCanceled, StateFastSelecting}

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSelecting:
		return "SELECTING"
	case StateTracking:
		return "TRACKING"
	case StateFailed:
		return "FAILED"
	case StateCanceled:
		return "CANCELED"
	case StateFastSelecting:
		return "FAST_SELECTING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func stateNames() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = s.String()
	}
	return out
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
