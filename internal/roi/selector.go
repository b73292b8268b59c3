package roi

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/task"
)

// Config holds the selector tunables.
type Config struct {
	StreamWidth  int
	StreamHeight int

	// SmoothingDuration is how long an interpolation towards a new
	// authoritative region takes. Default: 300ms
	SmoothingDuration time.Duration

	// SmoothingStep is the interval between interpolation samples. Default: 10ms
	SmoothingStep time.Duration

	// OptimalSizes is the ascending list fast-ROI sizes snap to.
	OptimalSizes []int

	// SnapToOptimal enables snapping of fast-ROI sizes.
	SnapToOptimal bool

	// StickyFastROI keeps fast selection active after a confirm.
	StickyFastROI bool

	// FastROISize is the fast selection box side used when no size is
	// given. Default: 64
	FastROISize int

	// JoinTimeout bounds waits for the smoothing task. Default: 1s
	JoinTimeout time.Duration
}

// DefaultOptimalSizes are fast-ROI sizes the tracker handles well.
func DefaultOptimalSizes() []int {
	return []int{16, 24, 32, 48, 64, 96, 128, 160, 192, 256}
}

// Snapshot is a consistent copy of the selector state, used for drawing.
type Snapshot struct {
	State          State       `json:"state"`
	LastState      State       `json:"last_state"`
	Region         Region      `json:"region"`
	Target         Region      `json:"target"`
	SelectionStart image.Point `json:"selection_start"`
	SelectionEnd   image.Point `json:"selection_end"`
	FailurePoint   image.Point `json:"failure_point"`
	HasFailure     bool        `json:"has_failure"`
	StreamWidth    int         `json:"stream_width"`
	StreamHeight   int         `json:"stream_height"`
	Smoothing      bool        `json:"smoothing"`
}

// Selector is the ROI state machine.
//
// Every mutating call is serialised by opMu. The smoothing goroutine only
// takes mu, so joining it while holding opMu cannot deadlock.
type Selector struct {
	log     zerolog.Logger
	cfg     Config
	metrics *metrics.Metrics

	opMu            sync.Mutex
	smoothing       *task.Task
	smoothingStarts uint64

	mu         sync.Mutex
	state      State
	lastState  State
	region     Region
	target     Region
	start      image.Point
	end        image.Point
	failure    image.Point
	hasFailure bool
	onSelected func(Region)
}

// NewSelector returns a selector in state NONE.
func NewSelector(log zerolog.Logger, cfg Config, m *metrics.Metrics) *Selector {
	if cfg.SmoothingDuration <= 0 {
		cfg.SmoothingDuration = 300 * time.Millisecond
	}
	if cfg.SmoothingStep <= 0 {
		cfg.SmoothingStep = 10 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Second
	}
	if cfg.FastROISize <= 0 {
		cfg.FastROISize = 64
	}
	if cfg.OptimalSizes == nil {
		cfg.OptimalSizes = DefaultOptimalSizes()
	}

	s := &Selector{
		log:     log.With().Str("component", "roi").Logger(),
		cfg:     cfg,
		metrics: m,
	}
	m.RegionState(StateNone.String(), stateNames())
	return s
}

// SetOnSelected installs the callback receiving locally selected regions.
// It is called without any selector lock held.
func (s *Selector) SetOnSelected(fn func(Region)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSelected = fn
}

// State returns the current state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Region returns the current region.
func (s *Selector) Region() Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// StreamSize returns the stream size the selector works in.
func (s *Selector) StreamSize() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.StreamWidth, s.cfg.StreamHeight
}

// Snapshot returns a consistent copy of the drawable state.
func (s *Selector) Snapshot() Snapshot {
	s.opMu.Lock()
	smoothing := s.smoothing.Running()
	s.opMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:          s.state,
		LastState:      s.lastState,
		Region:         s.region,
		Target:         s.target,
		SelectionStart: s.start,
		SelectionEnd:   s.end,
		FailurePoint:   s.failure,
		HasFailure:     s.hasFailure,
		StreamWidth:    s.cfg.StreamWidth,
		StreamHeight:   s.cfg.StreamHeight,
		Smoothing:      smoothing,
	}
}

func (s *Selector) transitionLocked(to State) {
	if s.state == to {
		s.lastState = s.state
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", to).Msg("state transition")
	s.lastState = s.state
	s.state = to
	s.metrics.RegionState(to.String(), stateNames())
}

func (s *Selector) clearPointsLocked() {
	s.start = image.Point{}
	s.end = image.Point{}
}

func (s *Selector) emit(r Region) {
	s.mu.Lock()
	fn := s.onSelected
	s.mu.Unlock()

	s.log.Info().Stringer("region", r).Msg("region selected")
	if fn != nil {
		fn(r)
	}
}

// PointerDown starts a drag selection, or confirms a fast selection.
func (s *Selector) PointerDown(pos image.Point, vp Viewport) {
	s.opMu.Lock()

	s.mu.Lock()
	switch s.state {
	case StateNone, StateCanceled:
		p, ok := vp.ToStream(pos, s.cfg.StreamWidth, s.cfg.StreamHeight)
		if !ok {
			s.mu.Unlock()
			s.opMu.Unlock()
			s.log.Debug().Msg("nothing displayed, can't start selection")
			return
		}
		s.start, s.end = p, p
		s.transitionLocked(StateSelecting)
		s.mu.Unlock()
		s.opMu.Unlock()
	case StateFastSelecting:
		s.mu.Unlock()
		s.opMu.Unlock()
		s.ConfirmFastROI()
	default:
		s.mu.Unlock()
		s.opMu.Unlock()
	}
}

// PointerMove updates the drag end point, or moves the fast-ROI box.
func (s *Selector) PointerMove(pos image.Point, vp Viewport) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSelecting:
		if p, ok := vp.ToStream(pos, s.cfg.StreamWidth, s.cfg.StreamHeight); ok {
			s.end = p
		}
	case StateFastSelecting:
		if p, ok := vp.ToStream(pos, s.cfg.StreamWidth, s.cfg.StreamHeight); ok {
			s.region = Centered(p, s.region.W, s.region.H, s.cfg.StreamWidth, s.cfg.StreamHeight)
			s.target = s.region
		}
	}
}

// PointerUp finishes a drag. A selection without area is dropped.
func (s *Selector) PointerUp(pos image.Point, vp Viewport) {
	s.opMu.Lock()
	s.mu.Lock()

	if s.state != StateSelecting {
		s.mu.Unlock()
		s.opMu.Unlock()
		return
	}
	if p, ok := vp.ToStream(pos, s.cfg.StreamWidth, s.cfg.StreamHeight); ok {
		s.end = p
	}

	r := RegionFromPoints(s.start, s.end)
	s.clearPointsLocked()
	s.transitionLocked(StateNone)
	if r.Degenerate() {
		s.mu.Unlock()
		s.opMu.Unlock()
		s.log.Debug().Stringer("region", r).Msg("degenerate selection dropped")
		return
	}
	s.region = r
	s.target = r
	s.mu.Unlock()
	s.opMu.Unlock()

	s.emit(r)
}

// SelectRegion selects r directly, as if it had been dragged. It is ignored
// while a local interaction is in progress.
func (s *Selector) SelectRegion(r Region) bool {
	s.opMu.Lock()

	s.mu.Lock()
	state := s.state
	r = r.ClampTo(s.cfg.StreamWidth, s.cfg.StreamHeight)
	s.mu.Unlock()

	if state == StateSelecting || state == StateFastSelecting || r.Degenerate() {
		s.opMu.Unlock()
		return false
	}
	_ = s.stopSmoothingLocked(false)

	s.mu.Lock()
	s.clearPointsLocked()
	s.hasFailure = false
	s.region = r
	s.target = r
	s.transitionLocked(StateNone)
	s.mu.Unlock()
	s.opMu.Unlock()

	s.emit(r)
	return true
}

// Cancel drops the current selection and region. It does nothing during
// fast selection, which has its own exit.
func (s *Selector) Cancel() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == StateFastSelecting {
		return
	}
	_ = s.stopSmoothingLocked(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPointsLocked()
	s.region = Region{}
	s.target = Region{}
	s.hasFailure = false
	s.transitionLocked(StateCanceled)
}

// StopTracking returns to NONE from any state, clearing region and points.
func (s *Selector) StopTracking() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	_ = s.stopSmoothingLocked(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPointsLocked()
	s.region = Region{}
	s.target = Region{}
	s.hasFailure = false
	s.transitionLocked(StateNone)
}

// Reset is StopTracking under the name used on disconnect.
func (s *Selector) Reset() {
	s.StopTracking()
}

// ApplyUpdate feeds an authoritative region from the remote tracker.
// Updates are ignored while the user is interacting; the zero region
// always means tracking was lost.
func (s *Selector) ApplyUpdate(r Region) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	switch {
	case state == StateSelecting || state == StateCanceled || state == StateFastSelecting:
		s.mu.Unlock()
		s.log.Debug().Stringer("state", state).Stringer("region", r).Msg("update ignored during local interaction")
		return

	case r.IsZero():
		last := s.region
		if last.IsZero() {
			last = s.target
		}
		if !last.IsZero() {
			s.failure = last.Center()
			s.hasFailure = true
		}
		s.region = Region{}
		s.target = Region{}
		s.transitionLocked(StateFailed)
		s.mu.Unlock()

		s.log.Info().Msg("tracking lost")
		_ = s.stopSmoothingLocked(false)
		return

	case state == StateNone || state == StateFailed:
		s.region = r
		s.target = r
		s.hasFailure = false
		s.transitionLocked(StateTracking)
		s.mu.Unlock()
		s.log.Info().Stringer("region", r).Msg("tracking acquired")
		return

	case state == StateTracking:
		if r == s.target {
			s.mu.Unlock()
			return
		}
		s.target = r
		s.mu.Unlock()

		s.startSmoothingLocked(r)
		return
	}
	s.mu.Unlock()
}

// startSmoothingLocked replaces any running interpolation with one from the
// current value to target. Caller holds opMu.
func (s *Selector) startSmoothingLocked(target Region) {
	if err := s.stopSmoothingLocked(false); err != nil {
		s.log.Warn().Err(err).Msg("previous smoothing task did not finish in time")
	}

	s.mu.Lock()
	from := s.region
	s.mu.Unlock()

	s.smoothingStarts++
	duration, step := s.cfg.SmoothingDuration, s.cfg.SmoothingStep
	s.smoothing = task.Go(context.Background(), func(ctx context.Context) error {
		return s.smooth(ctx, from, target, duration, step)
	})
}

// stopSmoothingLocked cancels and joins the smoothing task. With settle the
// region jumps to the pending target. Caller holds opMu.
func (s *Selector) stopSmoothingLocked(settle bool) error {
	t := s.smoothing
	s.smoothing = nil
	if t == nil {
		return nil
	}

	err := t.Stop(s.cfg.JoinTimeout)
	if settle {
		s.mu.Lock()
		if s.state == StateTracking {
			s.region = s.target
		}
		s.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("smoothing task: %w", err)
	}
	return nil
}

func (s *Selector) smooth(ctx context.Context, from, to Region, duration, step time.Duration) error {
	steps := int(duration / step)
	if steps < 1 {
		steps = 1
	}

	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		v := Lerp(from, to, float64(i)/float64(steps))

		s.mu.Lock()
		if ctx.Err() != nil || s.state != StateTracking {
			s.mu.Unlock()
			return nil
		}
		s.region = v
		s.mu.Unlock()
	}
	return nil
}

// WaitSmoothing joins the running interpolation, if any, within timeout.
func (s *Selector) WaitSmoothing(timeout time.Duration) error {
	s.opMu.Lock()
	t := s.smoothing
	s.opMu.Unlock()
	return t.Wait(timeout)
}

// SetStreamSize switches to a new stream size. A running interpolation is
// settled first; if it does not finish within the join budget the returned
// error wraps task.ErrJoinTimeout and the caller decides whether to go on.
// Regions are rescaled per axis into the new space.
func (s *Selector) SetStreamSize(width, height int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.stopSmoothingLocked(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	oldW, oldH := s.cfg.StreamWidth, s.cfg.StreamHeight
	s.cfg.StreamWidth, s.cfg.StreamHeight = width, height
	s.region = s.region.Scale(oldW, oldH, width, height)
	s.target = s.target.Scale(oldW, oldH, width, height)
	s.clearPointsLocked()
	if s.state == StateSelecting {
		s.transitionLocked(StateNone)
	}
	return err
}
