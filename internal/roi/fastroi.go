package roi

import (
	"image"
)

// NearestOptimal returns the entry of sizes closest to requested. Ties go
// to the earlier, smaller entry. With an empty list requested is returned.
func NearestOptimal(requested int, sizes []int) int {
	if len(sizes) == 0 {
		return requested
	}
	best := sizes[0]
	for _, c := range sizes[1:] {
		if abs(requested-c) < abs(requested-best) {
			best = c
		}
	}
	return best
}

// fastSize substitutes the configured default for a missing dimension
// and snaps the result.
func (s *Selector) fastSize(width, height int) (int, int) {
	if width <= 0 {
		width = s.cfg.FastROISize
	}
	if height <= 0 {
		height = s.cfg.FastROISize
	}
	if s.cfg.SnapToOptimal {
		width = NearestOptimal(width, s.cfg.OptimalSizes)
		height = NearestOptimal(height, s.cfg.OptimalSizes)
	}
	return max(1, width), max(1, height)
}

// EnableFastROI enters fast selection with a width x height box, centred on
// cursor when given and on the stream midpoint otherwise. A non-positive
// dimension takes the configured default size. It only applies from NONE or
// CANCELED.
func (s *Selector) EnableFastROI(width, height int, cursor *image.Point) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateNone && state != StateCanceled {
		s.log.Debug().Stringer("state", state).Msg("fast selection not available")
		return false
	}
	_ = s.stopSmoothingLocked(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	width, height = s.fastSize(width, height)
	c := image.Pt(s.cfg.StreamWidth/2, s.cfg.StreamHeight/2)
	if cursor != nil {
		c = *cursor
	}
	s.clearPointsLocked()
	s.hasFailure = false
	s.region = Centered(c, width, height, s.cfg.StreamWidth, s.cfg.StreamHeight)
	s.target = s.region
	s.transitionLocked(StateFastSelecting)
	return true
}

// ResizeFastROI changes the fast selection size, keeping its centre.
func (s *Selector) ResizeFastROI(width, height int) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateFastSelecting {
		return false
	}
	width, height = s.fastSize(width, height)
	s.region = Centered(s.region.Center(), width, height, s.cfg.StreamWidth, s.cfg.StreamHeight)
	s.target = s.region
	return true
}

// ConfirmFastROI emits the fast selection box. The selector then returns to
// NONE, or stays in fast selection when configured as sticky.
func (s *Selector) ConfirmFastROI() bool {
	s.opMu.Lock()
	s.mu.Lock()

	if s.state != StateFastSelecting || s.region.Degenerate() {
		s.mu.Unlock()
		s.opMu.Unlock()
		return false
	}
	r := s.region
	if !s.cfg.StickyFastROI {
		s.transitionLocked(StateNone)
	} else {
		s.transitionLocked(StateFastSelecting)
	}
	s.mu.Unlock()
	s.opMu.Unlock()

	s.emit(r)
	return true
}

// DisableFastROI leaves fast selection without emitting anything.
func (s *Selector) DisableFastROI() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateFastSelecting {
		return
	}
	s.region = Region{}
	s.target = Region{}
	s.transitionLocked(StateNone)
}

// SmoothingStarts counts interpolation tasks started so far.
func (s *Selector) SmoothingStarts() uint64 {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.smoothingStarts
}
