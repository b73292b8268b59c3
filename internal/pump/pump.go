// Package pump delivers frames from the active source to subscribers at a
// fixed rate.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/task"
)

var (
	ErrPlaying     = errors.New("pump: playing")
	ErrNoSource    = errors.New("pump: no frame source")
	ErrInvalidRate = errors.New("pump: frame rate must be positive")
)

// DefaultFrameRate is the delivery rate used when none is configured.
const DefaultFrameRate = 30

// Source produces frames on demand. Start and Stop bracket a play session.
type Source interface {
	Start() error
	Stop() error
	CurrentFrame() (*media.Frame, bool)
}

// Liveness is implemented by sources that can stop on their own. Once
// Running reports false the pump drops to stopped so the caller can Play
// again.
type Liveness interface {
	Running() bool
}

// Subscription receives published frames. Only the newest frame is kept;
// a slow reader skips frames instead of stalling the pump.
type Subscription struct {
	ID     string
	frames chan *media.Frame
}

// Frames returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Frames() <-chan *media.Frame {
	return s.frames
}

func (s *Subscription) offer(f *media.Frame) (dropped bool) {
	select {
	case s.frames <- f:
		return false
	default:
	}
	// latest wins
	select {
	case <-s.frames:
		dropped = true
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
	return dropped
}

// Stats reports delivery counters.
type Stats struct {
	Published   uint64  `json:"published"`
	Overruns    uint64  `json:"overruns"`
	Dropped     uint64  `json:"dropped"`
	Subscribers int     `json:"subscribers"`
	FrameRate   float64 `json:"frame_rate"`
	Playing     bool    `json:"playing"`
}

// Pump pulls one frame per tick from its source, runs it through the
// pipeline and publishes the result.
type Pump struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	// playMu guards playing; the loop checks it at every tick.
	playMu  sync.Mutex
	playing bool
	loop    *task.Task

	mu        sync.Mutex
	source    Source
	pipeline  *media.Pipeline
	period    time.Duration
	subs      map[string]*Subscription
	latest    *media.Frame
	latestRaw *media.Frame
	published uint64
	overruns  uint64
	dropped   uint64
}

// New returns a stopped pump delivering at rate frames per second.
func New(log zerolog.Logger, rate float64, m *metrics.Metrics) *Pump {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return &Pump{
		log:     log.With().Str("component", "pump").Logger(),
		metrics: m,
		period:  periodFor(rate),
		subs:    make(map[string]*Subscription),
	}
}

func periodFor(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// SetSource selects the frame source. It fails while playing.
func (p *Pump) SetSource(src Source) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	if p.playing {
		return ErrPlaying
	}

	p.mu.Lock()
	p.source = src
	p.mu.Unlock()
	return nil
}

// SetPipeline sets the transforms applied to each frame before publishing.
func (p *Pump) SetPipeline(pl *media.Pipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipeline = pl
}

// SetFrameRate changes the target rate from the next tick on.
func (p *Pump) SetFrameRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	p.mu.Lock()
	p.period = periodFor(rate)
	p.mu.Unlock()

	p.log.Info().Float64("fps", rate).Msg("frame rate changed")
	return nil
}

// Playing reports whether the pump is delivering.
func (p *Pump) Playing() bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	return p.playing
}

// Play starts the source and the delivery loop. Playing twice is a no-op.
func (p *Pump) Play() error {
	p.playMu.Lock()
	if p.playing {
		p.playMu.Unlock()
		return nil
	}
	prev := p.loop
	p.playMu.Unlock()

	// a previous loop may still be finishing its last tick
	if err := prev.Wait(time.Second); err != nil {
		return fmt.Errorf("previous delivery loop: %w", err)
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()
	if p.playing {
		return nil
	}

	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return ErrNoSource
	}

	if err := src.Start(); err != nil {
		return fmt.Errorf("start source: %w", err)
	}

	p.playing = true
	p.loop = task.Go(context.Background(), func(ctx context.Context) error {
		return p.run(ctx, src)
	})
	p.log.Info().Msg("playing")
	return nil
}

// Stop clears the playing flag and stops the source. The delivery loop
// notices within one tick; Stop does not wait for it.
func (p *Pump) Stop() error {
	p.playMu.Lock()
	if !p.playing {
		p.playMu.Unlock()
		return nil
	}
	p.playing = false
	loop := p.loop
	p.playMu.Unlock()

	loop.Cancel()

	p.mu.Lock()
	src := p.source
	p.mu.Unlock()

	p.log.Info().Msg("stopped")
	if src == nil {
		return nil
	}
	if err := src.Stop(); err != nil {
		return fmt.Errorf("stop source: %w", err)
	}
	return nil
}

// Wait joins the delivery loop after Stop.
func (p *Pump) Wait(timeout time.Duration) error {
	p.playMu.Lock()
	loop := p.loop
	p.playMu.Unlock()
	return loop.Wait(timeout)
}

func (p *Pump) stillPlaying() bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	return p.playing
}

func (p *Pump) run(ctx context.Context, src Source) error {
	for ctx.Err() == nil && p.stillPlaying() {
		start := time.Now()

		p.mu.Lock()
		period := p.period
		pl := p.pipeline
		p.mu.Unlock()

		if live, ok := src.(Liveness); ok && !live.Running() {
			p.sourceLost(ctx, src)
			return nil
		}

		if raw, ok := src.CurrentFrame(); ok {
			f := raw
			if pl != nil {
				f = pl.Process(f)
			}
			if f != nil {
				p.publish(raw, f)
			}
		}

		elapsed := time.Since(start)
		overrun := elapsed > period
		p.metrics.TickObserved(elapsed.Seconds(), overrun)
		if overrun {
			p.mu.Lock()
			p.overruns++
			p.mu.Unlock()
		}

		// no catch-up: an overrun tick is followed by the next one at once
		if !task.Sleep(ctx, max(0, period-elapsed)) {
			return nil
		}
	}
	return nil
}

// sourceLost clears the playing flag after the source stopped by itself.
// A concurrent Stop has already done so and wins.
func (p *Pump) sourceLost(ctx context.Context, src Source) {
	p.playMu.Lock()
	if ctx.Err() != nil || !p.playing {
		p.playMu.Unlock()
		return
	}
	p.playing = false
	p.playMu.Unlock()

	p.log.Warn().Msg("frame source stopped on its own, delivery stopped")
	if err := src.Stop(); err != nil {
		p.log.Warn().Err(err).Msg("stop source")
	}
}

func (p *Pump) publish(raw, f *media.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.latest = f
	p.latestRaw = raw
	p.published++
	for _, s := range p.subs {
		if s.offer(f) {
			p.dropped++
		}
	}
	p.metrics.FramePublished()

	if p.published%300 == 0 {
		p.log.Debug().Uint64("published", p.published).Stringer("frame", f).Msg("pump progress")
	}
}

// Latest returns the last published frame.
func (p *Pump) Latest() (*media.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.latest != nil
}

// LatestRaw returns the source frame behind the last published frame,
// before any transform ran.
func (p *Pump) LatestRaw() (*media.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestRaw, p.latestRaw != nil
}

// Subscribe registers a new subscriber.
func (p *Pump) Subscribe() *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		frames: make(chan *media.Frame, 1),
	}
	p.mu.Lock()
	p.subs[s.ID] = s
	n := len(p.subs)
	p.mu.Unlock()

	p.log.Debug().Str("subscriber", s.ID).Int("subscribers", n).Msg("subscribed")
	return s
}

// Unsubscribe removes s and closes its channel.
func (p *Pump) Unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s.ID]; !ok {
		return
	}
	delete(p.subs, s.ID)
	close(s.frames)
}

// Stats returns the delivery counters.
func (p *Pump) Stats() Stats {
	playing := p.Playing()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Published:   p.published,
		Overruns:    p.overruns,
		Dropped:     p.dropped,
		Subscribers: len(p.subs),
		FrameRate:   float64(time.Second) / float64(p.period),
		Playing:     playing,
	}
}
