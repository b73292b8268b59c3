package pump

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
)

type fakeSource struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
	frame    *media.Frame
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSource) CurrentFrame() (*media.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frame != nil
}

func newFake() *fakeSource {
	return &fakeSource{frame: media.NewFrame(4, 4)}
}

func TestPumpDeliversAtRate(t *testing.T) {
	const (
		rate     = 50.0
		duration = 600 * time.Millisecond
	)
	p := New(zerolog.Nop(), rate, nil)
	require.NoError(t, p.SetSource(newFake()))

	require.NoError(t, p.Play())
	time.Sleep(duration)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Wait(time.Second))

	want := uint64(math.Floor(duration.Seconds() * rate * 0.9))
	assert.GreaterOrEqual(t, p.Stats().Published, want)
}

func TestPumpAppliesPipeline(t *testing.T) {
	p := New(zerolog.Nop(), 100, nil)
	src := newFake()
	require.NoError(t, p.SetSource(src))

	pl := media.NewPipeline()
	require.NoError(t, pl.Register("mark", func(f *media.Frame) *media.Frame {
		out := f.Clone()
		out.Data[0] = 200
		return out
	}, true))
	p.SetPipeline(pl)

	sub := p.Subscribe()
	require.NoError(t, p.Play())
	defer p.Stop()

	select {
	case f := <-sub.Frames():
		assert.Equal(t, byte(200), f.Data[0])
		assert.Equal(t, byte(0), src.frame.Data[0], "source frame untouched")
	case <-time.After(2 * time.Second):
		t.Fatal("no frame published")
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	p := New(zerolog.Nop(), 200, nil)
	require.NoError(t, p.SetSource(newFake()))
	sub := p.Subscribe()

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool { return p.Stats().Published >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Wait(time.Second))

	assert.Len(t, sub.Frames(), 1)
	assert.Greater(t, p.Stats().Dropped, uint64(0))

	p.Unsubscribe(sub)
	_, open := <-drain(sub)
	assert.False(t, open)
	p.Unsubscribe(sub)
}

func drain(s *Subscription) <-chan *media.Frame {
	for len(s.frames) > 0 {
		<-s.frames
	}
	return s.frames
}

func TestStopIsObservedWithinATick(t *testing.T) {
	p := New(zerolog.Nop(), 20, nil)
	src := newFake()
	require.NoError(t, p.SetSource(src))
	require.NoError(t, p.Play())
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Wait(100*time.Millisecond))
	published := p.Stats().Published
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, published, p.Stats().Published)
	assert.Equal(t, 1, src.stopped)
	assert.False(t, p.Playing())
}

func TestPlayStopPlay(t *testing.T) {
	p := New(zerolog.Nop(), 100, nil)
	src := newFake()
	require.NoError(t, p.SetSource(src))

	require.NoError(t, p.Play())
	require.NoError(t, p.Play())
	assert.ErrorIs(t, p.SetSource(newFake()), ErrPlaying)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Play())
	require.NoError(t, p.Stop())

	assert.Equal(t, 2, src.started)
	assert.Equal(t, 2, src.stopped)
}

func TestPlayErrors(t *testing.T) {
	p := New(zerolog.Nop(), 30, nil)
	assert.ErrorIs(t, p.Play(), ErrNoSource)

	boom := errors.New("boom")
	require.NoError(t, p.SetSource(&fakeSource{startErr: boom}))
	assert.ErrorIs(t, p.Play(), boom)
	assert.False(t, p.Playing())

	assert.ErrorIs(t, p.SetFrameRate(0), ErrInvalidRate)
	require.NoError(t, p.SetFrameRate(15))
	assert.InDelta(t, 15.0, p.Stats().FrameRate, 0.001)
}

type liveSource struct {
	*fakeSource
	alive bool
}

func (s *liveSource) Start() error {
	if err := s.fakeSource.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
	return nil
}

func (s *liveSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *liveSource) die() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

func TestSourceStoppingOnItsOwnStopsPump(t *testing.T) {
	p := New(zerolog.Nop(), 100, nil)
	src := &liveSource{fakeSource: newFake()}
	require.NoError(t, p.SetSource(src))

	require.NoError(t, p.Play())
	require.Eventually(t, func() bool { return p.Stats().Published > 0 }, time.Second, 5*time.Millisecond)

	src.die()
	require.Eventually(t, func() bool { return !p.Playing() }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Wait(time.Second))
	published := p.Stats().Published
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, published, p.Stats().Published)

	require.NoError(t, p.Play())
	assert.True(t, p.Playing())
	require.NoError(t, p.Stop())
	assert.Equal(t, 2, src.started)
}

// slowSource takes longer than a tick to hand out a frame while slow is set.
type slowSource struct {
	*fakeSource
	delay time.Duration
	slow  bool
}

func (s *slowSource) CurrentFrame() (*media.Frame, bool) {
	s.mu.Lock()
	slow, delay := s.slow, s.delay
	s.mu.Unlock()
	if slow {
		time.Sleep(delay)
	}
	return s.fakeSource.CurrentFrame()
}

func (s *slowSource) setSlow(v bool) {
	s.mu.Lock()
	s.slow = v
	s.mu.Unlock()
}

func TestOverrunTicksDoNotBurst(t *testing.T) {
	const (
		rate   = 100.0 // 10ms period
		delay  = 30 * time.Millisecond
		window = 300 * time.Millisecond
	)
	p := New(zerolog.Nop(), rate, nil)
	src := &slowSource{fakeSource: newFake(), delay: delay, slow: true}
	require.NoError(t, p.SetSource(src))
	require.NoError(t, p.Play())
	defer p.Stop()

	time.Sleep(window)
	slowPublished := p.Stats().Published
	assert.Greater(t, p.Stats().Overruns, uint64(0))
	// an overrun tick is followed by the next one at once, nothing more
	assert.GreaterOrEqual(t, slowPublished, uint64(window/delay)/2)
	assert.LessOrEqual(t, slowPublished, uint64(window/delay)+2)

	src.setSlow(false)
	// let the tick in flight finish
	time.Sleep(delay + 5*time.Millisecond)
	before := p.Stats().Published
	time.Sleep(100 * time.Millisecond)
	after := p.Stats().Published

	// no catch-up for the ticks lost while slow
	assert.LessOrEqual(t, after-before, uint64(0.1*rate)+3)
	assert.GreaterOrEqual(t, after-before, uint64(0.1*rate*0.5))
}

func TestSetFrameRateAppliesFromNextTick(t *testing.T) {
	p := New(zerolog.Nop(), 20, nil)
	require.NoError(t, p.SetSource(newFake()))
	require.NoError(t, p.Play())
	defer p.Stop()

	time.Sleep(300 * time.Millisecond)
	slow := p.Stats().Published
	assert.LessOrEqual(t, slow, uint64(0.3*20)+2)

	require.NoError(t, p.SetFrameRate(200))
	// the tick sleeping at the old period still has to run out
	time.Sleep(60 * time.Millisecond)
	start := p.Stats().Published
	time.Sleep(300 * time.Millisecond)
	fast := p.Stats().Published - start

	assert.GreaterOrEqual(t, fast, uint64(math.Floor(0.3*200*0.6)))
	assert.InDelta(t, 200.0, p.Stats().FrameRate, 0.001)
}
