package media

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTransformExists  = errors.New("transform already registered")
	ErrUnknownTransform = errors.New("transform is not registered")
)

// Transform is a per-frame post-processing step. It must not modify its
// input; transforms that draw return a modified Clone.
type Transform func(*Frame) *Frame

type transformEntry struct {
	name    string
	fn      Transform
	enabled bool
}

// Pipeline is an ordered list of named transforms that can be toggled
// independently. The active chain is rebuilt only when membership or
// enablement changes, so Process never takes the write lock.
type Pipeline struct {
	mu      sync.RWMutex
	entries []transformEntry
	active  []Transform
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends a transform at the end of the chain.
func (p *Pipeline) Register(name string, fn Transform, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexLocked(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrTransformExists, name)
	}
	p.entries = append(p.entries, transformEntry{name: name, fn: fn, enabled: enabled})
	p.rebuildLocked()
	return nil
}

// Remove drops a transform. Removing an unknown name is a no-op.
func (p *Pipeline) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(name)
	if i < 0 {
		return
	}
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	p.rebuildLocked()
}

// Enable turns a registered transform on.
func (p *Pipeline) Enable(name string) error {
	return p.SetEnabled(name, true)
}

// Disable turns a registered transform off.
func (p *Pipeline) Disable(name string) error {
	return p.SetEnabled(name, false)
}

// SetEnabled toggles a registered transform.
func (p *Pipeline) SetEnabled(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
	if p.entries[i].enabled == enabled {
		return nil
	}
	p.entries[i].enabled = enabled
	p.rebuildLocked()
	return nil
}

// Enabled reports the state of every registered transform, in order.
func (p *Pipeline) Enabled() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]bool, len(p.entries))
	for _, e := range p.entries {
		out[e.name] = e.enabled
	}
	return out
}

// Process runs the frame through every enabled transform in registration
// order. A transform returning nil stops the chain and yields nil.
func (p *Pipeline) Process(f *Frame) *Frame {
	p.mu.RLock()
	chain := p.active
	p.mu.RUnlock()

	for _, fn := range chain {
		if f == nil {
			return nil
		}
		f = fn(f)
	}
	return f
}

func (p *Pipeline) indexLocked(name string) int {
	for i, e := range p.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) rebuildLocked() {
	active := make([]Transform, 0, len(p.entries))
	for _, e := range p.entries {
		if e.enabled {
			active = append(active, e.fn)
		}
	}
	p.active = active
}
