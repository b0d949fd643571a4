package sandbox

import (
	"fmt"
	"sync"
)

// Factory creates a fresh runtime for the pool.
type Factory func() (Runtime, error)

// Pool manages reusable runtimes. An environment is either ready, in use,
// or destroyed; the ready plus in-use count never exceeds the maximum.
// Release health-checks the runtime: healthy ones return to ready,
// unhealthy ones are destroyed and their slot freed.
type Pool struct {
	factory Factory
	max     int

	mu     sync.Mutex
	ready  []Runtime
	inUse  int
	closed bool
}

// NewPool creates a pool and prewarms it with up to prewarm environments.
// A prewarm failure is returned so startup problems surface immediately.
func NewPool(factory Factory, max, prewarm int) (*Pool, error) {
	if max < 1 {
		max = 1
	}
	if prewarm > max {
		prewarm = max
	}

	p := &Pool{factory: factory, max: max}
	for i := 0; i < prewarm; i++ {
		rt, err := factory()
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("prewarm environment: %w", err)
		}
		p.ready = append(p.ready, rt)
	}
	return p, nil
}

// Acquire returns a ready runtime, creating one when none are idle and a
// slot is free. ErrPoolExhausted is returned when every slot is in use;
// callers decide whether to wait or fail the task.
func (p *Pool) Acquire() (Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	for len(p.ready) > 0 {
		rt := p.ready[len(p.ready)-1]
		p.ready = p.ready[:len(p.ready)-1]
		if !rt.Healthy() {
			_ = rt.Close()
			continue
		}
		p.inUse++
		return rt, nil
	}

	if p.inUse >= p.max {
		return nil, ErrPoolExhausted
	}

	// Create outside p.mu would allow concurrent over-allocation, so the
	// slot is claimed first and released on failure.
	p.inUse++
	p.mu.Unlock()
	rt, err := p.factory()
	p.mu.Lock()
	if err != nil {
		p.inUse--
		return nil, fmt.Errorf("create environment: %w", err)
	}
	if p.closed {
		p.inUse--
		_ = rt.Close()
		return nil, ErrPoolClosed
	}
	return rt, nil
}

// Release returns a runtime to the pool. Unhealthy runtimes are destroyed.
func (p *Pool) Release(rt Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse > 0 {
		p.inUse--
	}
	if p.closed || !rt.Healthy() {
		_ = rt.Close()
		return
	}
	p.ready = append(p.ready, rt)
}

// Discard destroys a runtime without returning it, freeing its slot.
func (p *Pool) Discard(rt Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		p.inUse--
	}
	_ = rt.Close()
}

// Stats reports the current ready and in-use counts.
func (p *Pool) Stats() (ready, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready), p.inUse
}

// Shutdown destroys every idle runtime and rejects further acquisitions.
// Runtimes still in use are destroyed when released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, rt := range p.ready {
		_ = rt.Close()
	}
	p.ready = nil
}
