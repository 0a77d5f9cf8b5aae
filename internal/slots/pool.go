package slots

import (
	"errors"
	"sync"
)

// ErrNoCapacity is returned when every slot is taken. Callers reject the
// operation immediately instead of queueing.
var ErrNoCapacity = errors.New("too many concurrent operations")

// Pool caps the number of concurrent browser and evaluation sessions.
type Pool struct {
	max       int
	available int
	mu        sync.Mutex
	onChange  func(available int)
}

// NewPool creates a pool with the given capacity.
func NewPool(max int) *Pool {
	return &Pool{max: max, available: max}
}

// SetOnChange sets a callback invoked whenever slot availability changes.
func (p *Pool) SetOnChange(fn func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Acquire claims a slot, or returns ErrNoCapacity when none are free.
func (p *Pool) Acquire() error {
	p.mu.Lock()
	if p.available <= 0 {
		p.mu.Unlock()
		return ErrNoCapacity
	}
	p.available--
	callback := p.onChange
	available := p.available
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
	return nil
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.available < p.max {
		p.available++
	}
	callback := p.onChange
	available := p.available
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Max returns the pool capacity.
func (p *Pool) Max() int {
	return p.max
}
