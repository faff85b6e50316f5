package session

import "sync"

// CancelSignal is a resettable cancellation flag shared between the manager
// and the agent bridge. Cancellation is cooperative: the bridge consults the
// signal between retry attempts, never mid-call. A follow-up turn resets the
// signal for the new run.
type CancelSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewCancelSignal creates an unset signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Set marks the signal. Idempotent.
func (c *CancelSignal) Set() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.set = true
		close(c.ch)
	}
}

// IsSet reports whether the signal has been set.
func (c *CancelSignal) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Done returns a channel closed when the signal is set. The channel is
// replaced on Reset, so callers should re-acquire it per turn.
func (c *CancelSignal) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Reset clears the signal for a new turn.
func (c *CancelSignal) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		c.set = false
		c.ch = make(chan struct{})
	}
}
