package shutdown

import (
	"sync"
	"sync/atomic"
)

// Signal is the cancellation token shared by every task of one run.
// Once set it stays set; a new run gets a new Signal instead of a reset.
type Signal struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// New returns an unset signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set raises the signal. It reports true only for the call that raised it.
func (s *Signal) Set() bool {
	raised := false
	s.once.Do(func() {
		s.set.Store(true)
		close(s.done)
		raised = true
	})
	return raised
}

// IsSet reports whether the signal has been raised.
func (s *Signal) IsSet() bool { return s.set.Load() }

// Done returns a channel closed when the signal is raised.
func (s *Signal) Done() <-chan struct{} { return s.done }
