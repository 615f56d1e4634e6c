// Package notify provides the broadcast primitive behind the display
// engine's state publication.
package notify

import (
	"context"
	"sync"
	"time"
)

// Signal broadcasts state changes to any number of waiters. Notify
// wakes everyone by closing the current channel and replacing it with a
// fresh one, and bumps a version counter so a waiter that subscribes
// late can detect a change it did not see happen.
type Signal struct {
	mu      sync.Mutex
	ch      chan struct{}
	version uint64
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters and advances the version.
func (s *Signal) Notify() {
	s.mu.Lock()
	s.version++
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Version returns the current version. Each Notify advances it by one.
func (s *Signal) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// C returns a channel that is closed on the next Notify call. Each
// wakeup consumes the channel; call C again for the next one.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Await blocks until the version differs from seen, the timeout
// elapses, or ctx is done, and returns the version at that moment.
// A change that happened between the caller's last observation and
// this call returns immediately instead of sleeping through it. The
// timeout bounds how long a subscriber can sit idle, which streaming
// endpoints use as their keep-alive interval.
func (s *Signal) Await(ctx context.Context, timeout time.Duration, seen uint64) uint64 {
	s.mu.Lock()
	if s.version != seen {
		version := s.version
		s.mu.Unlock()
		return version
	}
	ch := s.ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.Version()
}
