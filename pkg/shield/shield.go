// Package shield implements BackgroundTaskShield: it decouples a request
// handler's side effects from the lifetime of the client connection that
// triggered them. Spawn launches work on its own goroutine and returns a
// channel the caller may abandon at will — the work keeps running to
// completion regardless, removing itself from the pending set when done.
// Wait lets Supervisor block for the pending set to drain during shutdown.
package shield

import (
	"sync"

	"github.com/google/uuid"

	"github.com/forgehost/forgehost/pkg/metrics"
)

// Shield tracks in-flight background work.
type Shield struct {
	mu      sync.Mutex
	pending map[string]<-chan struct{}
}

// New builds an empty Shield.
func New() *Shield {
	return &Shield{pending: make(map[string]<-chan struct{})}
}

// Spawn runs fn on its own goroutine and returns a channel that
// receives fn's result exactly once, whether or not the caller ever
// reads it. The channel is buffered so a caller who walks away (e.g.
// because the client disconnected) never blocks the goroutine.
func Spawn[T any](s *Shield, fn func() T) <-chan T {
	resultCh := make(chan T, 1)
	doneCh := make(chan struct{})

	id := uuid.NewString()
	s.mu.Lock()
	s.pending[id] = doneCh
	metrics.BackgroundTasksPending.Set(float64(len(s.pending)))
	s.mu.Unlock()

	go func() {
		resultCh <- fn()
		s.mu.Lock()
		delete(s.pending, id)
		metrics.BackgroundTasksPending.Set(float64(len(s.pending)))
		s.mu.Unlock()
		close(doneCh)
	}()

	return resultCh
}

// Pending reports how many background tasks are still running.
func (s *Shield) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until every task spawned before this call returns, or
// stop is closed. Returns true if everything drained, false if stop
// fired first.
func (s *Shield) Wait(stop <-chan struct{}) bool {
	s.mu.Lock()
	dones := make([]<-chan struct{}, 0, len(s.pending))
	for _, d := range s.pending {
		dones = append(dones, d)
	}
	s.mu.Unlock()

	for _, d := range dones {
		select {
		case <-d:
		case <-stop:
			return false
		}
	}
	return true
}
