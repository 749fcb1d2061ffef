package infra

import (
	"context"
	"sync"
	"time"
)

// Semaphore is a weighted semaphore for limiting concurrent access to resources.
// Unlike a simple mutex, it allows multiple concurrent acquisitions up to a limit,
// and each acquisition can request a different number of permits (weight).
type Semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	max      int64
	current  int64
	waiters  int
	acquired int64 // Total successful acquisitions
	released int64 // Total releases
	timedOut int64 // Total timeouts
}

// NewSemaphore creates a new semaphore with the given maximum permits.
// For example, NewSemaphore(10) allows up to 10 concurrent permits.
func NewSemaphore(max int64) *Semaphore {
	if max <= 0 {
		max = 1
	}
	s := &Semaphore{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until n permits are available or the context is cancelled.
// Returns nil on success, or context error if cancelled/timed out.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if n > s.max {
		n = s.max // Cap at maximum
	}

	// Fast path: try to acquire without waiting
	s.mu.Lock()
	if s.current+n <= s.max && s.waiters == 0 {
		s.current += n
		s.acquired++
		s.mu.Unlock()
		return nil
	}

	// Slow path: need to wait
	s.waiters++

	// Start a goroutine to handle context cancellation
	done := make(chan struct{})
	cancelled := false

	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			cancelled = true
			s.timedOut++
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if cancelled {
			s.waiters--
			s.mu.Unlock()
			close(done)
			return ctx.Err()
		}

		if s.current+n <= s.max {
			s.current += n
			s.acquired++
			s.waiters--
			s.mu.Unlock()
			close(done)
			return nil
		}

		s.cond.Wait()
	}
}

// TryAcquire attempts to acquire n permits without blocking.
// Returns true if successful, false otherwise.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	if n > s.max {
		n = s.max
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current+n <= s.max {
		s.current += n
		s.acquired++
		return true
	}
	return false
}

// AcquireWithTimeout attempts to acquire n permits with a timeout.
// Returns nil on success, context.DeadlineExceeded on timeout.
func (s *Semaphore) AcquireWithTimeout(n int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Acquire(ctx, n)
}

// Release releases n permits back to the semaphore.
// It is safe to call Release more times than Acquire (the semaphore will cap at max).
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	s.current -= n
	if s.current < 0 {
		s.current = 0
	}
	s.released++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Available returns the number of permits currently available.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// InUse returns the number of permits currently in use.
func (s *Semaphore) InUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Waiters returns the number of goroutines currently waiting to acquire.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}

// Stats returns statistics about the semaphore.
func (s *Semaphore) Stats() SemaphoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStats{
		Max:       s.max,
		InUse:     s.current,
		Available: s.max - s.current,
		Waiters:   s.waiters,
		Acquired:  s.acquired,
		Released:  s.released,
		TimedOut:  s.timedOut,
	}
}

// SemaphoreStats contains statistics about a semaphore.
type SemaphoreStats struct {
	Max       int64
	InUse     int64
	Available int64
	Waiters   int
	Acquired  int64
	Released  int64
	TimedOut  int64
}
