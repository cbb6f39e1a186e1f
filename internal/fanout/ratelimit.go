// ratelimit.go implements a fixed-capacity counting semaphore bounding how
// many agent queries may be in flight at once.
//
// The teacher's TokenBucket continuously refills tokens at a fixed rate to
// smooth request bursts against an upstream rate limit. Fanout has no
// upstream rate limit to respect — it needs to cap concurrent in-flight
// connections instead — so the refill mechanics are dropped and only the
// acquire/block-until-available shape is kept, generalized into a counting
// semaphore with no replenishment: a slot is returned the instant its query
// completes.
package fanout

import "context"

// Semaphore bounds concurrent in-flight queries to a fixed capacity.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with room for `capacity` concurrent holders.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the pool.
func (s *Semaphore) Release() {
	<-s.slots
}
