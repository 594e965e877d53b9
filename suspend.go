package syncq

import (
	"context"
	"math"
	"sync"

	"github.com/autom8ter/syncq/errors"
)

// MaxSuspendCount is the value the suspend count saturates at
const MaxSuspendCount = math.MaxInt

// Suspender is a reference count gating dispatch. The pipeline runs only while the count is zero.
//
// The mutex guards count alone and is never held across logging, listeners or any other I/O.
type Suspender struct {
	mu        sync.Mutex
	count     int
	listeners []func(suspended bool)
	logger    Logger
}

// NewSuspender returns a Suspender with a zero count
func NewSuspender(logger Logger) *Suspender {
	if logger == nil {
		logger = NopLogger()
	}
	return &Suspender{logger: logger}
}

// OnTransition registers fn to be called after the count moves between zero and non-zero.
// Listeners must be registered before the Suspender is shared.
func (s *Suspender) OnTransition(fn func(suspended bool)) {
	s.listeners = append(s.listeners, fn)
}

// Increment adds n to the count and returns the new count. The count saturates at MaxSuspendCount; saturation
// is reported with an Overflow error alongside the clamped count.
func (s *Suspender) Increment(n int) (int, error) {
	if n < 0 {
		return s.Count(), errors.New(errors.Validation, "suspend: negative increment %d", n)
	}
	s.mu.Lock()
	before := s.count
	overflow := n > MaxSuspendCount-s.count
	if overflow {
		s.count = MaxSuspendCount
	} else {
		s.count += n
	}
	after := s.count
	s.mu.Unlock()

	if overflow {
		s.logger.Warn(context.Background(), "suspend count saturated", map[string]any{
			"count":     after,
			"increment": n,
		})
	}
	if before == 0 && after > 0 {
		s.notify(true)
	}
	if overflow {
		return after, errors.New(errors.Overflow, "suspend count saturated at %d", after)
	}
	return after, nil
}

// Decrement subtracts one from the count and returns the new count. Decrementing a zero count is reported with a
// Misuse error and leaves the count at zero.
func (s *Suspender) Decrement() (int, error) {
	s.mu.Lock()
	if s.count == 0 {
		s.mu.Unlock()
		s.logger.Warn(context.Background(), "unbalanced resume: suspend count is already zero", nil)
		return 0, errors.New(errors.Misuse, "unbalanced resume: suspend count is already zero")
	}
	s.count--
	after := s.count
	s.mu.Unlock()

	if after == 0 {
		s.notify(false)
	}
	return after, nil
}

// IsSuspended returns true while the count is non-zero
func (s *Suspender) IsSuspended() bool {
	return s.Count() > 0
}

// Count returns the current count
func (s *Suspender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Suspender) notify(suspended bool) {
	for _, fn := range s.listeners {
		fn(suspended)
	}
}
