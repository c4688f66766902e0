// Package clock abstracts time so lease and backoff logic can be tested
// without real delays.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by the outbox and
// idempotency components.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven clock. After advances the fake time by d and
// fires immediately, so code that waits on it never blocks.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	if d > 0 {
		f.Advance(d)
	}
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}
