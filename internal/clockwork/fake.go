package clockwork

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. The zero
// value is not usable; construct with NewFake.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	t := &fakeTimer{f: f, ch: ch}
	t.deadline = f.now.Add(d)
	f.waiters = append(f.waiters, fakeWaiter{deadline: t.deadline, ch: ch})
	return t
}

// Advance moves the fake clock forward by d, firing any waiters (After
// channels and Timer channels) whose deadline has been reached, in
// registration order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(target) {
			select {
			case w.ch <- w.deadline:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.now = target
}

type fakeTimer struct {
	f        *Fake
	ch       chan time.Time
	deadline time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()

	active := false
	filtered := t.f.waiters[:0]
	for _, w := range t.f.waiters {
		if w.ch == t.ch {
			active = true
			continue
		}
		filtered = append(filtered, w)
	}
	t.f.waiters = filtered

	t.deadline = t.f.now.Add(d)
	t.f.waiters = append(t.f.waiters, fakeWaiter{deadline: t.deadline, ch: t.ch})
	return active
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()

	active := false
	filtered := t.f.waiters[:0]
	for _, w := range t.f.waiters {
		if w.ch == t.ch {
			active = true
			continue
		}
		filtered = append(filtered, w)
	}
	t.f.waiters = filtered
	return active
}
