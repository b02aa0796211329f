// Package clockwork provides the clock capability injected into every
// component that schedules ticks or measures liveness, so tests can drive
// time deterministically instead of depending on the wall clock.
package clockwork

import "time"

// Clock abstracts time so the beat clock, MIDI generator, and registry
// liveness sweep can be driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer abstracts time.Timer so a fake clock can control firing.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Real returns a Clock backed by the actual wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer          { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
