package midi

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prolinkcore/prolink-core/internal/beatclock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type recordingSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSink) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), b...)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSink) first() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[0]
}

type fixedSource struct {
	snap beatclock.Snapshot
}

func (f fixedSource) Snapshot() beatclock.Snapshot { return f.snap }

func TestGeneratorEmitsStartThenClocksThenStop(t *testing.T) {
	sink := &recordingSink{}
	anchor := time.Now()
	src := fixedSource{snap: beatclock.Snapshot{
		EffectiveBpmCenti: 12000, // 120 bpm -> 20833us/tick
		Anchor:            anchor,
		TickIntervalUs:    (60_000_000 * 100) / (12000 * 24),
	}}
	g := NewGenerator(sink, src, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if sink.count() < 2 {
		t.Fatalf("expected at least a start and a stop byte, got %d messages", sink.count())
	}
	if sink.first()[0] != byteStart {
		t.Fatalf("expected first byte to be start (0xFA), got %x", sink.first())
	}
	last := sink.sent[len(sink.sent)-1]
	if last[0] != byteStop {
		t.Fatalf("expected last byte to be stop (0xFC), got %x", last)
	}
	if g.TicksEmitted() == 0 {
		t.Fatal("expected at least one clock tick to have been counted")
	}
}

func TestGeneratorDoesNotEmitClocksBeforeFirstAnchor(t *testing.T) {
	sink := &recordingSink{}
	// No beat has ever arrived: TickIntervalUs is zero, so there is
	// nothing to schedule against yet.
	src := fixedSource{snap: beatclock.Snapshot{Stale: true}}
	g := NewGenerator(sink, src, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	// Only the start/stop bytes should appear; no clock bytes since no
	// tempo has ever been established.
	for _, b := range sink.sent {
		if b[0] == byteClock {
			t.Fatal("expected no clock bytes before the first anchor is established")
		}
	}
}

func TestGeneratorMaintainsCadenceWhileCoasting(t *testing.T) {
	sink := &recordingSink{}
	anchor := time.Now()
	bpmCenti := uint16(12800) // 128.00 bpm
	interval := (60_000_000 * 100) / (int64(bpmCenti) * 24)
	src := fixedSource{snap: beatclock.Snapshot{
		EffectiveBpmCenti: bpmCenti,
		// Stale == true: the source has gone silent and the clock is
		// coasting on the last valid tempo. Emission must continue at
		// this cadence, not halt and not burst once tickNum crosses a
		// 24-tick (one beat) boundary with no new anchor to advance to.
		Stale:          true,
		Anchor:         anchor,
		TickIntervalUs: interval,
	}}
	g := NewGenerator(sink, src, discardLogger())

	runFor := 600 * time.Millisecond // spans more than one 24-tick beat
	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()
	g.Run(ctx)

	ticks := g.TicksEmitted()
	expected := float64(runFor.Microseconds()) / float64(interval)
	if float64(ticks) < expected*0.5 {
		t.Fatalf("expected the clock to keep emitting while coasting: got %d ticks, wanted roughly %.0f", ticks, expected)
	}
	if float64(ticks) > expected*1.5 {
		t.Fatalf("expected a steady ~128bpm cadence while coasting, got a burst of %d ticks (wanted roughly %.0f)", ticks, expected)
	}
}
