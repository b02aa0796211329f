// Package midi drives an external MIDI clock output at 24 pulses per
// quarter note from the beat clock's published Snapshot. Generation runs
// on a dedicated goroutine so scheduling jitter elsewhere in the process
// cannot desync the output stream, following the same dedicated-goroutine
// timing discipline as a per-call RTP session.
package midi

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prolinkcore/prolink-core/internal/beatclock"
)

const (
	ppqn = 24

	byteStart = 0xFA
	byteClock = 0xF8
	byteStop  = 0xFC

	// schedulerPoll bounds how long the generator goroutine can block
	// waiting for the next tick or a state change before it rechecks
	// context cancellation and the current snapshot.
	schedulerPoll = 2 * time.Millisecond
)

// Sink abstracts the MIDI output backend so the generator is agnostic to
// which driver (CoreMIDI/ALSA via rtmididrv, PortMidi, or a test double)
// is in use.
type Sink interface {
	Send(bytes []byte) error
	Close() error
}

// SnapshotSource is the narrow read surface the generator needs from the
// beat clock.
type SnapshotSource interface {
	Snapshot() beatclock.Snapshot
}

// Generator emits 24-PPQN MIDI clock bytes derived from a beat clock
// Snapshot. It counts underruns (ticks emitted later than scheduled by
// more than one tick interval) without letting them accumulate into permanent desync: every tick's
// deadline is computed fresh from the snapshot's anchor, never from the
// previous tick's actual emission time.
type Generator struct {
	sink   Sink
	source SnapshotSource
	logger *slog.Logger

	running  atomic.Bool
	ticks    atomic.Uint64
	underrun atomic.Uint64
	resyncs  atomic.Uint64
}

// NewGenerator constructs a Generator. sink may be swapped out per
// process lifetime (e.g. hot-reconfigured MIDI port) by constructing a
// new Generator; the running state in the link core owns which instance
// is live.
func NewGenerator(sink Sink, source SnapshotSource, logger *slog.Logger) *Generator {
	return &Generator{
		sink:   sink,
		source: source,
		logger: logger.With("subsystem", "midi"),
	}
}

// TicksEmitted implements metrics.MIDIStatsProvider.
func (g *Generator) TicksEmitted() uint64 { return g.ticks.Load() }

// Underruns implements metrics.MIDIStatsProvider.
func (g *Generator) Underruns() uint64 { return g.underrun.Load() }

// Resyncs implements metrics.MIDIStatsProvider.
func (g *Generator) Resyncs() uint64 { return g.resyncs.Load() }

// Running implements metrics.MIDIStatsProvider.
func (g *Generator) Running() bool { return g.running.Load() }

// Run drives the clock-byte schedule until ctx is cancelled. It emits a
// single Start byte on entry and a Stop byte on exit; 24 clock bytes per
// beat are scheduled against the live snapshot's anchor and tick
// interval, recomputed every tick so a resync on the beat clock side is
// picked up immediately rather than accumulating drift.
func (g *Generator) Run(ctx context.Context) {
	if err := g.sink.Send([]byte{byteStart}); err != nil {
		g.logger.Error("failed to send midi start", "error", err)
		return
	}
	g.running.Store(true)
	defer func() {
		g.running.Store(false)
		if err := g.sink.Send([]byte{byteStop}); err != nil {
			g.logger.Error("failed to send midi stop", "error", err)
		}
	}()

	var tickNum int64 = 1
	var lastResyncCount uint64
	var lastAnchor time.Time

	for {
		snap := g.source.Snapshot()
		if snap.TickIntervalUs == 0 {
			// No tempo has ever been established; nothing to schedule
			// against yet. This is distinct from coasting (Stale==true),
			// where the last valid anchor/interval must keep driving the
			// clock at the last known tempo.
			select {
			case <-ctx.Done():
				return
			case <-time.After(schedulerPoll):
			}
			continue
		}

		if snap.Resyncs != lastResyncCount {
			g.resyncs.Add(snap.Resyncs - lastResyncCount)
			lastResyncCount = snap.Resyncs
		}
		if !snap.Anchor.Equal(lastAnchor) {
			lastAnchor = snap.Anchor
			tickNum = 1 // re-anchor tick counting to the new schedule
		}

		// tickNum counts monotonically from the current anchor rather than
		// wrapping every 24 ticks: t_n = anchor + n*interval holds the
		// schedule steady through coasting, when no new beat arrives to
		// advance the anchor. Every new anchor resets it to 1.
		deadline := snap.NextTick(tickNum)
		wait := time.Until(deadline)
		if wait < -time.Duration(snap.TickIntervalUs)*time.Microsecond {
			g.underrun.Add(1)
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := g.sink.Send([]byte{byteClock}); err != nil {
			g.logger.Error("failed to send midi clock, stopping generator", "error", err)
			return
		}
		g.ticks.Add(1)
		tickNum++
	}
}
