// Package beatclock selects a single BPM reading to drive the MIDI clock
// generator, interpolates beat phase between discrete beat packets, and
// implements tap-tempo and coasting when the selected source falls
// silent. The computed Snapshot is published via an atomic pointer swap
// after each recompute, matching the link core's "lock-free snapshot"
// design so the MIDI timing goroutine never takes a lock to read it.
package beatclock

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/tracker"
)

// SourceKind names which BpmSource variant is currently selected.
type SourceKind int

const (
	SourceFollowNetworkMaster SourceKind = iota
	SourcePin
	SourceManual
	SourceTap
)

func (k SourceKind) String() string {
	switch k {
	case SourceFollowNetworkMaster:
		return "follow_network_master"
	case SourcePin:
		return "pin"
	case SourceManual:
		return "manual"
	case SourceTap:
		return "tap"
	default:
		return "unknown"
	}
}

// Source selects which BPM reading the clock should follow.
type Source struct {
	Kind           SourceKind
	PinDevice      byte
	ManualBpmCenti uint16
}

const (
	staleAfter      = 2000 * time.Millisecond
	networkJitterUs = 4000 // 4ms estimated network jitter, in microseconds
	minBPMCenti     = 4000
	maxBPMCenti     = 30000
	maxTaps         = 8
	tapOutlierPct   = 0.30
)

// Snapshot is an immutable, atomically-published view of the beat
// clock's current state, safe for concurrent readers without locking.
type Snapshot struct {
	EffectiveBpmCenti uint16
	Stale             bool
	Source            SourceKind
	Resyncs           uint64
	Anchor            time.Time
	TickIntervalUs    int64
}

// NextTick returns the scheduled absolute time of tick n (n >= 1),
// measured from the snapshot's anchor.
func (s Snapshot) NextTick(n int64) time.Time {
	return s.Anchor.Add(time.Duration(n*s.TickIntervalUs) * time.Microsecond)
}

// MasterProvider exposes the negotiator's current tempo master so
// Follow_Network_Master can resolve which device's PlayerState to read.
type MasterProvider interface {
	CurrentMaster() int
}

// TrackerView is the narrow read surface beatclock needs from the
// player state tracker.
type TrackerView interface {
	Snapshot(deviceNumber byte) (tracker.Snapshot, bool)
}

// BeatClock selects a BPM source, tracks tap-tempo state, and publishes
// a lock-free Snapshot after each recompute. All mutating methods are
// intended for the link core goroutine; Snapshot/EffectiveBPMCenti/Stale
// are safe for any reader.
type BeatClock struct {
	tracker    TrackerView
	negotiator MasterProvider
	clock      clockwork.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	source  Source
	resyncs uint64
	taps    []time.Time

	lastValidBpmCenti uint16
	lastAnchor        time.Time
	lastTickUs        int64

	current atomic.Pointer[Snapshot]
}

// New constructs a BeatClock defaulting to Follow_Network_Master.
func New(tracker TrackerView, negotiator MasterProvider, clock clockwork.Clock, logger *slog.Logger) *BeatClock {
	b := &BeatClock{
		tracker:    tracker,
		negotiator: negotiator,
		clock:      clock,
		logger:     logger.With("subsystem", "beatclock"),
		source:     Source{Kind: SourceFollowNetworkMaster},
	}
	b.current.Store(&Snapshot{Stale: true, Source: SourceFollowNetworkMaster})
	return b
}

// SetSource changes the selected BPM source. Switching away from Tap
// clears the tap ring; switching sources does not itself recompute —
// the next OnBeat/OnStatus/Tick call does. ManualBpmCenti is not read
// by any method: a Manual selection anchors nothing and publishes no
// tempo of its own, so the snapshot keeps whatever tempo and anchor were
// last published (going stale 2s after that anchor).
func (b *BeatClock) SetSource(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = src
	if src.Kind != SourceTap {
		b.taps = nil
	}
	b.logger.Info("bpm source changed", "kind", src.Kind, "pin_device", src.PinDevice)
}

// Snapshot returns the latest published snapshot.
func (b *BeatClock) Snapshot() Snapshot {
	return *b.current.Load()
}

// EffectiveBPMCenti implements the metrics.ClockProvider interface.
func (b *BeatClock) EffectiveBPMCenti() int { return int(b.Snapshot().EffectiveBpmCenti) }

// Stale implements the metrics.ClockProvider interface.
func (b *BeatClock) Stale() bool { return b.Snapshot().Stale }

// sourceDevice resolves the device number the current source reads BPM
// from, for Follow_Network_Master and Pin; returns 0, false for Manual
// and Tap, which read no device.
func (b *BeatClock) sourceDevice() (byte, bool) {
	switch b.source.Kind {
	case SourceFollowNetworkMaster:
		m := b.negotiator.CurrentMaster()
		if m <= 0 {
			return 0, false
		}
		return byte(m), true
	case SourcePin:
		return b.source.PinDevice, true
	default:
		return 0, false
	}
}

// OnBeat is called by the link core when a beat packet arrives from
// deviceNumber at arrivalTime. Only a beat from the currently-selected
// source device re-anchors the schedule.
func (b *BeatClock) OnBeat(deviceNumber byte, arrivalTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.sourceDevice()
	if !ok || dev != deviceNumber {
		return
	}
	snap, found := b.tracker.Snapshot(deviceNumber)
	if !found {
		return
	}
	b.recomputeLocked(snap.EffectiveBpmCenti, arrivalTime, true)
}

// OnStatus is called on every inbound status packet. When the status
// device is the selected source and no anchor exists yet, it seeds the
// tempo and anchor from that device's state; once an anchor exists,
// status packets change neither the anchor nor staleness.
func (b *BeatClock) OnStatus(deviceNumber byte, arrivalTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.sourceDevice()
	if !ok || dev != deviceNumber || !b.lastAnchor.IsZero() {
		return
	}
	snap, found := b.tracker.Snapshot(deviceNumber)
	if !found || snap.EffectiveBpmCenti == 0 {
		return
	}
	b.recomputeLocked(snap.EffectiveBpmCenti, arrivalTime, false)
}

// Tick is called periodically (e.g. alongside the sweep loop) to detect
// staleness and republish the snapshot even without new wire traffic.
func (b *BeatClock) Tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(now)
}

// recomputeLocked updates lastValidBpmCenti/lastAnchor and, when
// isBeatAnchor is true, applies the re-anchoring/resync rule from §4.6.
func (b *BeatClock) recomputeLocked(bpmCenti uint16, arrivalTime time.Time, isBeatAnchor bool) {
	bpmCenti = clampBPM(bpmCenti)
	newAnchor := arrivalTime.Add(-networkJitterUs * time.Microsecond)
	newTickUs := tickIntervalUs(bpmCenti)

	if isBeatAnchor && !b.lastAnchor.IsZero() && b.lastTickUs > 0 {
		predicted := b.lastAnchor.Add(time.Duration(24*b.lastTickUs) * time.Microsecond)
		drift := newAnchor.Sub(predicted)
		if drift < 0 {
			drift = -drift
		}
		quarterTick := time.Duration(b.lastTickUs/4) * time.Microsecond
		if drift > quarterTick {
			b.resyncs++
			b.logger.Warn("beat clock resync", "drift_us", drift.Microseconds())
		}
	}

	b.lastValidBpmCenti = bpmCenti
	b.lastAnchor = newAnchor
	b.lastTickUs = newTickUs

	b.publishLocked(arrivalTime)
}

// publishLocked recomputes staleness against now and swaps in a fresh
// Snapshot. Must be called with mu held.
func (b *BeatClock) publishLocked(now time.Time) {
	if b.lastAnchor.IsZero() {
		b.current.Store(&Snapshot{Stale: true, Source: b.source.Kind, Resyncs: b.resyncs})
		return
	}

	stale := now.Sub(b.lastAnchor) > staleAfter
	b.current.Store(&Snapshot{
		EffectiveBpmCenti: b.lastValidBpmCenti,
		Stale:             stale,
		Source:            b.source.Kind,
		Resyncs:           b.resyncs,
		Anchor:            b.lastAnchor,
		TickIntervalUs:    b.lastTickUs,
	})
}

func clampBPM(bpmCenti uint16) uint16 {
	if bpmCenti < minBPMCenti {
		return minBPMCenti
	}
	if bpmCenti > maxBPMCenti {
		return maxBPMCenti
	}
	return bpmCenti
}

func tickIntervalUs(bpmCenti uint16) int64 {
	if bpmCenti == 0 {
		return 0
	}
	// tickIntervalUs = 60_000_000 / (effective_bpm * 24), effective_bpm = bpmCenti/100.
	return (60_000_000 * 100) / (int64(bpmCenti) * 24)
}

// Tap records a tap-tempo timestamp and, once at least two taps are
// present, recomputes BPM from the mean inter-tap interval, discarding
// outliers beyond ±30% of the running median. It returns the computed
// bpm_centi and whether enough taps were present to produce one.
func (b *BeatClock) Tap(now time.Time) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.taps = append(b.taps, now)
	if len(b.taps) > maxTaps {
		b.taps = b.taps[len(b.taps)-maxTaps:]
	}
	if len(b.taps) < 2 {
		return 0, false
	}

	intervals := make([]float64, 0, len(b.taps)-1)
	for i := 1; i < len(b.taps); i++ {
		intervals = append(intervals, float64(b.taps[i].Sub(b.taps[i-1]).Milliseconds()))
	}

	median := medianOf(intervals)
	var kept []float64
	for _, iv := range intervals {
		if math.Abs(iv-median) <= median*tapOutlierPct {
			kept = append(kept, iv)
		}
	}
	if len(kept) == 0 {
		kept = intervals
	}

	var sum float64
	for _, iv := range kept {
		sum += iv
	}
	meanMs := sum / float64(len(kept))
	if meanMs <= 0 {
		return 0, false
	}

	bpmCenti := uint16(math.Round(60_000 * 100 / meanMs))
	bpmCenti = clampBPM(bpmCenti)

	if b.source.Kind == SourceTap {
		b.recomputeLocked(bpmCenti, now, false)
	}
	return bpmCenti, true
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
