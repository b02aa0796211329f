// Package tracker maintains per-device PlayerState from inbound status
// and beat packets. As with per-call RTP session stats, per-device
// counters are atomics so Snapshot readers never take a lock — but there
// is still exactly one writer (the link core goroutine); the atomics
// exist for lock-free reads, not to license concurrent writers.
package tracker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

// noTempoSentinel is a local alias of wire.NoTempoSentinel.
const noTempoSentinel = wire.NoTempoSentinel

// TrackRef identifies the currently-loaded track, if any.
type TrackRef struct {
	SourceDevice byte
	Slot         wire.Slot
	TrackID      uint32
	Loaded       bool
}

// PlayerState is the live, per-device model of a player's BPM, beat
// position, and transport flags. Snapshot (a value copy) is the safe way
// for any goroutine besides the owning link core to read it.
type PlayerState struct {
	DeviceNumber byte

	bpmCenti     atomic.Uint32 // stored as uint32 holding a uint16 value
	pitch        atomic.Uint32
	beatInBar    atomic.Uint32
	beatCounter  atomic.Uint32
	playing      atomic.Bool
	cued         atomic.Bool
	onAir        atomic.Bool
	master       atomic.Bool
	sync         atomic.Bool
	playheadMs   atomic.Uint32
	lastStatusAt atomic.Int64 // unix nano
	lastBeatAt   atomic.Int64 // unix nano

	mu              sync.Mutex // guards track, which isn't a scalar atomic
	track           TrackRef
	nextBeatOffsets [7]uint16
}

// Snapshot is an immutable, safe-for-concurrent-readers view of a
// PlayerState at one instant.
type Snapshot struct {
	DeviceNumber        byte
	BpmCenti            uint16
	EffectiveBpmCenti   uint16
	Pitch               uint32
	BeatInBar           byte
	BeatCounter         uint32
	Playing             bool
	Cued                bool
	OnAir               bool
	Master              bool
	Sync                bool
	Track               TrackRef
	PlayheadMs          uint32
	LastStatus, LastBeat time.Time
}

func newPlayerState(deviceNumber byte) *PlayerState {
	return &PlayerState{DeviceNumber: deviceNumber}
}

// Snapshot returns a consistent point-in-time copy for readers.
func (p *PlayerState) Snapshot() Snapshot {
	p.mu.Lock()
	track := p.track
	p.mu.Unlock()

	bpm := uint16(p.bpmCenti.Load())
	return Snapshot{
		DeviceNumber:      p.DeviceNumber,
		BpmCenti:          bpm,
		EffectiveBpmCenti: effectiveBPM(bpm, p.pitch.Load()),
		Pitch:             p.pitch.Load(),
		BeatInBar:         byte(p.beatInBar.Load()),
		BeatCounter:       p.beatCounter.Load(),
		Playing:           p.playing.Load(),
		Cued:              p.cued.Load(),
		OnAir:             p.onAir.Load(),
		Master:            p.master.Load(),
		Sync:              p.sync.Load(),
		Track:             track,
		PlayheadMs:        p.playheadMs.Load(),
		LastStatus:        time.Unix(0, p.lastStatusAt.Load()),
		LastBeat:          time.Unix(0, p.lastBeatAt.Load()),
	}
}

// effectiveBPM combines bpm_centi with the wire pitch field to produce
// effective_bpm_centi = round(bpm_centi * pitch_factor), per §4.5.
func effectiveBPM(bpmCenti uint16, pitch uint32) uint16 {
	factor := 1.0 + (float64(int64(pitch)-int64(wire.PitchCenter)) / float64(wire.PitchCenter))
	v := float64(bpmCenti) * factor
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return uint16(v + 0.5)
}

// TrackLoadObserver is notified when a device's track_ref changes.
type TrackLoadObserver interface {
	OnTrackLoaded(deviceNumber byte, track TrackRef)
}

// TransportObserver is notified on playing/cued state transitions.
type TransportObserver interface {
	OnPlay(deviceNumber byte)
	OnCue(deviceNumber byte)
	OnStop(deviceNumber byte)
}

// Tracker owns the full set of PlayerState entries, one per device
// number seen on the wire.
type Tracker struct {
	mu      sync.RWMutex
	players map[byte]*PlayerState

	trackObserver     TrackLoadObserver
	transportObserver TransportObserver
	clock             clockwork.Clock
	logger            *slog.Logger
}

// New constructs a Tracker. Either observer may be nil.
func New(trackObserver TrackLoadObserver, transportObserver TransportObserver, clock clockwork.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		players:           make(map[byte]*PlayerState),
		trackObserver:     trackObserver,
		transportObserver: transportObserver,
		clock:             clock,
		logger:            logger.With("subsystem", "tracker"),
	}
}

func (t *Tracker) playerFor(deviceNumber byte) *PlayerState {
	t.mu.RLock()
	p, ok := t.players[deviceNumber]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.players[deviceNumber]; ok {
		return p
	}
	p = newPlayerState(deviceNumber)
	t.players[deviceNumber] = p
	return p
}

// ApplyStatus updates a device's PlayerState from an inbound CDJ status
// packet. Updates are last-writer-wins except beat_counter (handled by
// ApplyBeat) and bpm_centi, which retains its previous value when the
// wire carries the "no tempo" sentinel.
func (t *Tracker) ApplyStatus(pkt wire.PlayerStatus) {
	p := t.playerFor(pkt.DeviceNumber)
	now := t.clock.Now()

	if pkt.BpmCenti != noTempoSentinel {
		p.bpmCenti.Store(uint32(pkt.BpmCenti))
	}
	p.pitch.Store(pkt.Pitch)
	p.playheadMs.Store(pkt.PlayheadMs)
	p.lastStatusAt.Store(now.UnixNano())

	wasPlaying := p.playing.Swap(pkt.Playing)
	wasCued := p.cued.Swap(pkt.Cued)
	p.onAir.Store(pkt.OnAir)
	p.master.Store(pkt.Master)
	p.sync.Store(pkt.Sync)

	newTrack := TrackRef{SourceDevice: pkt.Track.SourceDevice, Slot: pkt.Track.Slot, TrackID: pkt.Track.TrackID, Loaded: true}

	p.mu.Lock()
	trackChanged := p.track != newTrack
	if trackChanged {
		p.track = newTrack
	}
	p.mu.Unlock()

	if trackChanged {
		p.beatCounter.Store(0)
		if t.trackObserver != nil {
			t.trackObserver.OnTrackLoaded(pkt.DeviceNumber, newTrack)
		}
	}

	if !wasPlaying && pkt.Playing {
		if t.transportObserver != nil {
			t.transportObserver.OnPlay(pkt.DeviceNumber)
		}
	} else if wasPlaying && !pkt.Playing && pkt.Cued {
		if t.transportObserver != nil {
			t.transportObserver.OnCue(pkt.DeviceNumber)
		}
	} else if wasPlaying && !pkt.Playing && !pkt.Cued {
		if t.transportObserver != nil {
			t.transportObserver.OnStop(pkt.DeviceNumber)
		}
	}
	_ = wasCued
}

// ApplyBeat updates beat position from an inbound beat packet:
// beat_in_bar is set, last_beat_ts refreshed, and beat_counter
// incremented by exactly one.
func (t *Tracker) ApplyBeat(pkt wire.Beat) {
	if pkt.BeatInBar < 1 || pkt.BeatInBar > 4 {
		t.logger.Warn("beat packet with out-of-range beat_in_bar dropped", "device", pkt.DeviceNumber, "beat_in_bar", pkt.BeatInBar)
		return
	}

	p := t.playerFor(pkt.DeviceNumber)
	now := t.clock.Now()

	p.beatInBar.Store(uint32(pkt.BeatInBar))
	p.lastBeatAt.Store(now.UnixNano())
	p.beatCounter.Add(1)
	if pkt.BpmCenti != noTempoSentinel {
		p.bpmCenti.Store(uint32(pkt.BpmCenti))
	}
	p.pitch.Store(pkt.Pitch)

	p.mu.Lock()
	p.nextBeatOffsets = pkt.NextBeatOffsetsMs
	p.mu.Unlock()
}

// NextBeatOffsets returns the most recently received beat packet's
// next-beat-at offsets (ms, beats +1..+7 ahead). The beat clock does not
// read them; it anchors its schedule on beat arrival times.
func (t *Tracker) NextBeatOffsets(deviceNumber byte) [7]uint16 {
	p := t.playerFor(deviceNumber)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextBeatOffsets
}

// Snapshot returns a consistent per-device view, or false if the device
// has never been observed.
func (t *Tracker) Snapshot(deviceNumber byte) (Snapshot, bool) {
	t.mu.RLock()
	p, ok := t.players[deviceNumber]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return p.Snapshot(), true
}

// All returns a snapshot of every tracked device.
func (t *Tracker) All() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.players))
	for _, p := range t.players {
		out = append(out, p.Snapshot())
	}
	return out
}

// MasterCount implements the at-most-one-master invariant check used in
// tests: the number of devices currently reporting master=true.
func (t *Tracker) MasterCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.players {
		if p.master.Load() {
			n++
		}
	}
	return n
}
