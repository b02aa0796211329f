package beatclock

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prolinkcore/prolink-core/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeTracker struct {
	snaps map[byte]tracker.Snapshot
}

func (f *fakeTracker) Snapshot(deviceNumber byte) (tracker.Snapshot, bool) {
	s, ok := f.snaps[deviceNumber]
	return s, ok
}

type fakeMaster struct{ current int }

func (f *fakeMaster) CurrentMaster() int { return f.current }

func TestOnBeatPublishesSnapshotFromSelectedSource(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{2: {EffectiveBpmCenti: 12800}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())

	now := time.Unix(100, 0)
	b.OnBeat(2, now)

	snap := b.Snapshot()
	if snap.Stale {
		t.Fatal("expected snapshot not stale right after a beat")
	}
	if snap.EffectiveBpmCenti != 12800 {
		t.Fatalf("expected bpm 12800, got %d", snap.EffectiveBpmCenti)
	}
}

func TestOnBeatFromNonSelectedDeviceIgnored(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{3: {EffectiveBpmCenti: 13000}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())

	b.OnBeat(3, time.Unix(100, 0))

	if !b.Snapshot().Stale {
		t.Fatal("expected snapshot to remain stale, no beat from the selected source arrived")
	}
}

func TestTickMarksStaleAfterSilence(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{2: {EffectiveBpmCenti: 12000}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())

	start := time.Unix(100, 0)
	b.OnBeat(2, start)
	if b.Snapshot().Stale {
		t.Fatal("should not be stale immediately")
	}

	b.Tick(start.Add(3 * time.Second))
	if !b.Snapshot().Stale {
		t.Fatal("expected coasting/stale after 3s of silence")
	}
	// Coasting retains the last valid bpm rather than falling back.
	if b.Snapshot().EffectiveBpmCenti != 12000 {
		t.Fatalf("expected bpm retained while stale, got %d", b.Snapshot().EffectiveBpmCenti)
	}
}

func TestResyncFlaggedOnLargeDrift(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{2: {EffectiveBpmCenti: 12000}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())

	start := time.Unix(100, 0)
	b.OnBeat(2, start)
	// A beat interval at 120 BPM (24 ticks/beat) is 500ms; drift far
	// beyond a quarter tick should be flagged as a resync.
	b.OnBeat(2, start.Add(500*time.Millisecond+50*time.Millisecond))

	if b.Snapshot().Resyncs == 0 {
		t.Fatal("expected a resync to be recorded for large drift")
	}
}

func TestNoResyncOnSmallJitter(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{2: {EffectiveBpmCenti: 12000}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())

	start := time.Unix(100, 0)
	b.OnBeat(2, start)
	b.OnBeat(2, start.Add(500*time.Millisecond+1*time.Millisecond))

	if b.Snapshot().Resyncs != 0 {
		t.Fatalf("expected no resync for 1ms jitter, got %d", b.Snapshot().Resyncs)
	}
}

func TestTapRequiresAtLeastTwoTaps(t *testing.T) {
	b := New(&fakeTracker{snaps: map[byte]tracker.Snapshot{}}, &fakeMaster{}, nil, discardLogger())
	b.SetSource(Source{Kind: SourceTap})

	if _, ok := b.Tap(time.Unix(0, 0)); ok {
		t.Fatal("expected no bpm from a single tap")
	}
	bpm, ok := b.Tap(time.Unix(0, 0).Add(500 * time.Millisecond))
	if !ok {
		t.Fatal("expected a bpm after the second tap")
	}
	if bpm < 11900 || bpm > 12100 {
		t.Fatalf("expected ~120 bpm from a 500ms interval, got %d", bpm)
	}
}

func TestTapDiscardsOutlier(t *testing.T) {
	b := New(&fakeTracker{snaps: map[byte]tracker.Snapshot{}}, &fakeMaster{}, nil, discardLogger())
	b.SetSource(Source{Kind: SourceTap})

	base := time.Unix(0, 0)
	b.Tap(base)
	b.Tap(base.Add(500 * time.Millisecond))
	b.Tap(base.Add(1000 * time.Millisecond))
	// An outlier interval far beyond +-30% of the running median.
	bpm, ok := b.Tap(base.Add(3000 * time.Millisecond))
	if !ok {
		t.Fatal("expected a bpm result")
	}
	if bpm < 11900 || bpm > 12100 {
		t.Fatalf("expected the outlier interval discarded, bpm near 120, got %d", bpm)
	}
}

func TestManualSourceDoesNotReadTracker(t *testing.T) {
	tr := &fakeTracker{snaps: map[byte]tracker.Snapshot{2: {EffectiveBpmCenti: 9999}}}
	m := &fakeMaster{current: 2}
	b := New(tr, m, nil, discardLogger())
	b.SetSource(Source{Kind: SourceManual, ManualBpmCenti: 13000})

	b.OnBeat(2, time.Unix(100, 0))
	// Manual reads no device, so a beat from device 2 neither anchors the
	// schedule nor publishes the tracker's bpm.
	if !b.Snapshot().Stale {
		t.Fatal("expected snapshot to stay stale: a manual source does not anchor from beat packets")
	}
	if got := b.Snapshot().EffectiveBpmCenti; got == 9999 {
		t.Fatalf("manual source published the tracker's bpm %d", got)
	}
}
