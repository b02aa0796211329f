package negotiator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type recordingBroadcaster struct {
	sent []wire.Packet
}

func (r *recordingBroadcaster) SendBroadcast(data []byte) {
	pkt, err := wire.Decode(wire.PortBeat, data)
	if err == nil {
		r.sent = append(r.sent, pkt)
	}
}

type noopUnicaster struct{ fail bool }

func (n *noopUnicaster) SendUnicastTo(deviceNumber byte, data []byte) error {
	if n.fail {
		return errFail
	}
	return nil
}

var errFail = &testErr{"send failed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestObserveMasterFlagSetsCurrentMaster(t *testing.T) {
	var changes [][2]byte
	clk := clockwork.NewFake(time.Unix(0, 0))
	n := New(1, "prolinkd", clk, observerFunc(func(prev, cur byte) {
		changes = append(changes, [2]byte{prev, cur})
	}), discardLogger())

	n.ObserveMasterFlag(2, true)

	if n.Role().CurrentMaster != 2 {
		t.Fatalf("expected current master 2, got %d", n.Role().CurrentMaster)
	}
	if len(changes) != 1 || changes[0] != [2]byte{0, 2} {
		t.Fatalf("expected one master change 0->2, got %v", changes)
	}

	// Re-observing the same master must not fire a duplicate notification.
	n.ObserveMasterFlag(2, true)
	if len(changes) != 1 {
		t.Fatalf("expected no duplicate notification, got %v", changes)
	}
}

type observerFunc func(previous, current byte)

func (f observerFunc) OnMasterChanged(previous, current byte) { f(previous, current) }

func TestRequestMasterNoCurrentMasterBecomesMasterImmediately(t *testing.T) {
	clk := clockwork.NewFake(time.Unix(0, 0))
	n := New(1, "prolinkd", clk, nil, discardLogger())

	b := &recordingBroadcaster{}
	u := &noopUnicaster{}
	yieldCh := make(chan wire.MasterYieldResponse)

	done := make(chan error, 1)
	go func() {
		done <- n.RequestMaster(context.Background(), b, u, yieldCh)
	}()

	for i := 0; i < 2; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(claimBroadcastSpacing)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestMaster did not complete")
	}

	if n.State() != StateMaster {
		t.Fatalf("expected state Master, got %s", n.State())
	}
	if len(b.sent) != claimBroadcastStages {
		t.Fatalf("expected %d claim broadcasts, got %d", claimBroadcastStages, len(b.sent))
	}
	for i, pkt := range b.sent {
		claim, ok := pkt.(wire.MasterClaim)
		if !ok {
			t.Fatalf("expected MasterClaim, got %T", pkt)
		}
		wantStage := byte(claimBroadcastStages - i)
		if claim.Stage != wantStage {
			t.Fatalf("broadcast %d: expected stage %d, got %d", i, wantStage, claim.Stage)
		}
	}
}

func TestYieldRequestThenCompleteReturnsToFollower(t *testing.T) {
	clk := clockwork.NewFake(time.Unix(0, 0))
	n := New(1, "prolinkd", clk, nil, discardLogger())
	n.becomeMaster()

	resp := n.OnYieldRequest(2)
	if !resp.Ack {
		t.Fatal("expected ack true")
	}
	if n.State() != StateYieldPending {
		t.Fatalf("expected YieldPending, got %s", n.State())
	}

	n.CompleteYield()
	if n.State() != StateFollower {
		t.Fatalf("expected Follower after CompleteYield, got %s", n.State())
	}
	if n.Role().CurrentMaster != 2 {
		t.Fatalf("expected current master to become yield target 2, got %d", n.Role().CurrentMaster)
	}
}

func TestShutdownSendsYieldAndReturnsToFollower(t *testing.T) {
	clk := clockwork.NewFake(time.Unix(0, 0))
	n := New(1, "prolinkd", clk, nil, discardLogger())
	n.becomeMaster()

	u := &noopUnicaster{}
	n.Shutdown(u)

	if n.State() != StateFollower {
		t.Fatalf("expected Follower after shutdown, got %s", n.State())
	}
}
