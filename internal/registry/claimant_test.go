package registry

import (
	"context"
	"testing"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

type recordingAnnouncer struct {
	sent [][]byte
}

func (r *recordingAnnouncer) SendBroadcast(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.sent = append(r.sent, cp)
}

func TestClaimSucceedsWithoutConflict(t *testing.T) {
	clk := clockwork.NewFake(time.Unix(0, 0))
	announcer := &recordingAnnouncer{}
	c := NewClaimant("prolinkd", [6]byte{1, 2, 3, 4, 5, 6}, announcer, clk, discardLogger())

	done := make(chan struct{})
	var got byte
	var gotErr error
	go func() {
		got, gotErr = c.Claim(context.Background(), 1)
		close(done)
	}()

	// Advance through the 4 request / 3 gap schedule without injecting
	// any conflicting observation.
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(claimRequestSpacing)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not complete")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got != 1 {
		t.Fatalf("expected device number 1, got %d", got)
	}
	if len(announcer.sent) != claimRequestCount {
		t.Fatalf("expected %d broadcasts, got %d", claimRequestCount, len(announcer.sent))
	}

	for _, raw := range announcer.sent {
		pkt, err := wire.Decode(wire.PortDiscovery, raw)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		req, ok := pkt.(wire.IDRequest)
		if !ok {
			t.Fatalf("expected IDRequest, got %T", pkt)
		}
		if req.RequestedDeviceNumber != 1 {
			t.Fatalf("expected requested device number 1, got %d", req.RequestedDeviceNumber)
		}
	}
}

func TestClaimMovesToNextCandidateOnConflict(t *testing.T) {
	clk := clockwork.NewFake(time.Unix(0, 0))
	announcer := &recordingAnnouncer{}
	c := NewClaimant("prolinkd", [6]byte{1, 2, 3, 4, 5, 6}, announcer, clk, discardLogger())

	done := make(chan struct{})
	var got byte
	var gotErr error
	go func() {
		got, gotErr = c.Claim(context.Background(), 1)
		close(done)
	}()

	// Immediately report device 1 as already in use.
	time.Sleep(5 * time.Millisecond)
	c.Observe(1)

	for i := 0; i < 6; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(claimRequestSpacing)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not complete")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if got == 1 {
		t.Fatal("expected claimant to move off the conflicting device number")
	}
}
