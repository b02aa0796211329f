package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

const (
	claimRequestSpacing = 300 * time.Millisecond
	claimRequestCount   = 4
	maxClaimRetries     = 3
)

// Announcer abstracts the broadcast send path the claimant needs;
// satisfied by netio.Socket in production and a recorder in tests.
type Announcer interface {
	SendBroadcast(data []byte)
}

// Claimant runs the self-assignment handshake once at startup: broadcast
// four ID-request packets spaced 300ms apart announcing the desired
// device number. If any peer echoes the same number before the final
// request, the next free number is tried; after maxClaimRetries failed
// candidates, self-assignment fails with ErrDeviceNumberConflict.
type Claimant struct {
	name       string
	mac        [6]byte
	announcer  Announcer
	logger     *slog.Logger
	clock      clockTimer
	observed   chan byte // device numbers observed echoed back during a window
}

// clockTimer is the minimal timer surface Claimant needs; satisfied by
// clockwork.Clock directly in production code.
type clockTimer interface {
	After(d time.Duration) <-chan time.Time
}

// NewClaimant constructs a Claimant. observed receives device numbers
// seen in inbound ID-response traffic while a claim attempt
// is in flight; the link core forwards them from its dispatch loop.
func NewClaimant(name string, mac [6]byte, announcer Announcer, clock clockTimer, logger *slog.Logger) *Claimant {
	return &Claimant{
		name:      name,
		mac:       mac,
		announcer: announcer,
		logger:    logger.With("subsystem", "claimant"),
		clock:     clock,
		observed:  make(chan byte, 16),
	}
}

// Observe records a device number seen on the wire during a claim
// attempt. Safe to call concurrently with Claim from the link core's
// dispatch loop, since it's a buffered channel send.
func (c *Claimant) Observe(deviceNumber byte) {
	select {
	case c.observed <- deviceNumber:
	default:
	}
}

// Claim attempts to assign the lowest free device number in 1..4,
// starting from preferred if nonzero. It returns the committed device
// number, or ErrDeviceNumberConflict after exhausting candidates.
func (c *Claimant) Claim(ctx context.Context, preferred byte) (byte, error) {
	candidates := candidateOrder(preferred)

	for attempt := 0; attempt < maxClaimRetries && attempt < len(candidates); attempt++ {
		candidate := candidates[attempt]
		conflicted, err := c.tryCandidate(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if !conflicted {
			c.logger.Info("device number claimed", "device_number", candidate)
			return candidate, nil
		}
		c.logger.Warn("device number in use, trying next", "device_number", candidate)
	}

	return 0, prolinkerr.ErrDeviceNumberConflict
}

func (c *Claimant) tryCandidate(ctx context.Context, candidate byte) (conflicted bool, err error) {
	// Drain any stale observations from a previous candidate's window.
	drainObserved(c.observed)

	for i := 0; i < claimRequestCount; i++ {
		pkt := wire.IDRequest{Name: c.name, RequestedDeviceNumber: candidate, Mac: c.mac}
		c.announcer.SendBroadcast(pkt.Encode())

		if i == claimRequestCount-1 {
			break
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case num := <-c.observed:
			if num == candidate {
				return true, nil
			}
		case <-c.clock.After(claimRequestSpacing):
		}
	}

	select {
	case num := <-c.observed:
		if num == candidate {
			return true, nil
		}
	default:
	}

	return false, nil
}

func drainObserved(ch chan byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func candidateOrder(preferred byte) []byte {
	all := []byte{1, 2, 3, 4}
	if preferred < 1 || preferred > 4 {
		return all
	}
	ordered := []byte{preferred}
	for _, n := range all {
		if n != preferred {
			ordered = append(ordered, n)
		}
	}
	return ordered
}
