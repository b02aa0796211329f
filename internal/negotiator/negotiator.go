// Package negotiator implements the tempo-master handoff state machine.
// It is mutated exclusively by the link core goroutine (single writer);
// the state string enum and per-state fields follow the same explicit
// lifecycle-state modeling used for trunk registration/health-check
// state, generalized to four states here.
package negotiator

import (
	"context"
	"log/slog"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

// State names the negotiator's current position in the handoff dance.
type State string

const (
	StateFollower      State = "follower"
	StateClaimPending  State = "claim_pending"
	StateMaster        State = "master"
	StateYieldPending  State = "yield_pending"
)

const (
	claimBroadcastSpacing = 200 * time.Millisecond
	claimBroadcastStages  = 3
	yieldAckTimeout       = 500 * time.Millisecond
)

// MasterRole is the negotiator's externally-visible model of who holds
// master and what handoff, if any, is in flight.
type MasterRole struct {
	CurrentMaster    byte // 0 = none
	PendingYieldFrom byte // 0 = none
	PendingClaimBy   byte // 0 = none
	ClaimCountdown   byte // 0..3
}

// MasterChangeObserver is notified exactly once per observed transition
// of CurrentMaster, per the ordering guarantee in the concurrency design.
type MasterChangeObserver interface {
	OnMasterChanged(previous, current byte)
}

// Negotiator drives the master handoff state machine for the local
// peer. All mutating methods are intended for exclusive use by the link
// core goroutine.
type Negotiator struct {
	localDeviceNumber byte
	name              string

	state State
	role  MasterRole

	clock    clockwork.Clock
	observer MasterChangeObserver
	logger   *slog.Logger
}

// New constructs a Negotiator for localDeviceNumber. observer may be nil.
func New(localDeviceNumber byte, name string, clock clockwork.Clock, observer MasterChangeObserver, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		localDeviceNumber: localDeviceNumber,
		name:              name,
		state:             StateFollower,
		clock:             clock,
		observer:          observer,
		logger:            logger.With("subsystem", "negotiator"),
	}
}

// State returns the current state.
func (n *Negotiator) State() State { return n.state }

// Role returns a copy of the current master role model.
func (n *Negotiator) Role() MasterRole { return n.role }

// CurrentMaster implements the metrics.MasterProvider interface.
func (n *Negotiator) CurrentMaster() int { return int(n.role.CurrentMaster) }

// IsMaster reports whether the local peer currently holds master.
func (n *Negotiator) IsMaster() bool { return n.state == StateMaster }

// setCurrentMaster updates CurrentMaster and fires OnMasterChanged
// exactly once if the value actually changed.
func (n *Negotiator) setCurrentMaster(device byte) {
	if n.role.CurrentMaster == device {
		return
	}
	previous := n.role.CurrentMaster
	n.role.CurrentMaster = device
	n.logger.Info("master changed", "previous", previous, "current", device)
	if n.observer != nil {
		n.observer.OnMasterChanged(previous, device)
	}
}

// ObserveMasterFlag processes an inbound mixer or player status packet's
// master flag: the peer that flips its master bit is authoritative,
// per the Follower -> Follower self-transition rule.
func (n *Negotiator) ObserveMasterFlag(deviceNumber byte, masterFlag bool) {
	if !masterFlag {
		if n.role.CurrentMaster == deviceNumber {
			n.setCurrentMaster(0)
		}
		return
	}
	if deviceNumber == n.localDeviceNumber {
		return // our own beats, handled by state transitions instead
	}
	n.setCurrentMaster(deviceNumber)
}

// broadcaster is the narrow send surface used during a claim sequence;
// kept separate from Sender so tests can supply a minimal fake.
type broadcaster interface {
	SendBroadcast(data []byte)
}

// unicaster is the narrow send surface used to send a yield request or
// response to a specific device's IP.
type unicaster interface {
	SendUnicastTo(deviceNumber byte, data []byte) error
}

// RequestMaster transitions Follower -> ClaimPending and runs the claim
// broadcast sequence (three stages at 200ms spacing). If a current
// master is known, it also sends a unicast yield request and waits up
// to 500ms for an ACK. On ACK, on no-known-master, or on timeout after
// the broadcast sequence completes, it transitions to Master.
func (n *Negotiator) RequestMaster(ctx context.Context, b broadcaster, u unicaster, yieldResponses <-chan wire.MasterYieldResponse) error {
	if n.state == StateClaimPending || n.state == StateMaster {
		return nil
	}

	n.state = StateClaimPending
	n.role.PendingClaimBy = n.localDeviceNumber

	for stage := claimBroadcastStages; stage >= 1; stage-- {
		n.role.ClaimCountdown = byte(stage)
		pkt := wire.MasterClaim{Name: n.name, DeviceNumber: n.localDeviceNumber, Stage: byte(stage)}
		b.SendBroadcast(pkt.Encode())

		if stage > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-n.clock.After(claimBroadcastSpacing):
			}
		}
	}

	currentMaster := n.role.CurrentMaster
	if currentMaster != 0 && currentMaster != n.localDeviceNumber {
		req := wire.MasterYieldRequest{Name: n.name, DeviceNumber: n.localDeviceNumber, TargetDeviceNumber: currentMaster}
		if err := u.SendUnicastTo(currentMaster, req.Encode()); err == nil {
			select {
			case <-yieldResponses:
			case <-n.clock.After(yieldAckTimeout):
				n.logger.Warn("yield request timed out, claiming master anyway", "target", currentMaster)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	n.becomeMaster()
	return nil
}

func (n *Negotiator) becomeMaster() {
	n.state = StateMaster
	n.role.PendingClaimBy = 0
	n.role.ClaimCountdown = 0
	n.setCurrentMaster(n.localDeviceNumber)
}

// OnYieldRequest handles an inbound unicast yield request from peer P
// while we hold master: it transitions Master -> YieldPending and returns
// the yield-response for the caller (link core) to send. The link core
// calls CompleteYield right after sending it; no master-flagged beats are
// emitted in between.
func (n *Negotiator) OnYieldRequest(from byte) wire.MasterYieldResponse {
	if n.state != StateMaster {
		return wire.MasterYieldResponse{Name: n.name, DeviceNumber: n.localDeviceNumber, Ack: false}
	}
	n.state = StateYieldPending
	n.role.PendingYieldFrom = from
	return wire.MasterYieldResponse{Name: n.name, DeviceNumber: n.localDeviceNumber, Ack: true}
}

// CompleteYield finishes the Master -> YieldPending -> Follower
// transition and records the peer we yielded to as current master.
func (n *Negotiator) CompleteYield() {
	if n.state != StateYieldPending {
		return
	}
	yieldTo := n.role.PendingYieldFrom
	n.state = StateFollower
	n.role.PendingYieldFrom = 0
	n.setCurrentMaster(yieldTo)
}

// Shutdown sends up to three yield-responses to any known claimant and
// transitions to Follower, per the clean-shutdown rule.
func (n *Negotiator) Shutdown(u unicaster) {
	if n.state == StateMaster || n.state == StateYieldPending {
		target := n.role.PendingYieldFrom
		if target == 0 {
			target = n.role.CurrentMaster
		}
		if target != 0 {
			resp := wire.MasterYieldResponse{Name: n.name, DeviceNumber: n.localDeviceNumber, Ack: true}
			for i := 0; i < 3; i++ {
				_ = u.SendUnicastTo(target, resp.Encode())
			}
		}
	}
	n.state = StateFollower
	n.role.PendingClaimBy = 0
	n.role.PendingYieldFrom = 0
	n.role.ClaimCountdown = 0
}
