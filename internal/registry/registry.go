// Package registry tracks the set of currently-known ProDJ Link devices,
// keyed by device number, with liveness timers and conflict handling.
// Upsert and Touch are called from the link core goroutine; the liveness
// sweep runs on the registry's own Run goroutine. A mutex guards the
// device map.
package registry

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

const (
	sweepInterval   = 250 * time.Millisecond
	livenessTimeout = 5 * time.Second
)

// Device is a single peer on the network.
type Device struct {
	DeviceNumber byte
	Kind         wire.Kind
	Name         string
	Mac          [6]byte
	IP           net.IP
	LastSeen     time.Time
}

// ConflictObserver is notified when two distinct MACs announce the same
// device number. The link core's implementation logs a warning; it does
// not change the local device number.
type ConflictObserver interface {
	OnDeviceConflict(deviceNumber byte, existing, incoming [6]byte)
}

// LostObserver is notified when a device's liveness timeout expires.
type LostObserver interface {
	OnDeviceLost(deviceNumber byte)
}

// Registry holds the current Device set. Upsert/Touch and sweep run on
// different goroutines under a mutex; reads via Get/Snapshot/DeviceCount
// are safe for concurrent callers.
type Registry struct {
	mu      sync.RWMutex
	devices map[byte]*Device

	conflict ConflictObserver
	lost     LostObserver
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New constructs a Registry. conflict and lost may be nil.
func New(conflict ConflictObserver, lost LostObserver, clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		devices:  make(map[byte]*Device),
		conflict: conflict,
		lost:     lost,
		clock:    clock,
		logger:   logger.With("subsystem", "registry"),
	}
}

// Upsert records a keepalive or first-seen status from a device. If the
// device number is already known under a different MAC, the incoming
// announcement is treated as conflicting and not inserted; the conflict
// observer is notified instead.
func (r *Registry) Upsert(deviceNumber byte, kind wire.Kind, name string, mac [6]byte, ip net.IP) {
	now := r.clock.Now()

	r.mu.Lock()
	existing, ok := r.devices[deviceNumber]
	if ok && existing.Mac != mac {
		r.mu.Unlock()
		r.logger.Warn("device number conflict",
			"device_number", deviceNumber,
			"existing_mac", existing.Mac,
			"incoming_mac", mac,
		)
		if r.conflict != nil {
			r.conflict.OnDeviceConflict(deviceNumber, existing.Mac, mac)
		}
		return
	}

	r.devices[deviceNumber] = &Device{
		DeviceNumber: deviceNumber,
		Kind:         kind,
		Name:         name,
		Mac:          mac,
		IP:           ip,
		LastSeen:     now,
	}
	r.mu.Unlock()
}

// Touch refreshes last-seen for an already-known device without changing
// its other fields; used for packet kinds that imply liveness (e.g.
// status packets) without carrying full keepalive metadata.
func (r *Registry) Touch(deviceNumber byte) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceNumber]; ok {
		d.LastSeen = now
	}
}

// Get returns a copy of the device entry, if known.
func (r *Registry) Get(deviceNumber byte) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceNumber]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Snapshot returns a copy of every currently-known device.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// DeviceCount implements the metrics.DeviceCounter interface.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// sweep evicts devices whose last-seen timestamp exceeds livenessTimeout,
// emitting OnDeviceLost for each. It is run periodically by Run.
func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	var lost []byte
	for num, d := range r.devices {
		if now.Sub(d.LastSeen) > livenessTimeout {
			delete(r.devices, num)
			lost = append(lost, num)
		}
	}
	r.mu.Unlock()

	for _, num := range lost {
		r.logger.Info("device lost", "device_number", num)
		if r.lost != nil {
			r.lost.OnDeviceLost(num)
		}
	}
}

// Run drives the periodic liveness sweep until ctx is canceled. It is
// the registry's single background goroutine; callers start it once at
// startup alongside the link core.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}
