package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
	"github.com/prolinkcore/prolink-core/internal/registry"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

// DeviceLookup is the narrow registry read surface commands need to
// validate a mixer is present before a command touches the wire.
type DeviceLookup interface {
	Get(deviceNumber byte) (registry.Device, bool)
}

// Sender is the narrow send surface commands use to unicast to a
// specific device's last-known address.
type Sender interface {
	SendUnicastTo(deviceNumber byte, data []byte) error
}

// commandRateLimit mirrors the debug HTTP surface's stricter command
// limiter: 5/s with a burst of 2 per target device, so a misbehaving UI
// can't flood a player with unicast commands.
const (
	commandRate  = rate.Limit(5)
	commandBurst = 2
)

// Commands issues load_track and fader_start wire commands on behalf of
// the HTTP debug surface, rate limiting per target device and requiring
// a mixer be present in the registry (fader-start is meaningless without
// one, and load-track's handoff semantics assume a mixer exists on the
// network).
type Commands struct {
	devices DeviceLookup
	sender  Sender
	bus     *Bus
	logger  *slog.Logger

	localName         string
	localDeviceNumber byte

	limiters map[byte]*rate.Limiter
}

// NewCommands constructs a Commands issuer.
func NewCommands(devices DeviceLookup, sender Sender, bus *Bus, localName string, localDeviceNumber byte, logger *slog.Logger) *Commands {
	return &Commands{
		devices:           devices,
		sender:            sender,
		bus:               bus,
		localName:         localName,
		localDeviceNumber: localDeviceNumber,
		logger:            logger.With("subsystem", "commands"),
		limiters:          make(map[byte]*rate.Limiter),
	}
}

func (c *Commands) limiterFor(target byte) *rate.Limiter {
	l, ok := c.limiters[target]
	if !ok {
		l = rate.NewLimiter(commandRate, commandBurst)
		c.limiters[target] = l
	}
	return l
}

func (c *Commands) requireMixer() error {
	for dev := 1; dev <= 0xFF; dev++ {
		if d, ok := c.devices.Get(byte(dev)); ok && d.Kind == wire.KindMixer {
			return nil
		}
	}
	return fmt.Errorf("no mixer present on the network: %w", prolinkerr.ErrPreconditionNotMet)
}

// LoadTrack issues a load_track command to targetDevice, pointing it at
// a track from sourceDevice's media slot.
func (c *Commands) LoadTrack(ctx context.Context, targetDevice, sourceDevice byte, slot wire.Slot, trackID uint32) error {
	if err := c.requireMixer(); err != nil {
		return err
	}
	if !c.limiterFor(targetDevice).Allow() {
		return fmt.Errorf("command rate limit exceeded for device %s: %w", strconv.Itoa(int(targetDevice)), prolinkerr.ErrPreconditionNotMet)
	}

	pkt := wire.LoadTrack{
		Name:         c.localName,
		DeviceNumber: c.localDeviceNumber,
		Source:       sourceDevice,
		Slot:         slot,
		TrackID:      trackID,
	}
	if err := c.sender.SendUnicastTo(targetDevice, pkt.Encode()); err != nil {
		return fmt.Errorf("send load_track to device %d: %w", targetDevice, err)
	}
	return nil
}

// FaderStart issues a fader_start (or stop) command to targetDevice.
func (c *Commands) FaderStart(ctx context.Context, targetDevice byte, start bool) error {
	if err := c.requireMixer(); err != nil {
		return err
	}
	if !c.limiterFor(targetDevice).Allow() {
		return fmt.Errorf("command rate limit exceeded for device %s: %w", strconv.Itoa(int(targetDevice)), prolinkerr.ErrPreconditionNotMet)
	}

	pkt := wire.FaderStart{
		Name:         c.localName,
		DeviceNumber: c.localDeviceNumber,
		Start:        start,
	}
	if err := c.sender.SendUnicastTo(targetDevice, pkt.Encode()); err != nil {
		return fmt.Errorf("send fader_start to device %d: %w", targetDevice, err)
	}
	return nil
}
