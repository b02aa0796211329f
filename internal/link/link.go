// Package link wires every other internal package into the single
// "link core" goroutine: three independent socket-reader goroutines feed
// one dispatch loop that owns all mutable protocol state (registry,
// tracker, negotiator, beat clock), exactly as the concurrency design
// requires. This mirrors a constructor-wired composition root pattern,
// generalized from a SIP stack's constructor-wired handlers to a UDP
// peer's constructor-wired domain components.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prolinkcore/prolink-core/internal/beatclock"
	"github.com/prolinkcore/prolink-core/internal/clockwork"
	"github.com/prolinkcore/prolink-core/internal/config"
	"github.com/prolinkcore/prolink-core/internal/events"
	"github.com/prolinkcore/prolink-core/internal/metrics"
	"github.com/prolinkcore/prolink-core/internal/midi"
	"github.com/prolinkcore/prolink-core/internal/negotiator"
	"github.com/prolinkcore/prolink-core/internal/netio"
	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
	"github.com/prolinkcore/prolink-core/internal/registry"
	"github.com/prolinkcore/prolink-core/internal/tracker"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

const (
	localName        = "prolinkd"
	inboundQueueSize = 256
	clockTickPeriod  = 50 * time.Millisecond
)

// Core owns every component of a running ProDJ Link peer: the three UDP
// sockets, the device registry, player tracker, master negotiator, beat
// clock, MIDI generator, and event bus. Its dispatch loop is the single
// writer for all of those components' mutable state.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	sockets map[wire.Port]*netio.Socket
	iface   *net.Interface

	registry   *registry.Registry
	tracker    *tracker.Tracker
	negotiator *negotiator.Negotiator
	clockSrc   *beatclock.BeatClock
	midiGen    *midi.Generator
	bus        *events.Bus
	claimant   *registry.Claimant
	commands   *events.Commands

	localDeviceNumber byte
	mac               [6]byte

	inbound       chan netio.Inbound
	yieldResponse chan wire.MasterYieldResponse

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Core bound to cfg.Iface with every component wired,
// but performs no network I/O yet; call Run to start it.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	iface, err := net.InterfaceByName(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("resolve interface %q: %w", cfg.Iface, err)
	}

	c := &Core{
		cfg:           cfg,
		logger:        logger.With("subsystem", "link"),
		clock:         clockwork.Real(),
		iface:         iface,
		sockets:       make(map[wire.Port]*netio.Socket),
		inbound:       make(chan netio.Inbound, inboundQueueSize),
		yieldResponse: make(chan wire.MasterYieldResponse, 1),
		mac:           deriveMac(iface),
	}

	for port, broadcastEnabled := range map[wire.Port]bool{
		wire.PortDiscovery: true,
		wire.PortBeat:      true,
		wire.PortStatus:    false,
	} {
		sock, err := netio.Bind(iface, port, broadcastEnabled, logger)
		if err != nil {
			c.closeSockets()
			return nil, fmt.Errorf("bind port %d: %w", port, err)
		}
		c.sockets[port] = sock
	}

	c.registry = registry.New(c, c, c.clock, logger)
	c.tracker = tracker.New(c, c, c.clock, logger)
	c.negotiator = negotiator.New(byte(cfg.DeviceNumber), localName, c.clock, c, logger)
	c.clockSrc = beatclock.New(c.tracker, c.negotiator, c.clock, logger)
	c.bus = events.NewBus(logger)
	c.claimant = registry.NewClaimant(localName, c.mac, c.sockets[wire.PortDiscovery], c.clock, logger)
	c.commands = events.NewCommands(c.registry, &deviceSender{registry: c.registry, socket: c.sockets[wire.PortStatus]}, c.bus, localName, c.localDeviceNumber, logger)

	sink, err := midi.OpenRtMidi(cfg.MIDIPort)
	if err != nil {
		logger.Warn("midi output unavailable, running without a clock generator", "error", err)
	} else {
		c.midiGen = midi.NewGenerator(sink, c.clockSrc, logger)
	}

	return c, nil
}

func deriveMac(iface *net.Interface) [6]byte {
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)
	return mac
}

func (c *Core) closeSockets() {
	for _, s := range c.sockets {
		s.Close()
	}
}

// Registry returns the device registry, for the HTTP debug surface.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Tracker returns the player state tracker, for the HTTP debug surface.
func (c *Core) Tracker() *tracker.Tracker { return c.tracker }

// Negotiator returns the master negotiator, for the HTTP debug surface.
func (c *Core) Negotiator() *negotiator.Negotiator { return c.negotiator }

// BeatClock returns the beat clock, for the HTTP debug surface.
func (c *Core) BeatClock() *beatclock.BeatClock { return c.clockSrc }

// Bus returns the event bus subscribers read from.
func (c *Core) Bus() *events.Bus { return c.bus }

// Commands returns the command issuer the HTTP debug surface invokes.
func (c *Core) Commands() *events.Commands { return c.commands }

// LocalDeviceNumber returns the device number claimed at startup.
func (c *Core) LocalDeviceNumber() byte { return c.localDeviceNumber }

// MetricsCollector builds a Prometheus collector wired to this Core's
// live components.
func (c *Core) MetricsCollector(startTime time.Time) *metrics.Collector {
	return metrics.NewCollector(c.registry, c.negotiator, c.clockSrc, c.midiStatsOrNil(), aggregateSockets(c.sockets), startTime)
}

func (c *Core) midiStatsOrNil() metrics.MIDIStatsProvider {
	if c.midiGen == nil {
		return nil
	}
	return c.midiGen
}

// Run starts every background goroutine (socket readers, registry sweep,
// MIDI generator, dispatch loop), then claims a device number while the
// dispatch loop forwards ID responses to the claimant, and blocks until
// ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, sock := range c.sockets {
		c.wg.Add(1)
		go func(s *netio.Socket) {
			defer c.wg.Done()
			s.Run(ctx, c.inbound)
		}(sock)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registry.Run(ctx)
	}()

	if c.midiGen != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.midiGen.Run(ctx)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.clockTickLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(ctx)
	}()

	preferred := byte(c.cfg.DeviceNumber)
	deviceNumber, err := c.claimant.Claim(ctx, preferred)
	if err != nil {
		c.cancel()
		return fmt.Errorf("claim device number: %w", err)
	}
	c.localDeviceNumber = deviceNumber
	c.logger.Info("device number claimed", "device_number", deviceNumber)

	<-ctx.Done()
	c.shutdown()
	return nil
}

// Stop cancels the run context and waits for every goroutine to exit.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.closeSockets()
}

func (c *Core) shutdown() {
	sender := &deviceSender{registry: c.registry, socket: c.sockets[wire.PortStatus]}
	c.negotiator.Shutdown(sender)
}

func (c *Core) clockTickLoop(ctx context.Context) {
	ticker := time.NewTicker(clockTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.clockSrc.Tick(c.clock.Now())
		}
	}
}

// dispatchLoop is the single owner of every mutable component's state:
// it decodes each inbound datagram and routes it to the registry,
// tracker, negotiator, and beat clock with no locking between them.
func (c *Core) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.inbound:
			c.handleInbound(in)
		}
	}
}

func (c *Core) handleInbound(in netio.Inbound) {
	pkt, err := wire.Decode(in.Port, in.Data)
	if err != nil {
		c.logger.Debug("dropping undecodable packet", "port", int(in.Port), "remote", in.Addr, "error", err)
		return
	}
	now := c.clock.Now()

	switch p := pkt.(type) {
	case wire.IDRequest:
		// Another peer is probing for a device number collision; we
		// have nothing useful to reply with beyond our own presence,
		// already advertised via keepalive.
	case wire.IDResponse:
		c.claimant.Observe(p.AssignedDeviceNumber)
	case wire.Keepalive:
		c.registry.Upsert(p.DeviceNumber, p.Kind, p.Name, p.Mac, net.IP(p.IP[:]))
	case wire.Beat:
		c.registry.Touch(p.DeviceNumber)
		c.tracker.ApplyBeat(p)
		c.clockSrc.OnBeat(p.DeviceNumber, now)
		c.bus.Publish(events.Event{Kind: events.KindBeat, DeviceNumber: p.DeviceNumber})
	case wire.MixerStatus:
		c.registry.Touch(p.DeviceNumber)
		c.negotiator.ObserveMasterFlag(p.DeviceNumber, p.Master)
	case wire.MasterClaim:
		// Informational: we don't contest another peer's claim once
		// we've already settled on our own device number.
	case wire.PlayerStatus:
		c.registry.Touch(p.DeviceNumber)
		c.tracker.ApplyStatus(p)
		c.negotiator.ObserveMasterFlag(p.DeviceNumber, p.Master)
		c.clockSrc.OnStatus(p.DeviceNumber, now)
		c.bus.Publish(events.Event{Kind: events.KindPlayerUpdate, DeviceNumber: p.DeviceNumber})
	case wire.MasterYieldRequest:
		resp := c.negotiator.OnYieldRequest(p.DeviceNumber)
		sender := &deviceSender{registry: c.registry, socket: c.sockets[wire.PortStatus]}
		if err := sender.SendUnicastTo(p.DeviceNumber, resp.Encode()); err != nil {
			c.logger.Warn("failed to send yield response", "to", p.DeviceNumber, "error", err)
		}
		c.negotiator.CompleteYield()
	case wire.MasterYieldResponse:
		select {
		case c.yieldResponse <- p:
		default:
		}
	case wire.LoadTrack, wire.FaderStart, wire.Unrecognized:
		// Commands we issue ourselves or traffic we don't act on.
	}
}

// RequestMaster runs the claim sequence to take over as tempo master.
func (c *Core) RequestMaster(ctx context.Context) error {
	b := c.sockets[wire.PortBeat]
	u := &deviceSender{registry: c.registry, socket: c.sockets[wire.PortStatus]}
	return c.negotiator.RequestMaster(ctx, b, u, c.yieldResponse)
}

// --- observer plumbing: Core is the single sink for every component's
// notifications, translating them into published events.

func (c *Core) OnDeviceConflict(deviceNumber byte, existing, incoming [6]byte) {
	c.logger.Warn("device number conflict", "device_number", deviceNumber, "existing_mac", existing, "incoming_mac", incoming)
}

func (c *Core) OnDeviceLost(deviceNumber byte) {
	c.bus.Publish(events.Event{Kind: events.KindDeviceLost, DeviceNumber: deviceNumber})
}

func (c *Core) OnTrackLoaded(deviceNumber byte, track tracker.TrackRef) {
	c.bus.Publish(events.Event{Kind: events.KindPlayerUpdate, DeviceNumber: deviceNumber, Data: track})
}

func (c *Core) OnPlay(deviceNumber byte) {}
func (c *Core) OnCue(deviceNumber byte)  {}
func (c *Core) OnStop(deviceNumber byte) {}

func (c *Core) OnMasterChanged(previous, current byte) {
	c.bus.Publish(events.Event{Kind: events.KindMasterChanged, DeviceNumber: current})
}

// deviceSender resolves a device number to its last-known address via
// the registry and sends on the given socket.
type deviceSender struct {
	registry *registry.Registry
	socket   *netio.Socket
}

func (d *deviceSender) SendUnicastTo(deviceNumber byte, data []byte) error {
	dev, ok := d.registry.Get(deviceNumber)
	if !ok {
		return fmt.Errorf("device %d not present in registry: %w", deviceNumber, prolinkerr.ErrPreconditionNotMet)
	}
	d.socket.SendUnicast(data, &net.UDPAddr{IP: dev.IP, Port: int(d.socket.Port())})
	return nil
}

// aggregateSockets combines per-socket counters into one
// metrics.SocketStatsProvider summing across all three ports.
type aggregatedSockets struct {
	sockets map[wire.Port]*netio.Socket
}

func aggregateSockets(sockets map[wire.Port]*netio.Socket) metrics.SocketStatsProvider {
	return &aggregatedSockets{sockets: sockets}
}

func (a *aggregatedSockets) PacketsReceived() uint64 {
	var total uint64
	for _, s := range a.sockets {
		total += s.PacketsReceived()
	}
	return total
}

func (a *aggregatedSockets) PacketsSent() uint64 {
	var total uint64
	for _, s := range a.sockets {
		total += s.PacketsSent()
	}
	return total
}

func (a *aggregatedSockets) PacketsDropped() uint64 {
	var total uint64
	for _, s := range a.sockets {
		total += s.PacketsDropped()
	}
	return total
}
