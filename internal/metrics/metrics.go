package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeviceCounter returns the number of devices currently tracked by the registry.
type DeviceCounter interface {
	DeviceCount() int
}

// MasterProvider exposes the current tempo-master device number, or 0 if none.
type MasterProvider interface {
	CurrentMaster() int
}

// ClockProvider exposes the Beat Clock's current effective BPM and staleness.
type ClockProvider interface {
	EffectiveBPMCenti() int
	Stale() bool
}

// MIDIStatsProvider returns aggregate MIDI clock generator statistics.
type MIDIStatsProvider interface {
	TicksEmitted() uint64
	Underruns() uint64
	Resyncs() uint64
	Running() bool
}

// SocketStatsProvider returns aggregate UDP socket statistics across the
// three ProDJ Link ports.
type SocketStatsProvider interface {
	PacketsReceived() uint64
	PacketsSent() uint64
	PacketsDropped() uint64
}

// Collector is a prometheus.Collector that gathers prolinkd metrics at scrape time.
type Collector struct {
	devices   DeviceCounter
	master    MasterProvider
	clock     ClockProvider
	midi      MIDIStatsProvider
	sockets   SocketStatsProvider
	startTime time.Time

	// Metric descriptors.
	devicesDesc       *prometheus.Desc
	masterDesc        *prometheus.Desc
	effectiveBPMDesc  *prometheus.Desc
	clockStaleDesc    *prometheus.Desc
	midiTicksDesc     *prometheus.Desc
	midiUnderrunsDesc *prometheus.Desc
	midiResyncsDesc   *prometheus.Desc
	midiRunningDesc   *prometheus.Desc
	socketRecvDesc    *prometheus.Desc
	socketSentDesc    *prometheus.Desc
	socketDroppedDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	devices DeviceCounter,
	master MasterProvider,
	clock ClockProvider,
	midi MIDIStatsProvider,
	sockets SocketStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		devices:   devices,
		master:    master,
		clock:     clock,
		midi:      midi,
		sockets:   sockets,
		startTime: startTime,

		devicesDesc: prometheus.NewDesc(
			"prolinkd_devices",
			"Number of ProDJ Link devices currently tracked by the registry",
			nil, nil,
		),
		masterDesc: prometheus.NewDesc(
			"prolinkd_master_device",
			"Device number currently flagged as tempo master (0 if none)",
			nil, nil,
		),
		effectiveBPMDesc: prometheus.NewDesc(
			"prolinkd_effective_bpm_centi",
			"Effective BPM of the selected clock source, in hundredths of a BPM",
			nil, nil,
		),
		clockStaleDesc: prometheus.NewDesc(
			"prolinkd_clock_stale",
			"Whether the selected BPM source is currently coasting (1) or live (0)",
			nil, nil,
		),
		midiTicksDesc: prometheus.NewDesc(
			"prolinkd_midi_ticks_total",
			"Total 24 PPQN MIDI clock ticks emitted",
			nil, nil,
		),
		midiUnderrunsDesc: prometheus.NewDesc(
			"prolinkd_midi_underruns_total",
			"Total MIDI clock ticks emitted later than scheduled by more than one tick interval",
			nil, nil,
		),
		midiResyncsDesc: prometheus.NewDesc(
			"prolinkd_midi_resyncs_total",
			"Total times the tick schedule was re-anchored outside the accepted jitter window",
			nil, nil,
		),
		midiRunningDesc: prometheus.NewDesc(
			"prolinkd_midi_running",
			"Whether the MIDI clock generator is currently started (1) or stopped (0)",
			nil, nil,
		),
		socketRecvDesc: prometheus.NewDesc(
			"prolinkd_socket_packets_received_total",
			"Total UDP packets received across all three ProDJ Link sockets",
			nil, nil,
		),
		socketSentDesc: prometheus.NewDesc(
			"prolinkd_socket_packets_sent_total",
			"Total UDP packets sent across all three ProDJ Link sockets",
			nil, nil,
		),
		socketDroppedDesc: prometheus.NewDesc(
			"prolinkd_socket_packets_dropped_total",
			"Total UDP packets dropped on send or read failure or a full inbound queue",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"prolinkd_uptime_seconds",
			"Seconds since the prolinkd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devicesDesc
	ch <- c.masterDesc
	ch <- c.effectiveBPMDesc
	ch <- c.clockStaleDesc
	ch <- c.midiTicksDesc
	ch <- c.midiUnderrunsDesc
	ch <- c.midiResyncsDesc
	ch <- c.midiRunningDesc
	ch <- c.socketRecvDesc
	ch <- c.socketSentDesc
	ch <- c.socketDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.devices != nil {
		ch <- prometheus.MustNewConstMetric(
			c.devicesDesc, prometheus.GaugeValue,
			float64(c.devices.DeviceCount()),
		)
	}

	if c.master != nil {
		ch <- prometheus.MustNewConstMetric(
			c.masterDesc, prometheus.GaugeValue,
			float64(c.master.CurrentMaster()),
		)
	}

	if c.clock != nil {
		ch <- prometheus.MustNewConstMetric(
			c.effectiveBPMDesc, prometheus.GaugeValue,
			float64(c.clock.EffectiveBPMCenti()),
		)
		stale := 0.0
		if c.clock.Stale() {
			stale = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.clockStaleDesc, prometheus.GaugeValue, stale,
		)
	}

	if c.midi != nil {
		ch <- prometheus.MustNewConstMetric(
			c.midiTicksDesc, prometheus.CounterValue,
			float64(c.midi.TicksEmitted()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.midiUnderrunsDesc, prometheus.CounterValue,
			float64(c.midi.Underruns()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.midiResyncsDesc, prometheus.CounterValue,
			float64(c.midi.Resyncs()),
		)
		running := 0.0
		if c.midi.Running() {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.midiRunningDesc, prometheus.GaugeValue, running,
		)
	}

	if c.sockets != nil {
		ch <- prometheus.MustNewConstMetric(
			c.socketRecvDesc, prometheus.CounterValue,
			float64(c.sockets.PacketsReceived()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.socketSentDesc, prometheus.CounterValue,
			float64(c.sockets.PacketsSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.socketDroppedDesc, prometheus.CounterValue,
			float64(c.sockets.PacketsDropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
