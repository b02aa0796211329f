package midi

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/portmididrv"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// driverSink adapts a gomidi drivers.Out to the Sink interface.
type driverSink struct {
	out drivers.Out
}

func (d *driverSink) Send(bytes []byte) error { return d.out.Send(bytes) }
func (d *driverSink) Close() error            { return d.out.Close() }

// OpenRtMidi opens portName on the native CoreMIDI/ALSA backend via
// rtmididrv. An empty portName opens the first available output.
func OpenRtMidi(portName string) (Sink, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("open rtmidi driver: %w", err)
	}
	return openOutPort(drv, portName)
}

// OpenPortMidi opens portName via the cross-platform PortMidi backend,
// useful on hosts where rtmidi isn't packaged.
func OpenPortMidi(portName string) (Sink, error) {
	drv, err := portmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("open portmidi driver: %w", err)
	}
	return openOutPort(drv, portName)
}

func openOutPort(drv drivers.Driver, portName string) (Sink, error) {
	var out drivers.Out
	var err error
	if portName == "" {
		out, err = midi.OutPort(0)
	} else {
		out, err = midi.FindOutPort(portName)
	}
	if err != nil {
		return nil, fmt.Errorf("find midi out port %q: %w", portName, err)
	}
	if err := out.Open(); err != nil {
		return nil, fmt.Errorf("open midi out port %q: %w", portName, err)
	}
	return &driverSink{out: out}, nil
}
