package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
	"github.com/prolinkcore/prolink-core/internal/registry"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeDevices struct {
	devices map[byte]registry.Device
}

func (f *fakeDevices) Get(deviceNumber byte) (registry.Device, bool) {
	d, ok := f.devices[deviceNumber]
	return d, ok
}

type recordingSender struct {
	sent map[byte][]byte
}

func (r *recordingSender) SendUnicastTo(deviceNumber byte, data []byte) error {
	if r.sent == nil {
		r.sent = make(map[byte][]byte)
	}
	r.sent[deviceNumber] = data
	return nil
}

func TestLoadTrackRequiresMixerPresent(t *testing.T) {
	devices := &fakeDevices{devices: map[byte]registry.Device{
		1: {DeviceNumber: 1, Kind: wire.KindCDJ},
	}}
	sender := &recordingSender{}
	cmds := NewCommands(devices, sender, NewBus(discardLogger()), "prolinkd", 5, discardLogger())

	err := cmds.LoadTrack(context.Background(), 1, 2, wire.SlotUSB, 42)
	if !errors.Is(err, prolinkerr.ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet without a mixer, got %v", err)
	}
}

func TestLoadTrackSucceedsWithMixerPresent(t *testing.T) {
	devices := &fakeDevices{devices: map[byte]registry.Device{
		1: {DeviceNumber: 1, Kind: wire.KindCDJ},
		2: {DeviceNumber: 2, Kind: wire.KindMixer},
	}}
	sender := &recordingSender{}
	cmds := NewCommands(devices, sender, NewBus(discardLogger()), "prolinkd", 5, discardLogger())

	if err := cmds.LoadTrack(context.Background(), 1, 3, wire.SlotUSB, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sender.sent[1]; !ok {
		t.Fatal("expected a unicast send to device 1")
	}
}

func TestFaderStartRateLimited(t *testing.T) {
	devices := &fakeDevices{devices: map[byte]registry.Device{
		2: {DeviceNumber: 2, Kind: wire.KindMixer},
	}}
	sender := &recordingSender{}
	cmds := NewCommands(devices, sender, NewBus(discardLogger()), "prolinkd", 5, discardLogger())

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cmds.FaderStart(context.Background(), 1, true)
	}
	if !errors.Is(lastErr, prolinkerr.ErrPreconditionNotMet) {
		t.Fatalf("expected rate limit to eventually trip, got %v", lastErr)
	}
}
