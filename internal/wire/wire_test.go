package wire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func drawMac(t *rapid.T) [6]byte {
	var m [6]byte
	for i := range m {
		m[i] = uint8(rapid.IntRange(0, 255).Draw(t, "mac_byte"))
	}
	return m
}

func drawIP(t *rapid.T) [4]byte {
	var ip [4]byte
	for i := range ip {
		ip[i] = uint8(rapid.IntRange(0, 255).Draw(t, "ip_byte"))
	}
	return ip
}

func drawName(t *rapid.T) string {
	return rapid.StringMatching(`[A-Za-z0-9 \-]{0,20}`).Draw(t, "name")
}

// TestRoundTrip_AllKinds checks decode(encode(decode(p))) == decode(p) for
// every recognized packet kind, per the core round-trip invariant.
func TestRoundTrip_AllKinds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := Port(rapid.SampledFrom([]int{int(PortDiscovery), int(PortBeat), int(PortStatus)}).Draw(t, "port"))

		var original Packet
		switch port {
		case PortDiscovery:
			kind := rapid.IntRange(0, 2).Draw(t, "discovery_kind")
			switch kind {
			case 0:
				original = IDRequest{
					Name:                  drawName(t),
					RequestedDeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "requested")),
					Mac:                   drawMac(t),
				}
			case 1:
				original = IDResponse{
					Name:                 drawName(t),
					AssignedDeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "assigned")),
					Mac:                  drawMac(t),
				}
			default:
				original = Keepalive{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 33).Draw(t, "devnum")),
					Mac:          drawMac(t),
					IP:           drawIP(t),
					Kind:         Kind(rapid.IntRange(0, 3).Draw(t, "kind")),
				}
			}
		case PortBeat:
			kind := rapid.IntRange(0, 3).Draw(t, "beat_kind")
			switch kind {
			case 0:
				var offsets [7]uint16
				for i := range offsets {
					offsets[i] = uint16(rapid.IntRange(0, 65535).Draw(t, "offset"))
				}
				original = Beat{
					Name:              drawName(t),
					DeviceNumber:      uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					BpmCenti:          uint16(rapid.IntRange(0, 65535).Draw(t, "bpm")),
					BeatInBar:         uint8(rapid.IntRange(1, 4).Draw(t, "beatinbar")),
					Pitch:             uint32(rapid.IntRange(0, int(^uint32(0))).Draw(t, "pitch")),
					NextBeatOffsetsMs: offsets,
				}
			case 1:
				original = MixerStatus{
					Name:           drawName(t),
					DeviceNumber:   uint8(rapid.IntRange(0, 33).Draw(t, "devnum")),
					Master:         rapid.Bool().Draw(t, "master"),
					HandoffControl: uint8(rapid.IntRange(0, 255).Draw(t, "handoff")),
				}
			case 2:
				original = MasterClaim{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					Stage:        uint8(rapid.IntRange(1, 3).Draw(t, "stage")),
				}
			default:
				original = FaderStart{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 33).Draw(t, "devnum")),
					Start:        rapid.Bool().Draw(t, "start"),
				}
			}
		default: // PortStatus
			kind := rapid.IntRange(0, 3).Draw(t, "status_kind")
			switch kind {
			case 0:
				original = MasterYieldRequest{
					Name:               drawName(t),
					DeviceNumber:       uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					TargetDeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "target")),
				}
			case 1:
				original = MasterYieldResponse{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					Ack:          rapid.Bool().Draw(t, "ack"),
				}
			case 2:
				original = PlayerStatus{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					BpmCenti:     uint16(rapid.IntRange(0, 65535).Draw(t, "bpm")),
					Pitch:        uint32(rapid.IntRange(0, int(^uint32(0))).Draw(t, "pitch")),
					BeatInBar:    uint8(rapid.IntRange(1, 4).Draw(t, "beatinbar")),
					Playing:      rapid.Bool().Draw(t, "playing"),
					Cued:         rapid.Bool().Draw(t, "cued"),
					OnAir:        rapid.Bool().Draw(t, "onair"),
					Master:       rapid.Bool().Draw(t, "statusmaster"),
					Sync:         rapid.Bool().Draw(t, "sync"),
					Track: TrackRef{
						SourceDevice: uint8(rapid.IntRange(0, 4).Draw(t, "source")),
						Slot:         Slot(rapid.IntRange(0, 4).Draw(t, "slot")),
						TrackID:      uint32(rapid.IntRange(0, int(^uint32(0))).Draw(t, "trackid")),
					},
					PlayheadMs: uint32(rapid.IntRange(0, int(^uint32(0))).Draw(t, "playhead")),
				}
			default:
				original = LoadTrack{
					Name:         drawName(t),
					DeviceNumber: uint8(rapid.IntRange(0, 4).Draw(t, "devnum")),
					Source:       uint8(rapid.IntRange(0, 4).Draw(t, "source")),
					Slot:         Slot(rapid.IntRange(0, 4).Draw(t, "slot")),
					TrackID:      uint32(rapid.IntRange(0, int(^uint32(0))).Draw(t, "trackid")),
				}
			}
		}

		encoded := original.Encode()
		decoded, err := Decode(port, encoded)
		if err != nil {
			t.Fatalf("decode(encode(p)) failed: %v", err)
		}
		reencoded := decoded.Encode()
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("round trip mismatch:\n  original: % x\n  reencode: % x", encoded, reencoded)
		}

		decodedAgain, err := Decode(port, reencoded)
		if err != nil {
			t.Fatalf("decode(encode(decode(p))) failed: %v", err)
		}
		if decodedAgain != decoded {
			t.Fatalf("decode(encode(decode(p))) != decode(p):\n  got:  %#v\n  want: %#v", decodedAgain, decoded)
		}
	})
}

func TestDecode_BadMagicRejected(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xFF}, headerLen)
	_, err := Decode(PortDiscovery, garbage)
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecode_TruncatedRejected(t *testing.T) {
	short := append([]byte{}, Magic[:]...)
	_, err := Decode(PortDiscovery, short)
	if err == nil {
		t.Fatal("expected error for truncated packet")
	}
}

func TestDecode_UnknownTypeIsUnrecognized(t *testing.T) {
	p := Keepalive{Name: "test", DeviceNumber: 2}
	encoded := p.Encode()
	// Corrupt the type byte to something absent from the discovery table.
	encoded[10] = 0x77

	decoded, err := Decode(PortDiscovery, encoded)
	if err != nil {
		t.Fatalf("unexpected error for unknown type: %v", err)
	}
	if _, ok := decoded.(Unrecognized); !ok {
		t.Fatalf("expected Unrecognized, got %T", decoded)
	}
}

func TestBpmSentinelRoundTrips(t *testing.T) {
	p := Beat{Name: "CDJ", DeviceNumber: 1, BpmCenti: NoTempoSentinel, BeatInBar: 1}
	decoded, err := Decode(PortBeat, p.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	beat, ok := decoded.(Beat)
	if !ok {
		t.Fatalf("expected Beat, got %T", decoded)
	}
	if beat.BpmCenti != NoTempoSentinel {
		t.Fatalf("expected sentinel bpm to round-trip, got %d", beat.BpmCenti)
	}
}
