// Package wire implements the bit-exact encoders and decoders for the
// ProDJ Link packet kinds the core peer needs to send and recognize.
// Every packet is represented by a concrete Go type implementing Packet;
// there is no dynamic dispatch on field names, only a type-byte-keyed
// table built once at package init.
package wire

import (
	"encoding/binary"

	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
)

// Magic is the 10-byte header ("Qspt1WmJOL") that prefixes every
// ProDJ Link packet.
var Magic = [10]byte{0x51, 0x73, 0x70, 0x74, 0x31, 0x57, 0x6d, 0x4a, 0x4f, 0x4c}

const (
	nameLen   = 20
	headerLen = len(Magic) + 1 + nameLen + 1 // magic + type + name + device number
)

// Type bytes, namespaced per source port: the same byte means different
// things depending on which of the three sockets it arrived on, mirroring
// the real protocol's port-scoped type namespace.
const (
	TypeIDRequest  byte = 0x00
	TypeIDResponse byte = 0x02 // port 50000
	TypeKeepalive  byte = 0x06 // port 50000

	TypeBeat        byte = 0x0A // port 50001
	TypeMixerStatus byte = 0x10 // port 50001
	TypeMasterClaim byte = 0x26 // port 50001
	TypeFaderStart  byte = 0x02 // port 50001

	TypeMasterYieldRequest  byte = 0x29 // port 50002
	TypeMasterYieldResponse byte = 0x2A // port 50002
	TypePlayerStatus        byte = 0x05 // port 50002
	TypeLoadTrack           byte = 0x19 // port 50002
)

// Port identifies which of the three ProDJ Link sockets a packet was
// read from or is destined for; decode dispatch is keyed by (Port, type).
type Port int

const (
	PortDiscovery Port = 50000
	PortBeat      Port = 50001
	PortStatus    Port = 50002
)

// Kind is the decoded device kind from a keepalive's kind byte.
type Kind byte

const (
	KindUnknown   Kind = 0
	KindCDJ       Kind = 1
	KindMixer     Kind = 2
	KindRekordbox Kind = 3
)

func decodeKind(b byte) Kind {
	switch b {
	case 0x01:
		return KindCDJ
	case 0x02:
		return KindMixer
	case 0x03:
		return KindRekordbox
	default:
		return KindUnknown
	}
}

func (k Kind) byte() byte {
	switch k {
	case KindCDJ:
		return 0x01
	case KindMixer:
		return 0x02
	case KindRekordbox:
		return 0x03
	default:
		return 0x00
	}
}

// Slot identifies the media slot a track reference lives in.
type Slot byte

const (
	SlotUnknown           Slot = 0
	SlotSD                Slot = 1
	SlotUSB               Slot = 2
	SlotCD                Slot = 3
	SlotRekordboxCollection Slot = 4
)

func decodeSlot(b byte) Slot {
	switch b {
	case 0x01:
		return SlotSD
	case 0x02:
		return SlotUSB
	case 0x03:
		return SlotCD
	case 0x04:
		return SlotRekordboxCollection
	default:
		return SlotUnknown
	}
}

func (s Slot) byte() byte {
	switch s {
	case SlotSD:
		return 0x01
	case SlotUSB:
		return 0x02
	case SlotCD:
		return 0x03
	case SlotRekordboxCollection:
		return 0x04
	default:
		return 0x00
	}
}

// Packet is implemented by every recognized (and the catch-all
// Unrecognized) ProDJ Link packet kind.
type Packet interface {
	// TypeByte returns the wire type byte for this packet kind.
	TypeByte() byte
	// Encode returns the byte-stable wire representation, including the
	// common header.
	Encode() []byte
}

// header carries the fields common to every packet: type, short name,
// and device number, at fixed offsets immediately following Magic.
type header struct {
	Type         byte
	Name         string
	DeviceNumber byte
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:10], Magic[:])
	buf[10] = h.Type
	nameBytes := []byte(h.Name)
	if len(nameBytes) > nameLen {
		nameBytes = nameBytes[:nameLen]
	}
	copy(buf[11:11+nameLen], nameBytes)
	buf[11+nameLen] = h.DeviceNumber
	return buf
}

func decodeHeader(data []byte) (header, []byte, error) {
	if len(data) < headerLen {
		return header{}, nil, &prolinkerr.DecodeError{
			Sentinel: prolinkerr.ErrTruncated,
			Len:      len(data),
		}
	}
	for i, b := range Magic {
		if data[i] != b {
			return header{}, nil, &prolinkerr.DecodeError{
				Sentinel: prolinkerr.ErrBadMagic,
				Len:      len(data),
			}
		}
	}
	h := header{
		Type:         data[10],
		Name:         trimName(data[11 : 11+nameLen]),
		DeviceNumber: data[11+nameLen],
	}
	return h, data[headerLen:], nil
}

func trimName(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

var be = binary.BigEndian
