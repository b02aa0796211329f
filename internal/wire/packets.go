package wire

import (
	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
)

// PitchCenter is the wire value representing 0% pitch (unverified against
// hardware captures; see design notes).
const PitchCenter uint32 = 0x00100000

// NoTempoSentinel is the BPM wire value meaning "no tempo available";
// receivers must retain the previous bpm_centi when they see it.
const NoTempoSentinel uint16 = 0xFFFF

// IDRequest announces a desired device number during the startup
// handshake. Device number 0 means "not yet assigned".
type IDRequest struct {
	Name                string
	RequestedDeviceNumber byte
	Mac                 [6]byte
}

func (p IDRequest) TypeByte() byte { return TypeIDRequest }

func (p IDRequest) Encode() []byte {
	buf := encodeHeader(header{Type: TypeIDRequest, Name: p.Name, DeviceNumber: 0})
	buf = append(buf, p.RequestedDeviceNumber)
	buf = append(buf, p.Mac[:]...)
	return buf
}

func decodeIDRequest(h header, body []byte) (Packet, error) {
	if len(body) < 7 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	p := IDRequest{Name: h.Name, RequestedDeviceNumber: body[0]}
	copy(p.Mac[:], body[1:7])
	return p, nil
}

// IDResponse asserts the device number the sender has claimed.
type IDResponse struct {
	Name               string
	AssignedDeviceNumber byte
	Mac                [6]byte
}

func (p IDResponse) TypeByte() byte { return TypeIDResponse }

func (p IDResponse) Encode() []byte {
	buf := encodeHeader(header{Type: TypeIDResponse, Name: p.Name, DeviceNumber: p.AssignedDeviceNumber})
	buf = append(buf, p.Mac[:]...)
	return buf
}

func decodeIDResponse(h header, body []byte) (Packet, error) {
	if len(body) < 6 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	p := IDResponse{Name: h.Name, AssignedDeviceNumber: h.DeviceNumber}
	copy(p.Mac[:], body[0:6])
	return p, nil
}

// Keepalive asserts a device's continued presence, name, number, MAC and IP.
type Keepalive struct {
	Name         string
	DeviceNumber byte
	Mac          [6]byte
	IP           [4]byte
	Kind         Kind
}

func (p Keepalive) TypeByte() byte { return TypeKeepalive }

func (p Keepalive) Encode() []byte {
	buf := encodeHeader(header{Type: TypeKeepalive, Name: p.Name, DeviceNumber: p.DeviceNumber})
	buf = append(buf, p.Mac[:]...)
	buf = append(buf, p.IP[:]...)
	buf = append(buf, p.Kind.byte())
	return buf
}

func decodeKeepalive(h header, body []byte) (Packet, error) {
	if len(body) < 11 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	p := Keepalive{Name: h.Name, DeviceNumber: h.DeviceNumber}
	copy(p.Mac[:], body[0:6])
	copy(p.IP[:], body[6:10])
	p.Kind = decodeKind(body[10])
	return p, nil
}

// Beat carries BPM, beat position, pitch, and next-beat offsets.
type Beat struct {
	Name               string
	DeviceNumber       byte
	BpmCenti           uint16
	BeatInBar          byte
	Pitch              uint32
	NextBeatOffsetsMs  [7]uint16
}

func (p Beat) TypeByte() byte { return TypeBeat }

func (p Beat) Encode() []byte {
	buf := encodeHeader(header{Type: TypeBeat, Name: p.Name, DeviceNumber: p.DeviceNumber})
	tmp := make([]byte, 2)
	be.PutUint16(tmp, p.BpmCenti)
	buf = append(buf, tmp...)
	buf = append(buf, p.BeatInBar)
	tmp4 := make([]byte, 4)
	be.PutUint32(tmp4, p.Pitch)
	buf = append(buf, tmp4...)
	for _, off := range p.NextBeatOffsetsMs {
		tmp16 := make([]byte, 2)
		be.PutUint16(tmp16, off)
		buf = append(buf, tmp16...)
	}
	return buf
}

func decodeBeat(h header, body []byte) (Packet, error) {
	if len(body) < 21 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	p := Beat{
		Name:         h.Name,
		DeviceNumber: h.DeviceNumber,
		BpmCenti:     be.Uint16(body[0:2]),
		BeatInBar:    body[2],
		Pitch:        be.Uint32(body[3:7]),
	}
	for i := 0; i < 7; i++ {
		p.NextBeatOffsetsMs[i] = be.Uint16(body[7+i*2 : 9+i*2])
	}
	return p, nil
}

// MixerStatus carries the master flag and a handoff control byte.
type MixerStatus struct {
	Name            string
	DeviceNumber    byte
	Master          bool
	HandoffControl  byte
}

func (p MixerStatus) TypeByte() byte { return TypeMixerStatus }

func (p MixerStatus) Encode() []byte {
	buf := encodeHeader(header{Type: TypeMixerStatus, Name: p.Name, DeviceNumber: p.DeviceNumber})
	buf = append(buf, boolByte(p.Master), p.HandoffControl)
	return buf
}

func decodeMixerStatus(h header, body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return MixerStatus{
		Name:           h.Name,
		DeviceNumber:   h.DeviceNumber,
		Master:         body[0] != 0,
		HandoffControl: body[1],
	}, nil
}

// MasterClaim is one stage (3, 2, or 1) of the master-handoff broadcast dance.
type MasterClaim struct {
	Name         string
	DeviceNumber byte
	Stage        byte
}

func (p MasterClaim) TypeByte() byte { return TypeMasterClaim }

func (p MasterClaim) Encode() []byte {
	buf := encodeHeader(header{Type: TypeMasterClaim, Name: p.Name, DeviceNumber: p.DeviceNumber})
	return append(buf, p.Stage)
}

func decodeMasterClaim(h header, body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return MasterClaim{Name: h.Name, DeviceNumber: h.DeviceNumber, Stage: body[0]}, nil
}

// MasterYieldRequest asks the current master device to yield.
type MasterYieldRequest struct {
	Name               string
	DeviceNumber       byte
	TargetDeviceNumber byte
}

func (p MasterYieldRequest) TypeByte() byte { return TypeMasterYieldRequest }

func (p MasterYieldRequest) Encode() []byte {
	buf := encodeHeader(header{Type: TypeMasterYieldRequest, Name: p.Name, DeviceNumber: p.DeviceNumber})
	return append(buf, p.TargetDeviceNumber)
}

func decodeMasterYieldRequest(h header, body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return MasterYieldRequest{Name: h.Name, DeviceNumber: h.DeviceNumber, TargetDeviceNumber: body[0]}, nil
}

// MasterYieldResponse ACKs a yield request.
type MasterYieldResponse struct {
	Name         string
	DeviceNumber byte
	Ack          bool
}

func (p MasterYieldResponse) TypeByte() byte { return TypeMasterYieldResponse }

func (p MasterYieldResponse) Encode() []byte {
	buf := encodeHeader(header{Type: TypeMasterYieldResponse, Name: p.Name, DeviceNumber: p.DeviceNumber})
	return append(buf, boolByte(p.Ack))
}

func decodeMasterYieldResponse(h header, body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return MasterYieldResponse{Name: h.Name, DeviceNumber: h.DeviceNumber, Ack: body[0] != 0}, nil
}

// TrackRef identifies the track currently loaded from a source device's slot.
type TrackRef struct {
	SourceDevice byte
	Slot         Slot
	TrackID      uint32
}

// PlayerStatus is the full per-player status block.
type PlayerStatus struct {
	Name         string
	DeviceNumber byte
	BpmCenti     uint16
	Pitch        uint32
	BeatInBar    byte
	Playing      bool
	Cued         bool
	OnAir        bool
	Master       bool
	Sync         bool
	Track        TrackRef
	PlayheadMs   uint32
}

func (p PlayerStatus) TypeByte() byte { return TypePlayerStatus }

func (p PlayerStatus) Encode() []byte {
	buf := encodeHeader(header{Type: TypePlayerStatus, Name: p.Name, DeviceNumber: p.DeviceNumber})
	tmp2 := make([]byte, 2)
	be.PutUint16(tmp2, p.BpmCenti)
	buf = append(buf, tmp2...)
	tmp4 := make([]byte, 4)
	be.PutUint32(tmp4, p.Pitch)
	buf = append(buf, tmp4...)
	buf = append(buf, p.BeatInBar, statusFlags(p))
	buf = append(buf, p.Track.SourceDevice, p.Track.Slot.byte())
	be.PutUint32(tmp4, p.Track.TrackID)
	buf = append(buf, tmp4...)
	be.PutUint32(tmp4, p.PlayheadMs)
	buf = append(buf, tmp4...)
	return buf
}

func statusFlags(p PlayerStatus) byte {
	var f byte
	if p.Playing {
		f |= 1 << 0
	}
	if p.Cued {
		f |= 1 << 1
	}
	if p.OnAir {
		f |= 1 << 2
	}
	if p.Master {
		f |= 1 << 3
	}
	if p.Sync {
		f |= 1 << 4
	}
	return f
}

func decodePlayerStatus(h header, body []byte) (Packet, error) {
	if len(body) < 18 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	flags := body[7]
	return PlayerStatus{
		Name:         h.Name,
		DeviceNumber: h.DeviceNumber,
		BpmCenti:     be.Uint16(body[0:2]),
		Pitch:        be.Uint32(body[2:6]),
		BeatInBar:    body[6],
		Playing:      flags&(1<<0) != 0,
		Cued:         flags&(1<<1) != 0,
		OnAir:        flags&(1<<2) != 0,
		Master:       flags&(1<<3) != 0,
		Sync:         flags&(1<<4) != 0,
		Track: TrackRef{
			SourceDevice: body[8],
			Slot:         decodeSlot(body[9]),
			TrackID:      be.Uint32(body[10:14]),
		},
		PlayheadMs: be.Uint32(body[14:18]),
	}, nil
}

// LoadTrack requests a remote player load a track from another device's slot.
type LoadTrack struct {
	Name         string
	DeviceNumber byte // target device
	Source       byte
	Slot         Slot
	TrackID      uint32
}

func (p LoadTrack) TypeByte() byte { return TypeLoadTrack }

func (p LoadTrack) Encode() []byte {
	buf := encodeHeader(header{Type: TypeLoadTrack, Name: p.Name, DeviceNumber: p.DeviceNumber})
	buf = append(buf, p.Source, p.Slot.byte())
	tmp4 := make([]byte, 4)
	be.PutUint32(tmp4, p.TrackID)
	buf = append(buf, tmp4...)
	return buf
}

func decodeLoadTrack(h header, body []byte) (Packet, error) {
	if len(body) < 6 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return LoadTrack{
		Name:         h.Name,
		DeviceNumber: h.DeviceNumber,
		Source:       body[0],
		Slot:         decodeSlot(body[1]),
		TrackID:      be.Uint32(body[2:6]),
	}, nil
}

// FaderStart triggers play/cue on a player via the mixer crossfader path.
type FaderStart struct {
	Name         string
	DeviceNumber byte
	Start        bool
}

func (p FaderStart) TypeByte() byte { return TypeFaderStart }

func (p FaderStart) Encode() []byte {
	buf := encodeHeader(header{Type: TypeFaderStart, Name: p.Name, DeviceNumber: p.DeviceNumber})
	return append(buf, boolByte(p.Start))
}

func decodeFaderStart(h header, body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, &prolinkerr.DecodeError{Sentinel: prolinkerr.ErrTruncated, Type: h.Type, Len: len(body)}
	}
	return FaderStart{Name: h.Name, DeviceNumber: h.DeviceNumber, Start: body[0] != 0}, nil
}

// Unrecognized is the catch-all for any type byte not in the dispatch
// table; callers forward it to a debug sink without treating it as fatal.
type Unrecognized struct {
	Type    byte
	Payload []byte
}

func (p Unrecognized) TypeByte() byte { return p.Type }

func (p Unrecognized) Encode() []byte {
	buf := encodeHeader(header{Type: p.Type})
	return append(buf, p.Payload...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
