package wire

type decodeFunc func(h header, body []byte) (Packet, error)

// dispatch tables are keyed by (Port, type byte) since the type byte
// namespace is scoped per source port rather than global.
var dispatch = map[Port]*[256]decodeFunc{
	PortDiscovery: newTable(map[byte]decodeFunc{
		TypeIDRequest:  decodeIDRequest,
		TypeIDResponse: decodeIDResponse,
		TypeKeepalive:  decodeKeepalive,
	}),
	PortBeat: newTable(map[byte]decodeFunc{
		TypeBeat:        decodeBeat,
		TypeMixerStatus: decodeMixerStatus,
		TypeMasterClaim: decodeMasterClaim,
		TypeFaderStart:  decodeFaderStart,
	}),
	PortStatus: newTable(map[byte]decodeFunc{
		TypeMasterYieldRequest:  decodeMasterYieldRequest,
		TypeMasterYieldResponse: decodeMasterYieldResponse,
		TypePlayerStatus:        decodePlayerStatus,
		TypeLoadTrack:           decodeLoadTrack,
	}),
}

func newTable(m map[byte]decodeFunc) *[256]decodeFunc {
	var t [256]decodeFunc
	for typ, fn := range m {
		t[typ] = fn
	}
	return &t
}

// Decode parses a raw UDP payload received on the given port. A packet
// whose magic does not match or whose body is too short returns a
// *prolinkerr.DecodeError. A recognized magic with a type byte absent
// from the port's table decodes as Unrecognized, never an error.
func Decode(port Port, data []byte) (Packet, error) {
	h, body, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	table, ok := dispatch[port]
	if !ok {
		return Unrecognized{Type: h.Type, Payload: body}, nil
	}
	fn := table[h.Type]
	if fn == nil {
		return Unrecognized{Type: h.Type, Payload: body}, nil
	}

	pkt, err := fn(h, body)
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

// Encode returns the byte-stable wire representation of p. It is a thin
// wrapper over Packet.Encode kept for symmetry with Decode.
func Encode(p Packet) []byte {
	return p.Encode()
}
