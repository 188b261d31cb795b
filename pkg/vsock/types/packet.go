package types

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// PacketType identifies a control-datagram variant. Values and wire
// layout match spec.md §6 exactly; do not renumber, a peer decodes
// these as raw bytes.
type PacketType uint8

const (
	TypeInvalid PacketType = iota
	TypeRequest
	TypeNegotiate
	TypeOffer
	TypeAttach
	TypeWrote
	TypeRead
	TypeRST
	TypeShutdown
	TypeWaitingWrite
	TypeWaitingRead
	TypeRequest2
	TypeNegotiate2

	// maxType bounds the known type range; the dispatcher replies
	// INVALID to anything at or beyond it.
	maxType
)

// MaxType is exported so the dispatcher in another package can bound
// its switch without importing an unexported constant.
const MaxType = maxType

// Version is the only control-packet version currently emitted.
const Version uint8 = 1

// Shutdown mode bits, OR'd into SHUTDOWN's payload and into
// Socket.peer_shutdown / Socket's own shutdown mask.
const (
	ShutdownRCV  uint64 = 1
	ShutdownSEND uint64 = 2
)

// StrategyBit is a single bit of the proto negotiation bitmask carried
// by REQUEST2/NEGOTIATE2.
type StrategyBit uint16

const (
	// StrategyPacketBased is strategy A (legacy-compatible; not an
	// explicit bit, it is the fallback when proto == 0).
	StrategyPacketBased StrategyBit = 0

	// StrategyQueueState is strategy B, bit 0 of proto.
	StrategyQueueState StrategyBit = 1 << 0
)

// Handle identifies a QP by the pair of context ids involved plus a
// resource id, matching spec.md §3's {cid, rid} handle shape.
type Handle struct {
	CID uint32
	RID uint32
}

// InvalidHandle is the zero-value-equivalent "no handle yet" sentinel.
var InvalidHandle = Handle{CID: CIDAny, RID: CIDAny}

func (h Handle) Valid() bool {
	return h != InvalidHandle
}

// Payload is the tagged union carried by a ControlPacket. Only the
// field matching Type is meaningful; the rest are zero. A Go union is
// modeled as a flat struct (simplest faithful translation of the C
// packed union) rather than an interface, so MarshalBinary can write a
// fixed-size payload regardless of Type.
type Payload struct {
	Size       uint64
	Handle     Handle
	Mode       uint64
	Generation uint64
	Offset     uint64
}

// ControlPacket is the fixed-layout control datagram described in
// spec.md §3/§6. Wire layout, little-endian, packed:
//
//	srcCID, srcPort, dstCID, dstPort uint32
//	version, type                    uint8
//	_reserved1                       uint8
//	proto                            uint16
//	_reserved2                       uint32
//	payload                          40 bytes: Size uint64, Handle{CID,RID} uint32,
//	                                 Mode uint64, Generation uint64, Offset uint64
//
// Every payload field is written in that order whatever the Type; the
// payload is not packed as a union of the per-type arms.
type ControlPacket struct {
	SrcCID  uint32
	SrcPort uint32
	DstCID  uint32
	DstPort uint32

	Version uint8
	Type    PacketType

	// reserved1 must be zero for every type below REQUEST2, the way
	// af_vsock.c's peers reply RST on seeing it non-zero; kept as a
	// named field (instead of silently dropped) so Validate can check
	// it without re-deriving the wire offset.
	reserved1 uint8

	// Proto carries the strategy bitmask for REQUEST2/NEGOTIATE2 and
	// must be zero for every earlier type.
	Proto uint16

	reserved2 uint32

	Payload Payload
}

// wireSize is the packed on-wire size of a ControlPacket, fixed
// regardless of Type: the 25-byte header plus all 40 payload bytes,
// which MarshalBinary writes in full on every packet.
const wireSize = 4*4 + 1 + 1 + 1 + 2 + 4 + 8 + 4 + 4 + 8 + 8 + 8

// Init fills pkt with version=1, the given type, src/dst addresses and
// payload discriminant, zeroing every reserved field. Mirrors
// VSockPacket_Init from the original.
func Init(pkt *ControlPacket, src, dst Addr, typ PacketType, payload Payload) {
	*pkt = ControlPacket{
		SrcCID:  src.CID,
		SrcPort: src.Port,
		DstCID:  dst.CID,
		DstPort: dst.Port,
		Version: Version,
		Type:    typ,
		Payload: payload,
	}
}

// NewPacket is the common-case constructor used by the state machine:
// build a packet of typ between src and dst carrying payload.
func NewPacket(src, dst Addr, typ PacketType, payload Payload) ControlPacket {
	var pkt ControlPacket
	Init(&pkt, src, dst, typ, payload)
	return pkt
}

var packetTypeNames = [...]string{
	"INVALID", "REQUEST", "NEGOTIATE", "OFFER", "ATTACH", "WROTE",
	"READ", "RST", "SHUTDOWN", "WAITING_WRITE", "WAITING_READ",
	"REQUEST2", "NEGOTIATE2",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return "UNKNOWN"
}

// SrcAddr / DstAddr extract the endpoint addresses from the packet.
func (p ControlPacket) SrcAddr() Addr { return Addr{CID: p.SrcCID, Port: p.SrcPort} }
func (p ControlPacket) DstAddr() Addr { return Addr{CID: p.DstCID, Port: p.DstPort} }

// Validate enforces spec.md §4.2's rules: non-null handles/ports,
// version match, zeroed reserved fields below REQUEST2, and
// per-type payload bounds.
func (p ControlPacket) Validate() error {
	if p.SrcPort == 0 || p.DstPort == 0 {
		return ErrBadPayload
	}
	if p.Version != Version {
		return ErrBadVersion
	}
	if p.Type >= MaxType {
		return ErrUnknownPacket
	}

	legacy := p.Type < TypeRequest2
	if legacy {
		if p.reserved1 != 0 || p.reserved2 != 0 || p.Proto != 0 {
			return ErrInvalidReserved
		}
	}

	switch p.Type {
	case TypeRequest, TypeNegotiate, TypeRequest2, TypeNegotiate2:
		if p.Payload.Size == 0 {
			return ErrBadPayload
		}
	case TypeOffer, TypeAttach:
		if !p.Payload.Handle.Valid() {
			return ErrBadPayload
		}
	case TypeWrote, TypeRead, TypeRST:
		if p.Payload != (Payload{}) {
			return ErrBadPayload
		}
	case TypeShutdown:
		if p.Payload.Mode == 0 || p.Payload.Mode&^(ShutdownRCV|ShutdownSEND) != 0 {
			return ErrBadPayload
		}
	case TypeWaitingRead, TypeWaitingWrite:
		// generation/offset are free-form counters, no further bound
	case TypeInvalid:
		// no payload constraint
	}
	return nil
}

// MarshalBinary serializes the packet to its fixed little-endian wire
// layout. Implements encoding.BinaryMarshaler.
func (p ControlPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(wireSize)
	fields := []interface{}{
		p.SrcCID, p.SrcPort, p.DstCID, p.DstPort,
		p.Version, uint8(p.Type), p.reserved1, p.Proto, p.reserved2,
		p.Payload.Size, p.Payload.Handle.CID, p.Payload.Handle.RID,
		p.Payload.Mode, p.Payload.Generation, p.Payload.Offset,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses a packet from its wire layout. Implements
// encoding.BinaryUnmarshaler.
func (p *ControlPacket) UnmarshalBinary(data []byte) error {
	if len(data) < wireSize {
		return errors.New("vsock: control packet shorter than one packet")
	}
	r := bytes.NewReader(data)
	var typ, reserved1 uint8
	var handleCID, handleRID uint32
	fields := []interface{}{
		&p.SrcCID, &p.SrcPort, &p.DstCID, &p.DstPort,
		&p.Version, &typ, &reserved1, &p.Proto, &p.reserved2,
		&p.Payload.Size, &handleCID, &handleRID,
		&p.Payload.Mode, &p.Payload.Generation, &p.Payload.Offset,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	p.Type = PacketType(typ)
	p.reserved1 = reserved1
	p.Payload.Handle = Handle{CID: handleCID, RID: handleRID}
	return nil
}

// WireSize reports the fixed size in bytes of every control packet.
func WireSize() int { return wireSize }
