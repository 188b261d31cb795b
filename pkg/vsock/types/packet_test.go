package types

import "testing"

func allPacketTypes() []PacketType {
	var types []PacketType
	for t := TypeInvalid; t < MaxType; t++ {
		types = append(types, t)
	}
	return types
}

func payloadFor(typ PacketType) Payload {
	switch typ {
	case TypeRequest, TypeNegotiate, TypeRequest2, TypeNegotiate2:
		return Payload{Size: 262144}
	case TypeOffer, TypeAttach:
		return Payload{Handle: Handle{CID: 3, RID: 7}}
	case TypeShutdown:
		return Payload{Mode: ShutdownSEND}
	case TypeWaitingRead, TypeWaitingWrite:
		return Payload{Generation: 2, Offset: 128}
	default:
		return Payload{}
	}
}

func TestControlPacket_RoundTrip(t *testing.T) {
	src := Addr{CID: 3, Port: 1024}
	dst := Addr{CID: 2, Port: 5000}

	for _, typ := range allPacketTypes() {
		typ := typ
		t.Run(typ.String(), func(t *testing.T) {
			pkt := NewPacket(src, dst, typ, payloadFor(typ))
			if typ >= TypeRequest2 {
				pkt.Proto = uint16(StrategyQueueState)
			}

			data, err := pkt.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if len(data) != WireSize() {
				t.Fatalf("expected %d bytes, got %d", WireSize(), len(data))
			}

			var decoded ControlPacket
			if err := decoded.UnmarshalBinary(data); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if decoded.SrcAddr() != src || decoded.DstAddr() != dst {
				t.Fatalf("address mismatch: got src=%v dst=%v", decoded.SrcAddr(), decoded.DstAddr())
			}
			if decoded.Type != typ {
				t.Fatalf("type mismatch: want %v got %v", typ, decoded.Type)
			}
			if decoded.Payload != pkt.Payload {
				t.Fatalf("payload mismatch: want %+v got %+v", pkt.Payload, decoded.Payload)
			}
			if err := decoded.Validate(); err != nil {
				t.Fatalf("decoded packet failed validation: %v", err)
			}
		})
	}
}

func TestControlPacket_ValidateRejectsNonZeroReservedOnLegacyType(t *testing.T) {
	pkt := NewPacket(Addr{CID: 3, Port: 1024}, Addr{CID: 2, Port: 5000}, TypeWrote, Payload{})
	pkt.Proto = 1
	if err := pkt.Validate(); err != ErrInvalidReserved {
		t.Fatalf("expected ErrInvalidReserved, got %v", err)
	}
}

func TestControlPacket_ValidateRejectsZeroPorts(t *testing.T) {
	pkt := NewPacket(Addr{CID: 3, Port: 0}, Addr{CID: 2, Port: 5000}, TypeWrote, Payload{})
	if err := pkt.Validate(); err != ErrBadPayload {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestAddr_Equals(t *testing.T) {
	a := Addr{CID: 3, Port: 1024}
	b := Addr{CID: 3, Port: 1024}
	c := Addr{CID: 3, Port: 1025}

	if !a.Equals(b) {
		t.Fatal("expected equal addresses to compare equal")
	}
	if a.Equals(c) {
		t.Fatal("expected different ports to compare unequal")
	}
}

func TestAddr_Bound(t *testing.T) {
	if (Addr{CID: 3, Port: PortAny}).Bound() {
		t.Fatal("PortAny must not be considered bound")
	}
	if !(Addr{CID: 3, Port: 1024}).Bound() {
		t.Fatal("concrete port must be considered bound")
	}
}

func TestAddr_Privileged(t *testing.T) {
	if !(Addr{Port: 22}).Privileged() {
		t.Fatal("port 22 must be privileged")
	}
	if (Addr{Port: 1024}).Privileged() {
		t.Fatal("port 1024 must not be privileged")
	}
}
