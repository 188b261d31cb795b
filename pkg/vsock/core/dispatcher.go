package core

import (
	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// Sink is the one primitive the Dispatcher needs from the underlying
// datagram substrate to talk back to a peer: deliver one control
// packet. Allocating/attaching QP rings is a separate concern (see
// qp.Allocator); Sink only ever carries the small fixed-size control
// datagrams spec.md §6 describes. pkg/vsock's WireLoopback points this
// at the paired Engine's Dispatcher; a real substrate would point it at
// the hypervisor's control-channel send primitive (out of scope, see
// spec.md §1).
type Sink interface {
	Deliver(pkt types.ControlPacket) error
}

// Dispatcher implements spec.md §4.7: the datagram callback for the
// stream control resource. It also implements PacketTransport, so
// Socket/NotifyStrategy/StateMachine can hand it outbound packets
// without depending on Dispatcher's own lookup/routing machinery.
type Dispatcher struct {
	tables  *LookupTables
	sm      *StateMachine
	invoker Invoker
	sink    Sink

	logger  definition.Logger
	metrics *definition.Metrics
}

// NewDispatcher builds a Dispatcher. StateMachine and Sink are both set
// after construction (SetStateMachine, SetSink) since StateMachine
// takes the Dispatcher itself as its PacketTransport — constructing
// both in one step would require a cycle.
func NewDispatcher(tables *LookupTables, invoker Invoker, logger definition.Logger, metrics *definition.Metrics) *Dispatcher {
	return &Dispatcher{tables: tables, invoker: invoker, logger: logger, metrics: metrics}
}

// SetStateMachine assigns the StateMachine the slow path dispatches
// into, called once during engine bootstrap.
func (d *Dispatcher) SetStateMachine(sm *StateMachine) { d.sm = sm }

// SetSink assigns the peer-facing delivery primitive, called once both
// ends of a pairing exist.
func (d *Dispatcher) SetSink(sink Sink) { d.sink = sink }

// SendControl implements PacketTransport for the common case: a
// control packet whose src/dst come straight from the socket.
func (d *Dispatcher) SendControl(s *Socket, typ types.PacketType, payload types.Payload) error {
	return d.SendPacket(types.NewPacket(s.local, s.remote, typ, payload))
}

// SendPacket implements PacketTransport for a packet StateMachine has
// already fully constructed (carrying a proto bitmask or handle).
func (d *Dispatcher) SendPacket(pkt types.ControlPacket) error {
	if d.sink == nil {
		return types.NewError("send", types.KindNetUnreach, nil)
	}
	return d.sink.Deliver(pkt)
}

// Inbound is the datagram callback: data is the raw wire bytes of one
// control packet, srcRID is the resource id the substrate delivered it
// from. Implements spec.md §4.7 steps 1-8.
func (d *Dispatcher) Inbound(data []byte, srcRID uint32) {
	// Step 2: reject undersized payloads.
	if len(data) < types.WireSize() {
		if d.logger != nil {
			d.logger.Warnf("dropping undersized control datagram (%d bytes)", len(data))
		}
		return
	}

	var pkt types.ControlPacket
	if err := pkt.UnmarshalBinary(data); err != nil {
		if d.logger != nil {
			d.logger.Warnf("failed parsing control datagram: %v", err)
		}
		return
	}

	// Step 1: explicit blocklist on the well-known context id as a
	// packet source, and a resource-id cross-check (spec.md §6: the
	// hypervisor RID is used whenever either endpoint is the
	// hypervisor context, the regular RID otherwise).
	if pkt.SrcCID == types.CIDWellKnown {
		return
	}
	expectedRID := StreamControlRID
	if pkt.SrcCID == types.CIDHypervisor || pkt.DstCID == types.CIDHypervisor {
		expectedRID = HypervisorStreamControlRID
	}
	if srcRID != expectedRID {
		if d.logger != nil {
			d.logger.Warnf("dropping control datagram with unexpected rid %d (want %d)", srcRID, expectedRID)
		}
		return
	}

	// Step 3: reply INVALID to a packet type this build doesn't know.
	if pkt.Type >= types.MaxType {
		inv := types.NewPacket(pkt.DstAddr(), pkt.SrcAddr(), types.TypeInvalid, types.Payload{})
		d.SendPacket(inv)
		return
	}
	if err := pkt.Validate(); err != nil {
		if d.logger != nil {
			d.logger.Debugf("dropping invalid control packet: %v", err)
		}
		return
	}

	// Step 4: look up destination, full tuple first, then bound-by-port.
	src, dst := pkt.SrcAddr(), pkt.DstAddr()
	s := d.tables.FindConnected(src, dst)
	if s == nil {
		s = d.tables.FindBound(dst)
	}
	// Step 5: nobody home — reply RST unless the packet is itself RST.
	if s == nil {
		if pkt.Type != types.TypeRST {
			rst := types.NewPacket(dst, src, types.TypeRST, types.Payload{})
			d.SendPacket(rst)
		}
		return
	}

	// Step 6: access check. A full cross-context credential model lives
	// in the substrate's registration glue (spec.md §1, out of scope);
	// the one check this engine can make locally is the destination
	// socket's own trust bit, applied whenever the source isn't the
	// privileged host context.
	if src.CID != types.CIDHost {
		s.Lock()
		trusted := s.owner.Trusted
		s.Unlock()
		if !trusted {
			d.release(s)
			return
		}
	}

	// Step 7: BH fast path — only for an already-CONNECTED socket whose
	// lock isn't currently held by a process-context caller.
	if s.mu.TryLock() {
		if s.state == StateConnected {
			processed := s.notify.HandleNotifyPkt(s, pkt, true)
			s.mu.Unlock()
			if processed {
				d.release(s)
				return
			}
		} else {
			s.mu.Unlock()
		}
	}

	// Step 8: slow path — defer to a work item under the socket lock,
	// keyed on s so every packet destined for this socket drains through
	// the same worker in arrival order (spec.md §5's per-socket ordering
	// requirement).
	d.invoker.Spawn(s.ID(), func() {
		s.Lock()
		d.sm.HandlePacket(s, pkt)
		s.Unlock()
		d.release(s)
	})
}

// release drops the reference Find{Connected,Bound} added, finalizing
// the socket if this was the last one.
func (d *Dispatcher) release(s *Socket) {
	if s.Unref() {
		d.sm.finalize(s)
	}
}

var _ PacketTransport = (*Dispatcher)(nil)
