package core

import "github.com/ovtsys/vsockproto/pkg/vsock/types"

// PacketTransport is the minimal surface a NotifyStrategy or
// StateMachine needs to emit a control packet to a socket's current
// peer, decoupling both from Dispatcher so they can be unit tested
// against a fake. Dispatcher is the production implementation; each
// Socket holds one in Socket.transport, set by whatever wires the
// engine's components together.
type PacketTransport interface {
	SendControl(s *Socket, typ types.PacketType, payload types.Payload) error

	// SendPacket delivers a fully-built packet as-is, for the handshake
	// messages StateMachine constructs itself (NEGOTIATE2's proto bitmask,
	// OFFER/ATTACH's handle) that don't fit SendControl's
	// socket-addresses-plus-payload shape.
	SendPacket(pkt types.ControlPacket) error
}

// NotifyStrategy is the flow-control/notification protocol selected
// per-connection at handshake (spec.md §4.4): it decides when to emit
// WROTE/READ/WAITING_* packets so the peer can make progress without
// spinning or deadlocking, and it owns the per-socket window state
// that decision depends on.
type NotifyStrategy interface {
	// Name identifies the strategy for logging/metrics ("pktProto" or
	// "pktQStateProto").
	Name() string

	// Bit is the proto bitmask bit this strategy advertises in
	// REQUEST2/NEGOTIATE2 (0 for the legacy packet-based strategy).
	Bit() types.StrategyBit

	SocketInit(s *Socket)
	SocketDestruct(s *Socket)

	// PollIn reports whether data is ready now; if not, it records a
	// readiness request so a later notification can wake the poller.
	PollIn(s *Socket) (ready bool)

	// PollOut reports whether space is available now; if not, it
	// records a space request.
	PollOut(s *Socket) (hasSpace bool)

	// HandleNotifyPkt updates strategy state for an inbound
	// WROTE/READ/WAITING_* packet. processed reports whether the
	// packet was fully handled (the BH fast path can stop here; the
	// deferred handler must still be idempotent if it runs anyway).
	HandleNotifyPkt(s *Socket, pkt types.ControlPacket, inBH bool) (processed bool)

	RecvInit(s *Socket, target int)
	RecvPreBlock(s *Socket, target int)
	RecvPreDequeue(s *Socket, target int)
	RecvPostDequeue(s *Socket, dequeued int)

	SendInit(s *Socket, target int)
	SendPreBlock(s *Socket)
	SendPreEnqueue(s *Socket, target int)
	SendPostEnqueue(s *Socket, enqueued int)

	// ProcessRequest/ProcessNegotiate run near the end of REQUEST and
	// NEGOTIATE handling respectively, to seed the write-notify window
	// from the just-agreed consume size.
	ProcessRequest(s *Socket, consumeSize uint64)
	ProcessNegotiate(s *Socket, consumeSize uint64)
}

// windowState is the window/flag bookkeeping shared by both
// strategies (spec.md §4.4's per-socket state lists), embedded by each
// strategy's socket-scoped record.
type windowState struct {
	writeNotifyWindow    uint64
	writeNotifyMinWindow uint64
}

func (w *windowState) processRequest(s *Socket, consumeSize uint64) {
	w.writeNotifyWindow = consumeSize
	min := s.window.Min
	if consumeSize < min {
		min = consumeSize
	}
	w.writeNotifyMinWindow = min
}

// pageSize is the unit the original notify.c/notifyQState.c grow and
// shrink the notify window by (PAGE_SIZE on the platforms af_vsock.c
// targets); kept as a named constant since both strategies reference
// it identically.
const pageSize uint64 = 4096

// maxNotifyRetries bounds the retry loop spec.md §5 describes for
// notification sends: after this many transient failures, the send is
// logged and swallowed rather than propagated.
const maxNotifyRetries = 10

const (
	strategyPacketBasedName = "pktProto"
	strategyQueueStateName  = "pktQStateProto"
)

// suppressNotify reports whether the peer has already signalled
// RCV_SHUTDOWN, in which case both strategies must suppress further
// WROTE/READ emissions (spec.md §4.4, final paragraph).
func suppressNotify(s *Socket) bool {
	return s.peerShutdown&types.ShutdownRCV != 0
}

// notifyResourceID picks the control-packet resource id a notification
// should carry: the hypervisor RID when either endpoint is the
// hypervisor context, the regular stream control RID otherwise
// (spec.md §4.4 final paragraph, §6 resource-id table).
func notifyResourceID(s *Socket) uint32 {
	if s.local.CID == types.CIDHypervisor || s.remote.CID == types.CIDHypervisor {
		return HypervisorStreamControlRID
	}
	return StreamControlRID
}
