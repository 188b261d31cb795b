package core

import (
	"time"

	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/qp"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// StateMachine drives every FSM transition spec.md §4.6 names, both the
// ones triggered by an inbound control packet (HandlePacket, called
// with the target socket's lock already held by Dispatcher) and the
// ones triggered by a local event (PeerDetach, QPResumed, the
// pending-cleanup and connect-timeout tasks).
type StateMachine struct {
	tables    *LookupTables
	transport PacketTransport
	allocator qp.Allocator

	packetStrategy NotifyStrategy
	qstateStrategy NotifyStrategy

	// localSupported is the proto bitmask this engine advertises and
	// accepts in REQUEST2/NEGOTIATE2; StrategyQueueState is included
	// so newly-handshaked connections get Strategy B by default.
	localSupported types.StrategyBit

	logger  definition.Logger
	metrics *definition.Metrics
}

// NewStateMachine wires a StateMachine against the shared lookup tables,
// transport and QP allocator. The two NotifyStrategy instances are
// shared across every socket that negotiates them (each keeps its own
// per-socket state internally, see notify_packet.go/notify_qstate.go).
func NewStateMachine(tables *LookupTables, transport PacketTransport, allocator qp.Allocator, logger definition.Logger, metrics *definition.Metrics) *StateMachine {
	return &StateMachine{
		tables:         tables,
		transport:      transport,
		allocator:      allocator,
		packetStrategy: NewPacketStrategy(),
		qstateStrategy: NewQStateStrategy(),
		localSupported: types.StrategyQueueState,
		logger:         logger,
		metrics:        metrics,
	}
}

// SetLocalSupported overrides the proto bitmask this engine advertises
// and accepts in REQUEST2/NEGOTIATE2 (types.StrategyQueueState by
// default, see NewStateMachine). Exposed as a setter rather than a
// NewStateMachine parameter so the many tests that construct a
// StateMachine directly are unaffected; production wiring calls it
// from NewEngine with the configured Config.Strategy.
func (sm *StateMachine) SetLocalSupported(bit types.StrategyBit) { sm.localSupported = bit }

// HandlePacket dispatches an inbound packet by the target socket's
// current FSM state. Caller holds s's lock.
func (sm *StateMachine) HandlePacket(s *Socket, pkt types.ControlPacket) {
	switch s.state {
	case StateListen:
		sm.handleListen(s, pkt)
	case StateConnecting:
		if s.listener != nil {
			sm.handleConnectingServer(s, pkt)
		} else {
			sm.handleConnectingClient(s, pkt)
		}
	case StateConnected:
		sm.handleConnected(s, pkt)
	default:
		if sm.logger != nil {
			sm.logger.Debugf("dropping %s for socket %s in state %s", pkt.Type, s.local, s.state)
		}
	}
}

func (sm *StateMachine) replyRST(s *Socket) {
	sm.transport.SendControl(s, types.TypeRST, types.Payload{})
}

// handleListen implements spec.md §4.6's `LISTEN` transitions.
func (sm *StateMachine) handleListen(s *Socket, pkt types.ControlPacket) {
	if pkt.Type != types.TypeRequest && pkt.Type != types.TypeRequest2 {
		if pkt.Type != types.TypeRST {
			sm.replyRST(s)
		}
		return
	}
	if pkt.Payload.Size == 0 {
		sm.replyRST(s)
		return
	}
	if sm.tables.PendingLen(s)+sm.tables.AcceptQueueLen(s) >= s.maxAccept {
		sm.replyRST(s)
		return
	}

	child := NewSocket(s.owner.UID, s.owner.Trusted, s.logger, s.metrics)
	child.local = types.Addr{CID: pkt.DstCID, Port: pkt.DstPort}
	child.remote = pkt.SrcAddr()
	child.window = s.window
	child.state = StateConnecting
	child.transport = sm.transport
	child.connectTimeout = s.connectTimeout

	negotiatedSize := pkt.Payload.Size
	if !child.window.InRange(negotiatedSize) {
		negotiatedSize = child.window.CfgSize
	}
	child.produceSize = negotiatedSize
	child.consumeSize = negotiatedSize

	var strategy NotifyStrategy
	var replyType types.PacketType
	var proto types.StrategyBit
	if pkt.Type == types.TypeRequest {
		strategy = sm.packetStrategy
		replyType = types.TypeNegotiate
	} else {
		proto = types.StrategyBit(pkt.Proto) & sm.localSupported
		if proto&types.StrategyQueueState != 0 {
			strategy = sm.qstateStrategy
		} else {
			strategy = sm.packetStrategy
		}
		replyType = types.TypeNegotiate2
	}
	child.notify = strategy
	strategy.SocketInit(child)
	strategy.ProcessRequest(child, negotiatedSize)

	sm.tables.AddPending(s, child)
	sm.schedulePendingCleanup(s, child)

	reply := types.NewPacket(child.local, child.remote, replyType, types.Payload{Size: negotiatedSize})
	reply.Proto = uint16(proto)
	if err := sm.transport.SendPacket(reply); err != nil && sm.logger != nil {
		sm.logger.Warnf("failed sending %s to %s: %v", replyType, child.remote, err)
	}
}

// handleConnectingServer implements spec.md §4.6's server-side
// `CONNECTING` transitions for a child found on a listener's pending
// list (s.listener is non-nil).
func (sm *StateMachine) handleConnectingServer(s *Socket, pkt types.ControlPacket) {
	listener := s.listener

	if pkt.Type != types.TypeOffer {
		if pkt.Type != types.TypeRST {
			sm.replyRST(s)
		}
		sm.tables.RemovePending(listener, s)
		if sm.metrics != nil {
			sm.metrics.ConnectionResult("reset")
		}
		return
	}

	handle := pkt.Payload.Handle
	if !handle.Valid() {
		sm.replyRST(s)
		sm.tables.RemovePending(listener, s)
		return
	}

	local := handle.CID == s.local.CID
	ep, err := sm.allocator.AttachOnly(handle, s.consumeSize, local, true)
	if err != nil {
		ep, err = sm.allocator.AttachOnly(handle, s.consumeSize, local, false)
	}
	if err != nil {
		sm.replyRST(s)
		sm.tables.RemovePending(listener, s)
		if sm.metrics != nil {
			sm.metrics.ConnectionResult("reset")
		}
		return
	}

	s.qpEP = ep
	s.handle = handle
	sm.tables.InsertConnected(s)
	s.state = StateConnected

	attach := types.NewPacket(s.local, s.remote, types.TypeAttach, types.Payload{Handle: handle})
	if err := sm.transport.SendPacket(attach); err != nil && sm.logger != nil {
		sm.logger.Warnf("failed sending ATTACH to %s: %v", s.remote, err)
	}

	sm.tables.EnqueueAccept(listener, s)
	listener.broadcast()
	if sm.metrics != nil {
		sm.metrics.ConnectionResult("accepted")
	}
}

// handleConnectingClient implements spec.md §4.6's client-side
// `CONNECTING` transitions (s.listener is nil: this socket is the one
// the local caller invoked connect() on).
func (sm *StateMachine) handleConnectingClient(s *Socket, pkt types.ControlPacket) {
	switch pkt.Type {
	case types.TypeAttach:
		if !pkt.Payload.Handle.Valid() || pkt.Payload.Handle != s.handle {
			return
		}
		s.state = StateConnected
		sm.tables.InsertConnected(s)
		s.broadcast()
		if sm.metrics != nil {
			sm.metrics.ConnectionResult("accepted")
		}

	case types.TypeNegotiate, types.TypeNegotiate2:
		size := pkt.Payload.Size
		if !s.window.InRange(size) {
			sm.replyRST(s)
			s.state = StateUnconnected
			s.SetErr(types.NewError("connect", types.KindConnRefused, nil))
			s.broadcast()
			return
		}

		var strategy NotifyStrategy
		var proto types.StrategyBit
		if pkt.Type == types.TypeNegotiate2 {
			proto = types.StrategyBit(pkt.Proto) & sm.localSupported
			if proto&types.StrategyQueueState != 0 {
				strategy = sm.qstateStrategy
			} else {
				strategy = sm.packetStrategy
			}
		} else {
			strategy = sm.packetStrategy
		}
		s.notify = strategy
		strategy.SocketInit(s)
		strategy.ProcessNegotiate(s, size)

		s.produceSize = size
		s.consumeSize = size

		local := pkt.SrcCID == s.local.CID
		handle := types.Handle{CID: s.local.CID, RID: notifyResourceID(s)}
		ep, err := sm.allocator.Alloc(handle, size, local)
		if err != nil {
			sm.replyRST(s)
			s.state = StateUnconnected
			s.SetErr(err)
			s.broadcast()
			return
		}
		s.qpEP = ep
		s.handle = handle

		offer := types.NewPacket(s.local, s.remote, types.TypeOffer, types.Payload{Handle: handle})
		if err := sm.transport.SendPacket(offer); err != nil && sm.logger != nil {
			sm.logger.Warnf("failed sending OFFER to %s: %v", s.remote, err)
		}

	case types.TypeInvalid:
		if !s.ignoreNextRST {
			resend := types.NewPacket(s.local, s.remote, types.TypeRequest, types.Payload{Size: s.window.CfgSize})
			s.ignoreNextRST = true
			if err := sm.transport.SendPacket(resend); err != nil && sm.logger != nil {
				sm.logger.Warnf("failed resending REQUEST to %s: %v", s.remote, err)
			}
			return
		}
		s.state = StateUnconnected
		s.SetErr(types.NewError("connect", types.KindInvalid, nil))
		s.broadcast()

	case types.TypeRST:
		if s.ignoreNextRST {
			s.ignoreNextRST = false
			return
		}
		s.state = StateUnconnected
		s.SetErr(types.NewError("connect", types.KindConnReset, nil))
		s.broadcast()
		if sm.metrics != nil {
			sm.metrics.ConnectionResult("reset")
		}

	default:
		sm.replyRST(s)
	}
}

// handleConnected implements spec.md §4.6's `CONNECTED` transitions.
func (sm *StateMachine) handleConnected(s *Socket, pkt types.ControlPacket) {
	switch pkt.Type {
	case types.TypeShutdown:
		s.MarkPeerShutdown(pkt.Payload.Mode)
		s.broadcast()

	case types.TypeRST:
		s.SetSockDone(true)
		s.MarkPeerShutdown(types.ShutdownRCV | types.ShutdownSEND)
		if s.qpEP == nil || s.qpEP.ConsumeReadyBytes() == 0 {
			s.state = StateDisconnecting
		}
		s.broadcast()

	case types.TypeWrote, types.TypeRead, types.TypeWaitingWrite, types.TypeWaitingRead:
		if !s.notify.HandleNotifyPkt(s, pkt, false) {
			sm.replyRST(s)
		}

	default:
		sm.replyRST(s)
	}
}

// OnPeerDetach implements spec.md §4.6's "Peer-detach event": the QP
// substrate has told us the other end went away outside of any control
// packet (e.g. the peer VM powered off). Caller holds s's lock.
func (sm *StateMachine) OnPeerDetach(s *Socket) {
	s.SetSockDone(true)
	s.MarkPeerShutdown(types.ShutdownRCV | types.ShutdownSEND)
	empty := s.qpEP == nil || s.qpEP.ConsumeReadyBytes() == 0
	switch s.state {
	case StateConnecting:
		if empty {
			s.state = StateUnconnected
			s.SetErr(types.NewError("connect", types.KindConnReset, nil))
		}
	case StateConnected:
		if empty {
			s.state = StateUnconnected
		}
	}
	s.broadcast()
}

// OnQPResumed implements spec.md §4.6's "QP-resumed event": after a VM
// resume, every currently-connected socket is treated as if its peer
// had just detached, since no connection survives a resume.
func (sm *StateMachine) OnQPResumed(s *Socket) {
	sm.OnPeerDetach(s)
}

// schedulePendingCleanup implements spec.md §4.6's pending-cleanup
// task: fires once, PendingCleanupDelay after child creation.
func (sm *StateMachine) schedulePendingCleanup(listener, child *Socket) {
	child.Ref()
	time.AfterFunc(types.PendingCleanupDelay, func() {
		defer func() {
			if child.Unref() {
				sm.finalize(child)
			}
		}()
		listener.Lock()
		child.Lock()
		defer child.Unlock()
		defer listener.Unlock()

		if sm.tables.RemovePending(listener, child) {
			return
		}
		// Already graduated to the accept queue; if the caller never
		// accepted it and it was since rejected, drop it there too.
		if child.state == StateDisconnecting {
			sm.tables.RemoveAccept(listener, child)
		}
	})
}

// ScheduleConnectTimeout implements spec.md §5's asynchronous-connect
// timeout: fires connectTimeout after it is scheduled (pkg/vsock's Dial
// schedules it for every connect); if still CONNECTING, fails it with
// TimedOut and wakes the waiter.
func (sm *StateMachine) ScheduleConnectTimeout(s *Socket) *time.Timer {
	s.Ref()
	return time.AfterFunc(s.connectTimeout, func() {
		defer func() {
			if s.Unref() {
				sm.finalize(s)
			}
		}()
		s.Lock()
		defer s.Unlock()
		if s.state != StateConnecting || s.SockDone() {
			return
		}
		s.state = StateUnconnected
		s.SetErr(types.NewError("connect", types.KindTimedOut, nil))
		s.broadcast()
		if sm.metrics != nil {
			sm.metrics.ConnectionResult("timeout")
		}
	})
}

// Finalize exposes finalize to the pkg/vsock facade's close path: the
// caller must not be holding s's lock.
func (sm *StateMachine) Finalize(s *Socket) { sm.finalize(s) }

// finalize releases the resources a socket holds once its last
// reference drops: detaching the QP and resetting notify-strategy
// state (spec.md §3's Lifecycle summary, final bullet).
func (sm *StateMachine) finalize(s *Socket) {
	s.Lock()
	defer s.Unlock()
	if s.qpEP != nil {
		s.qpEP.Detach()
		s.qpEP = nil
	}
	if s.notify != nil {
		s.notify.SocketDestruct(s)
	}
}
