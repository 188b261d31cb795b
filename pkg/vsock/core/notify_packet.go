package core

import (
	"sync"

	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// waitInfo is the {generation, offset} pair carried by WAITING_READ /
// WAITING_WRITE payloads, spec.md §3/§4.4.
type waitInfo struct {
	generation uint64
	offset     uint64
}

// packetState is strategy A's per-socket state, spec.md §4.4's full
// list for "Strategy A — Packet-based".
type packetState struct {
	windowState

	peerWaitingRead          bool
	peerWaitingWrite         bool
	peerWaitingWriteDetected bool
	sentWaitingRead          bool
	sentWaitingWrite         bool

	peerWaitingReadInfo  waitInfo
	peerWaitingWriteInfo waitInfo

	produceQGeneration uint64
	consumeQGeneration uint64

	// cumulative byte counters used to detect a ring wrap (generation
	// bump) without requiring the qp.Endpoint interface to expose raw
	// ring offsets; RecvPostDequeue/SendPostEnqueue take them modulo
	// the ring size and count a wrap when the offset moves backwards.
	producedTotal uint64
	consumedTotal uint64

	notifyOnNextBlock bool
}

// PacketStrategy implements NotifyStrategy using explicit
// WAITING_READ/WAITING_WRITE control packets, for interop with legacy
// (REQUEST/NEGOTIATE, not REQUEST2/NEGOTIATE2) peers. Grounded on
// original_source/notify.c.
type PacketStrategy struct {
	mu     sync.Mutex
	states map[*Socket]*packetState
}

// NewPacketStrategy creates a ready-to-use Strategy A instance. One
// instance can be shared by every socket that negotiates it; per-socket
// state lives in an internal map keyed by the socket pointer.
func NewPacketStrategy() *PacketStrategy {
	return &PacketStrategy{states: make(map[*Socket]*packetState)}
}

func (p *PacketStrategy) Name() string          { return strategyPacketBasedName }
func (p *PacketStrategy) Bit() types.StrategyBit { return types.StrategyPacketBased }

func (p *PacketStrategy) state(s *Socket) *packetState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[s]
	if !ok {
		st = &packetState{}
		p.states[s] = st
	}
	return st
}

func (p *PacketStrategy) SocketInit(s *Socket) {
	p.mu.Lock()
	p.states[s] = &packetState{}
	p.mu.Unlock()
}

func (p *PacketStrategy) SocketDestruct(s *Socket) {
	p.mu.Lock()
	delete(p.states, s)
	p.mu.Unlock()
}

func (p *PacketStrategy) ProcessRequest(s *Socket, consumeSize uint64) {
	p.state(s).processRequest(s, consumeSize)
}

func (p *PacketStrategy) ProcessNegotiate(s *Socket, consumeSize uint64) {
	p.state(s).processRequest(s, consumeSize)
}

// PollIn reports data-ready based on the QP's current consume-side
// ready bytes; it never needs to "request" anything extra because an
// inbound WAITING_WRITE/WROTE packet already drives readiness.
func (p *PacketStrategy) PollIn(s *Socket) bool {
	if s.qpEP == nil {
		return false
	}
	return s.qpEP.ConsumeReadyBytes() > 0
}

func (p *PacketStrategy) PollOut(s *Socket) bool {
	if s.qpEP == nil {
		return false
	}
	return s.qpEP.ProduceFreeSpace() > 0
}

func (p *PacketStrategy) RecvInit(s *Socket, target int) {
	st := p.state(s)
	need := uint64(target) + 1
	if need > st.writeNotifyMinWindow {
		st.writeNotifyMinWindow = need
		if st.writeNotifyWindow < st.writeNotifyMinWindow {
			st.writeNotifyWindow = st.writeNotifyMinWindow
			st.notifyOnNextBlock = true
		}
	}
}

// RecvPreBlock sends WAITING_READ naming the offset the reader is
// waiting for, first emitting a READ notification if RecvInit flagged
// one as owed.
func (p *PacketStrategy) RecvPreBlock(s *Socket, target int) {
	st := p.state(s)
	if st.notifyOnNextBlock {
		st.notifyOnNextBlock = false
		if !suppressNotify(s) {
			s.sendNotifyRetrying(p.Name(), types.TypeRead, types.Payload{})
		}
	}
	st.sentWaitingRead = true
	st.peerWaitingReadInfo = waitInfo{generation: st.consumeQGeneration, offset: uint64(target)}
	s.sendNotifyRetrying(p.Name(), types.TypeWaitingRead, types.Payload{
		Generation: st.consumeQGeneration,
		Offset:     uint64(target),
	})
}

func (p *PacketStrategy) RecvPreDequeue(s *Socket, target int) {}

// RecvPostDequeue implements the post-dequeue rules from spec.md
// §4.4: bump the consume generation on wrap, and if the peer is known
// to be waiting for write space and enough of it has opened up,
// notify it with READ and tighten the window.
func (p *PacketStrategy) RecvPostDequeue(s *Socket, dequeued int) {
	if dequeued <= 0 {
		return
	}
	st := p.state(s)

	prevOffset := st.consumedTotal % s.consumeSize
	st.consumedTotal += uint64(dequeued)
	if s.consumeSize > 0 && st.consumedTotal%s.consumeSize < prevOffset {
		st.consumeQGeneration++
	}

	if !st.peerWaitingWrite {
		return
	}

	var freeSpace uint64
	if s.qpEP != nil {
		freeSpace = uint64(s.qpEP.ConsumeFreeSpace())
	}
	limit := uint64(0)
	if s.consumeSize > st.writeNotifyWindow {
		limit = s.consumeSize - st.writeNotifyWindow
	}
	if freeSpace <= limit {
		return
	}

	if !suppressNotify(s) {
		s.sendNotifyRetrying(p.Name(), types.TypeRead, types.Payload{})
	}
	st.peerWaitingWrite = false

	if !st.peerWaitingWriteDetected {
		st.peerWaitingWriteDetected = true
		half := st.writeNotifyWindow / 2
		if half < pageSize {
			half = pageSize
		}
		newWindow := st.writeNotifyWindow - pageSize
		if half < newWindow {
			newWindow = half
		}
		if newWindow < st.writeNotifyMinWindow {
			newWindow = st.writeNotifyMinWindow
		}
		st.writeNotifyWindow = newWindow
	}
}

func (p *PacketStrategy) SendInit(s *Socket, target int) {}

func (p *PacketStrategy) SendPreBlock(s *Socket) {
	st := p.state(s)
	st.sentWaitingWrite = true
	s.sendNotifyRetrying(p.Name(), types.TypeWaitingWrite, types.Payload{
		Generation: st.produceQGeneration,
	})
}

func (p *PacketStrategy) SendPreEnqueue(s *Socket, target int) {}

// SendPostEnqueue implements the send-side rule symmetric to
// RecvPostDequeue: bump produce generation on wrap, then notify a
// waiting reader with WROTE.
func (p *PacketStrategy) SendPostEnqueue(s *Socket, enqueued int) {
	if enqueued <= 0 {
		return
	}
	st := p.state(s)

	prevOffset := st.producedTotal % s.produceSize
	st.producedTotal += uint64(enqueued)
	if s.produceSize > 0 && st.producedTotal%s.produceSize < prevOffset {
		st.produceQGeneration++
	}

	if !st.peerWaitingRead {
		return
	}
	if !suppressNotify(s) {
		s.sendNotifyRetrying(p.Name(), types.TypeWrote, types.Payload{})
	}
	st.peerWaitingRead = false
}

// HandleNotifyPkt dispatches an inbound WROTE/READ/WAITING_* packet to
// the appropriate rule from spec.md §4.4's bullet list.
func (p *PacketStrategy) HandleNotifyPkt(s *Socket, pkt types.ControlPacket, inBH bool) bool {
	st := p.state(s)
	switch pkt.Type {
	case types.TypeWaitingWrite:
		st.peerWaitingWrite = true
		st.peerWaitingWriteInfo = waitInfo{generation: pkt.Payload.Generation, offset: pkt.Payload.Offset}
		var freeSpace uint64
		if s.qpEP != nil {
			freeSpace = uint64(s.qpEP.ConsumeFreeSpace())
		}
		limit := uint64(0)
		if s.consumeSize > st.writeNotifyWindow {
			limit = s.consumeSize - st.writeNotifyWindow
		}
		if freeSpace > limit && !suppressNotify(s) {
			s.sendNotifyRetrying(p.Name(), types.TypeRead, types.Payload{})
			st.peerWaitingWrite = false
		}
		return true

	case types.TypeWaitingRead:
		st.peerWaitingRead = true
		st.peerWaitingReadInfo = waitInfo{generation: pkt.Payload.Generation, offset: pkt.Payload.Offset}
		if s.qpEP != nil && s.qpEP.ProduceReadyBytes() > 0 && !suppressNotify(s) {
			s.sendNotifyRetrying(p.Name(), types.TypeWrote, types.Payload{})
			st.peerWaitingRead = false
		}
		return true

	case types.TypeWrote:
		st.sentWaitingRead = false
		s.broadcast()
		return true

	case types.TypeRead:
		st.sentWaitingWrite = false
		s.broadcast()
		return true
	}
	return false
}
