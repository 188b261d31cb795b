package core

import (
	"sync"
	"sync/atomic"

	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// qstateState is strategy B's per-socket state, spec.md §4.4's list
// for "Strategy B — Queue-state-based": a strict subset of strategy
// A's, since no WAITING_* packets are ever sent.
type qstateState struct {
	windowState

	peerWaitingWrite         bool
	peerWaitingWriteDetected bool
	notifyOnNextBlock        bool

	prevConsumeFree uint64
	prevProduceReady uint64
}

// QStateStrategy implements NotifyStrategy by inferring flow-control
// conditions purely from QP occupancy, with no WAITING_READ/
// WAITING_WRITE wire traffic at all. Grounded on
// original_source/notifyQState.c.
type QStateStrategy struct {
	mu     sync.Mutex
	states map[*Socket]*qstateState
}

func NewQStateStrategy() *QStateStrategy {
	return &QStateStrategy{states: make(map[*Socket]*qstateState)}
}

func (q *QStateStrategy) Name() string           { return strategyQueueStateName }
func (q *QStateStrategy) Bit() types.StrategyBit { return types.StrategyQueueState }

func (q *QStateStrategy) state(s *Socket) *qstateState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.states[s]
	if !ok {
		st = &qstateState{}
		q.states[s] = st
	}
	return st
}

func (q *QStateStrategy) SocketInit(s *Socket) {
	q.mu.Lock()
	q.states[s] = &qstateState{}
	q.mu.Unlock()
}

func (q *QStateStrategy) SocketDestruct(s *Socket) {
	q.mu.Lock()
	delete(q.states, s)
	q.mu.Unlock()
}

func (q *QStateStrategy) ProcessRequest(s *Socket, consumeSize uint64) {
	q.state(s).processRequest(s, consumeSize)
}

func (q *QStateStrategy) ProcessNegotiate(s *Socket, consumeSize uint64) {
	q.state(s).processRequest(s, consumeSize)
}

func (q *QStateStrategy) PollIn(s *Socket) bool {
	if s.qpEP == nil {
		return false
	}
	return s.qpEP.ConsumeReadyBytes() > 0
}

func (q *QStateStrategy) PollOut(s *Socket) bool {
	if s.qpEP == nil {
		return false
	}
	return s.qpEP.ProduceFreeSpace() > 0
}

func (q *QStateStrategy) RecvInit(s *Socket, target int) {}

// RecvPreBlock grows the notify window by one page (capped at the
// agreed consume size), emitting READ first if notifyOnNextBlock is
// set (spec.md §4.4 Strategy B's RecvPreBlock rule). Nothing in this
// strategy sets that flag, so no READ is emitted here in practice.
func (q *QStateStrategy) RecvPreBlock(s *Socket, target int) {
	st := q.state(s)
	if st.notifyOnNextBlock {
		st.notifyOnNextBlock = false
		if !suppressNotify(s) {
			s.sendNotifyRetrying(q.Name(), types.TypeRead, types.Payload{})
		}
	}
	st.writeNotifyWindow += pageSize
	if st.writeNotifyWindow > s.consumeSize {
		st.writeNotifyWindow = s.consumeSize
	}
}

func (q *QStateStrategy) RecvPreDequeue(s *Socket, target int) {}

// RecvPostDequeue implements spec.md §4.4 Strategy B's rule: a fence
// (approximated here with an atomic compare-and-swap, since Go's memory model makes
// the mutex already held by the caller the actual ordering guarantee),
// then detect "the peer's produce side was full before our dequeue" by
// comparing the dequeued amount to the free space the QP now reports;
// if so mark peer_waiting_write, then emit READ if the
// emptiness/fullness condition holds.
func (q *QStateStrategy) RecvPostDequeue(s *Socket, dequeued int) {
	if dequeued <= 0 {
		return
	}
	st := q.state(s)
	atomic.CompareAndSwapInt32(new(int32), 0, 0) // explicit fence point, see doc comment

	var freeSpace uint64
	if s.qpEP != nil {
		freeSpace = uint64(s.qpEP.ConsumeFreeSpace())
	}
	if freeSpace == uint64(dequeued) {
		st.peerWaitingWrite = true
	}

	limit := uint64(0)
	if s.consumeSize > st.writeNotifyWindow {
		limit = s.consumeSize - st.writeNotifyWindow
	}
	if st.peerWaitingWrite && freeSpace > limit {
		if !suppressNotify(s) {
			s.sendNotifyRetrying(q.Name(), types.TypeRead, types.Payload{})
		}
		st.peerWaitingWrite = false
		s.broadcast()
	}
}

func (q *QStateStrategy) SendInit(s *Socket, target int) {}
func (q *QStateStrategy) SendPreBlock(s *Socket)         {}
func (q *QStateStrategy) SendPreEnqueue(s *Socket, target int) {}

// SendPostEnqueue implements spec.md §4.4 Strategy B's rule: fence,
// then if the QP's ready-bytes count equals what was just written (the
// queue was empty before this enqueue), emit WROTE.
func (q *QStateStrategy) SendPostEnqueue(s *Socket, enqueued int) {
	if enqueued <= 0 {
		return
	}
	atomic.CompareAndSwapInt32(new(int32), 0, 0) // explicit fence point, see RecvPostDequeue
	var ready uint64
	if s.qpEP != nil {
		ready = uint64(s.qpEP.ProduceReadyBytes())
	}
	if ready == uint64(enqueued) && !suppressNotify(s) {
		s.sendNotifyRetrying(q.Name(), types.TypeWrote, types.Payload{})
	}
}

// HandleNotifyPkt: strategy B still needs to wake local waiters on an
// inbound WROTE/READ even though it never requested WAITING_* framing
// itself — a peer running strategy A paired with a local override (or
// a future mixed-version interop path) may still emit them.
func (q *QStateStrategy) HandleNotifyPkt(s *Socket, pkt types.ControlPacket, inBH bool) bool {
	switch pkt.Type {
	case types.TypeWrote, types.TypeRead:
		s.broadcast()
		return true
	}
	return false
}
