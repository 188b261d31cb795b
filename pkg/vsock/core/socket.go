package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/qp"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// State is the connection FSM state, spec.md §4.6.
type State int

const (
	StateFree State = iota
	StateUnconnected
	StateListen
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateUnconnected:
		return "UNCONNECTED"
	case StateListen:
		return "LISTEN"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Owner captures the capability/identity bits a socket inherits at
// creation and carries immutably thereafter (spec.md §3 Socket table).
type Owner struct {
	UID       uint32
	Trusted   bool
	CreatedAt time.Time
}

// Socket is one endpoint record: everything spec.md §3's Socket table
// names, plus the plumbing (lock, wakeup channels, reference count)
// needed to implement it in Go. One Socket backs both a listener and
// every pending/connected child. StateMachine mutates State for
// inbound-packet transitions and the pkg/vsock facade does so for local
// API calls through the setters below; NotifyStrategy owns the
// notify-strategy scoped fields.
type Socket struct {
	mu sync.Mutex

	local  types.Addr
	remote types.Addr

	state State
	err   error

	// notifyMu guards done independently of mu: waking a listener from
	// inside a pending child's work item (EnqueueAccept) must not
	// require acquiring the listener's main lock out of order (spec.md
	// §5's lock hierarchy puts the listener lock above the child lock).
	// A waiter's done channel is a leaf-level wakeup primitive, not part
	// of that hierarchy, so it gets its own mutex.
	notifyMu sync.Mutex

	// done is closed (once) whenever state changes or a shutdown/error
	// condition is set, so blocked send/recv/accept/connect callers
	// wake up to re-check their condition. Replaced with a fresh
	// channel each time a waiter needs to be issued a new one — see
	// Socket.waitChan / Socket.broadcast.
	done chan struct{}

	listener    *Socket // non-owning; cleared whenever removed from pending/acceptQueue
	pending     []*Socket
	acceptQueue []*Socket
	maxAccept   int

	handle types.Handle
	qpEP   qp.Endpoint

	produceSize uint64
	consumeSize uint64
	window      types.WindowConfig

	peerShutdown  uint64
	localShutdown uint64
	sockDone      bool
	ignoreNextRST bool

	owner Owner

	connectTimeout time.Duration
	connectTimer   *time.Timer
	cleanupTimer   *time.Timer

	notify    NotifyStrategy
	transport PacketTransport

	refs atomic.Int32

	// id is a process-wide monotonic identity, assigned once at creation.
	// Its only consumer is Dispatcher's work-queue sharding (PoolInvoker
	// keys on it to keep one socket's packets on a single worker's
	// ordered queue) — never compared for anything FSM-meaningful.
	id uint64

	logger  definition.Logger
	metrics *definition.Metrics

	// stats are observability-only counters, never consulted by FSM
	// logic (SPEC_FULL.md §3's recovered Socket.Stats() feature).
	stats Stats
}

var socketIDCounter atomic.Uint64

// ID returns this socket's process-wide identity, stable for its
// lifetime.
func (s *Socket) ID() uint64 { return s.id }

// Stats are cumulative, observability-only counters recovered from the
// original's stats.c/stats.h and dropped from spec.md's distillation.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	NotifyRetries uint64
}

// NewSocket creates a fresh, unbound socket owned by uid with the
// given trust bit, using types.DefaultWindowConfig and
// types.DefaultConnectTimeout for defaults.
func NewSocket(uid uint32, trusted bool, logger definition.Logger, metrics *definition.Metrics) *Socket {
	s := &Socket{
		id:             socketIDCounter.Add(1),
		state:          StateUnconnected,
		local:          types.Addr{CID: types.CIDAny, Port: types.PortAny},
		remote:         types.Addr{CID: types.CIDAny, Port: types.PortAny},
		window:         types.DefaultWindowConfig(),
		connectTimeout: types.DefaultConnectTimeout,
		owner:          Owner{UID: uid, Trusted: trusted, CreatedAt: time.Now()},
		done:           make(chan struct{}),
		logger:         logger,
		metrics:        metrics,
	}
	return s
}

// Lock/Unlock expose the socket lock to StateMachine/Dispatcher, which
// need to hold it across several field mutations plus a notify-strategy
// call — spec.md §5's "child socket lock" / "listener socket lock"
// level of the hierarchy.
func (s *Socket) Lock()   { s.mu.Lock() }
func (s *Socket) Unlock() { s.mu.Unlock() }

// State returns the current FSM state. Caller must hold the lock for a
// consistent read in the presence of concurrent transitions, matching
// every other direct field access pattern in this file.
func (s *Socket) State() State { return s.state }

func (s *Socket) Local() types.Addr  { return s.local }
func (s *Socket) Remote() types.Addr { return s.remote }

func (s *Socket) Err() error { return s.err }

func (s *Socket) SetErr(err error) { s.err = err }

// Ref increments the reference count; Unref decrements it and reports
// whether it reached zero (the caller is then responsible for
// finalizing destruction: detaching the QP and unsubscribing from
// attach/detach events, per spec.md §3 Lifecycle summary).
func (s *Socket) Ref()        { s.refs.Add(1) }
func (s *Socket) Unref() bool { return s.refs.Add(-1) == 0 }

// RefCount reports the current reference count, for tests asserting
// the "last reference drop triggers destruction" invariant.
func (s *Socket) RefCount() int32 { return s.refs.Load() }

// broadcast wakes every goroutine blocked in waitChan, by swapping in a
// fresh channel after closing the old one. Safe to call regardless of
// which other lock, if any, the caller holds — see notifyMu's doc.
func (s *Socket) broadcast() {
	s.notifyMu.Lock()
	close(s.done)
	s.done = make(chan struct{})
	s.notifyMu.Unlock()
}

// waitChan returns the channel to select on to be woken by the next
// broadcast. The caller typically reads this while holding s.mu, then
// releases it before selecting on the returned channel.
func (s *Socket) waitChan() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.done
}

// PeerShutdown / LocalShutdown report the monotonic shutdown bitmasks
// from spec.md §3's peer_shutdown field and the socket's own mask.
func (s *Socket) PeerShutdown() uint64  { return s.peerShutdown }
func (s *Socket) LocalShutdown() uint64 { return s.localShutdown }

// MarkPeerShutdown ORs mode into peer_shutdown. Monotonic: bits are
// only ever added, per spec.md §8's invariant.
func (s *Socket) MarkPeerShutdown(mode uint64) {
	s.peerShutdown |= mode
}

func (s *Socket) MarkLocalShutdown(mode uint64) {
	s.localShutdown |= mode
}

func (s *Socket) SockDone() bool     { return s.sockDone }
func (s *Socket) SetSockDone(v bool) { s.sockDone = v }

// QP returns the attached queue-pair endpoint, or nil before
// CONNECTED/after detach.
func (s *Socket) QP() qp.Endpoint { return s.qpEP }

func (s *Socket) Window() types.WindowConfig { return s.window }

// ConsumeSize reports the negotiated size of the ring this socket
// dequeues from. recv() targets at or above this size can never be
// satisfied by a single dequeue (af_vsock.c's VSockVmciRecvBhUnlock
// EMSGSIZE case, spec.md §7: "recv with target ≥ consume_size -> NoMem").
func (s *Socket) ConsumeSize() uint64 { return s.consumeSize }

func (s *Socket) Owner() Owner { return s.owner }

func (s *Socket) Stats() Stats { return s.stats }

// AddBytesSent/AddBytesReceived accumulate the observability-only byte
// counters, called by pkg/vsock's Conn.Write/Read after a successful
// Enqueue/Dequeue while the socket lock is already held.
func (s *Socket) AddBytesSent(n int)     { s.stats.BytesSent += uint64(n) }
func (s *Socket) AddBytesReceived(n int) { s.stats.BytesReceived += uint64(n) }

// The setters below back the API-surface operations of spec.md §4.5
// (bind/listen/connect), which — unlike the inbound-packet transitions
// in §4.6 — are Socket-level ops that the pkg/vsock facade drives
// directly under the socket lock rather than through StateMachine.

func (s *Socket) SetLocal(addr types.Addr)   { s.local = addr }
func (s *Socket) SetRemote(addr types.Addr)  { s.remote = addr }
func (s *Socket) SetState(st State)          { s.state = st }
func (s *Socket) SetMaxAccept(n int)         { s.maxAccept = n }
func (s *Socket) SetTransport(t PacketTransport) { s.transport = t }
func (s *Socket) SetConnectTimeout(d time.Duration) { s.connectTimeout = d }
func (s *Socket) SetNotify(n NotifyStrategy) { s.notify = n }
func (s *Socket) SetHandle(h types.Handle)   { s.handle = h }
func (s *Socket) Handle() types.Handle       { return s.handle }
func (s *Socket) SetWindow(w types.WindowConfig) { s.window = w }
func (s *Socket) IgnoreNextRST() bool        { return s.ignoreNextRST }
func (s *Socket) SetIgnoreNextRST(v bool)    { s.ignoreNextRST = v }
func (s *Socket) MaxAccept() int             { return s.maxAccept }

// WaitChan exposes waitChan to the pkg/vsock facade's blocking
// operations (send/recv/accept/connect suspension points, spec.md §5).
func (s *Socket) WaitChan() <-chan struct{} { return s.waitChan() }

// Notify returns the negotiated NotifyStrategy, or nil before
// handshake completes.
func (s *Socket) Notify() NotifyStrategy { return s.notify }

// Broadcast exposes broadcast to the pkg/vsock facade, for local
// API-driven state changes (bind/listen/close) that need to wake
// blocked waiters the same way an inbound-packet transition does.
func (s *Socket) Broadcast() { s.broadcast() }

// sendNotifyRetrying implements the "retry up to 10 times on transient
// failure, then log and swallow" policy spec.md §5/§9 describes for
// WROTE/READ/WAITING_* emissions. Correctness is unaffected by a
// swallowed failure: the peer will eventually emit its own WAITING_*
// or hit its connect/recv timeout.
func (s *Socket) sendNotifyRetrying(strategyName string, typ types.PacketType, payload types.Payload) {
	if s.transport == nil {
		return
	}
	var err error
	for attempt := 0; attempt < maxNotifyRetries; attempt++ {
		if err = s.transport.SendControl(s, typ, payload); err == nil {
			return
		}
		s.stats.NotifyRetries++
		if s.metrics != nil {
			s.metrics.NotifyRetry(strategyName)
		}
	}
	if s.logger != nil {
		s.logger.Warnf("giving up sending %s to %s after %d attempts: %v", typ, s.remote, maxNotifyRetries, err)
	}
}
