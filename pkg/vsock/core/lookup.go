package core

import (
	"sync"

	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// unboundBucket is the slot bound[] uses for sockets that have not
// completed a bind yet, spec.md §3's "bound[UNBOUND_BUCKET]".
const unboundBucket = -1

const boundBuckets = 64

func boundHash(port uint32) int {
	if port == types.PortAny {
		return unboundBucket
	}
	return int(port % boundBuckets)
}

func connectedHash(src types.Addr, dst types.Addr) uint64 {
	return uint64(src.CID) ^ uint64(dst.Port)
}

const connectedBuckets = 64

// LookupTables is the process-wide (in this engine, per-Dispatcher)
// set of bound/connected sockets plus every listener's pending and
// accept lists, all guarded by one coarse lock acquired in a
// bottom-half-safe way: no call here ever blocks or takes the socket
// lock while holding this one, satisfying the lock-order rule in
// spec.md §5 (tables lock first, then socket lock, never both held
// together in the other order).
type LookupTables struct {
	mu sync.Mutex

	bound     map[int][]*Socket
	connected map[uint64][]*Socket

	autobindCounter uint32

	metrics *definition.Metrics
}

// NewLookupTables creates an empty table set.
func NewLookupTables() *LookupTables {
	return &LookupTables{
		bound:     make(map[int][]*Socket),
		connected: make(map[uint64][]*Socket),
	}
}

// SetMetrics assigns the Metrics instance AddPending/RemovePending/
// EnqueueAccept update with each listener's current pending-queue
// depth (SPEC_FULL.md §4.9's vsock_pending_queue_depth gauge). A nil
// metrics (the default) makes every report a no-op.
func (t *LookupTables) SetMetrics(metrics *definition.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = metrics
}

// reportPendingDepth updates the gauge for listener, called with t.mu
// already held so the reported depth matches the mutation that just
// happened.
func (t *LookupTables) reportPendingDepth(listener *Socket) {
	t.metrics.SetPendingDepth(listener.local.String(), len(listener.pending))
}

// InsertBound adds s to the bound table under its current local port,
// incrementing its reference count.
func (t *LookupTables) InsertBound(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := boundHash(s.local.Port)
	t.bound[bucket] = append(t.bound[bucket], s)
	s.refs.Add(1)
}

// RemoveBound removes s from the bound table, decrementing its
// reference count. A no-op if s isn't present.
func (t *LookupTables) RemoveBound(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := boundHash(s.local.Port)
	if removeSocket(t.bound, bucket, s) {
		s.refs.Add(-1)
	}
}

// FindBound looks up a socket bound at addr (matching on local port
// only, as spec.md §4.7 step 4 requires for the bound-table fallback
// lookup), incrementing its reference count on a hit. The caller drops
// the reference when done.
func (t *LookupTables) FindBound(addr types.Addr) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := boundHash(addr.Port)
	for _, s := range t.bound[bucket] {
		if s.local.Port == addr.Port {
			s.refs.Add(1)
			return s
		}
	}
	return nil
}

// PortInUse reports whether some socket is already bound to port,
// the check autobind and explicit bind both need.
func (t *LookupTables) PortInUse(port uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := boundHash(port)
	for _, s := range t.bound[bucket] {
		if s.local.Port == port {
			return true
		}
	}
	return false
}

// InsertConnected adds s to the connected table keyed on its current
// (local, remote) tuple, incrementing its reference count.
func (t *LookupTables) InsertConnected(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := connectedHash(s.local, s.remote) % connectedBuckets
	t.connected[bucket] = append(t.connected[bucket], s)
	s.refs.Add(1)
}

// RemoveConnected removes s from the connected table.
func (t *LookupTables) RemoveConnected(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := connectedHash(s.local, s.remote) % connectedBuckets
	list := t.connected[bucket]
	for i, cand := range list {
		if cand == s {
			t.connected[bucket] = append(list[:i], list[i+1:]...)
			s.refs.Add(-1)
			break
		}
	}
}

// FindConnected looks up the socket with the full (src, dst) tuple
// spec.md §4.7 step 4 requires as the dispatcher's first lookup,
// incrementing its reference count on a hit.
func (t *LookupTables) FindConnected(src, dst types.Addr) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := connectedHash(dst, src) % connectedBuckets
	for _, s := range t.connected[bucket] {
		if s.local.Equals(dst) && s.remote.Equals(src) {
			s.refs.Add(1)
			return s
		}
	}
	return nil
}

// AddPending appends child to listener's pending list, setting the
// child's non-owning listener back-pointer (spec.md §3 Ownership,
// §9's cycle-hazard note).
func (t *LookupTables) AddPending(listener, child *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	listener.pending = append(listener.pending, child)
	child.listener = listener
	child.refs.Add(1)
	t.reportPendingDepth(listener)
}

// RemovePending removes child from listener's pending list and clears
// its listener back-pointer, the invariant spec.md §9 calls out:
// "cleared when the child is dequeued from the listener's lists".
func (t *LookupTables) RemovePending(listener, child *Socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range listener.pending {
		if s == child {
			listener.pending = append(listener.pending[:i], listener.pending[i+1:]...)
			child.listener = nil
			child.refs.Add(-1)
			t.reportPendingDepth(listener)
			return true
		}
	}
	return false
}

// EnqueueAccept moves child from listener's pending list (if present)
// onto its accept queue. The listener back-pointer is preserved across
// the move, per spec.md §8's invariant.
func (t *LookupTables) EnqueueAccept(listener, child *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range listener.pending {
		if s == child {
			listener.pending = append(listener.pending[:i], listener.pending[i+1:]...)
			break
		}
	}
	listener.acceptQueue = append(listener.acceptQueue, child)
	t.reportPendingDepth(listener)
}

// DequeueAccept pops the oldest ready child off listener's accept
// queue, clearing its listener back-pointer (ownership transfers to
// the accept caller, spec.md §3 Ownership).
func (t *LookupTables) DequeueAccept(listener *Socket) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(listener.acceptQueue) == 0 {
		return nil
	}
	child := listener.acceptQueue[0]
	listener.acceptQueue = listener.acceptQueue[1:]
	child.listener = nil
	child.refs.Add(-1)
	return child
}

// RemoveAccept drops child from listener's accept queue without
// handing it to a caller (used when the listener itself is closing).
func (t *LookupTables) RemoveAccept(listener, child *Socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range listener.acceptQueue {
		if s == child {
			listener.acceptQueue = append(listener.acceptQueue[:i], listener.acceptQueue[i+1:]...)
			child.listener = nil
			child.refs.Add(-1)
			return true
		}
	}
	return false
}

// DrainPending clears and returns listener's entire pending list,
// clearing each child's listener back-pointer and dropping the
// reference that membership held — used by Socket.close()'s "release
// listener pending children recursively" step (spec.md §4.5).
func (t *LookupTables) DrainPending(listener *Socket) []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	drained := listener.pending
	listener.pending = nil
	for _, child := range drained {
		child.listener = nil
		child.refs.Add(-1)
	}
	t.reportPendingDepth(listener)
	return drained
}

// AcceptQueueLen reports the number of ready children awaiting accept,
// used by poll() for POLLIN on a listening socket.
func (t *LookupTables) AcceptQueueLen(listener *Socket) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(listener.acceptQueue)
}

// PendingLen reports the number of children still mid-handshake.
func (t *LookupTables) PendingLen(listener *Socket) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(listener.pending)
}

// Autobind picks an unused, unprivileged port starting from a rolling
// counter, per spec.md §4.3: up to MaxPortRetries attempts, skipping
// privileged ports and ports already bound.
func (t *LookupTables) Autobind() (uint32, error) {
	t.mu.Lock()
	counter := t.autobindCounter
	if counter < types.AutobindStart {
		counter = types.AutobindStart
	}
	t.mu.Unlock()

	for attempt := 0; attempt < types.MaxPortRetries; attempt++ {
		port := counter
		counter++

		if port <= uint32(types.MaxReservedPort) {
			continue
		}
		if t.PortInUse(port) {
			continue
		}

		t.mu.Lock()
		t.autobindCounter = counter
		t.mu.Unlock()
		return port, nil
	}

	t.mu.Lock()
	t.autobindCounter = counter
	t.mu.Unlock()
	return 0, types.NewError("bind", types.KindAddrNotAvailable, nil)
}

func removeSocket(table map[int][]*Socket, bucket int, s *Socket) bool {
	list := table[bucket]
	for i, cand := range list {
		if cand == s {
			table[bucket] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}
