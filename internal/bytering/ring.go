// Package bytering implements a small fixed-capacity byte ring guarded
// by a condition variable, the substrate the loopback QP pair is built
// on. It stands in for the kernel-mediated queue-pair ring spec.md
// places out of scope: real ring allocation/attach/detach is a job for
// a hypervisor device driver, never implemented here.
package bytering

import "sync"

// Ring is a fixed-capacity circular byte buffer safe for one writer
// and one reader goroutine (plus concurrent space/fullness queries
// from any goroutine).
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	head int
	size int // number of valid bytes currently buffered
}

// New creates a Ring with the given fixed capacity.
func New(capacity int) *Ring {
	r := &Ring{buf: make([]byte, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Cap reports the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// FreeSpace reports how many bytes can currently be enqueued.
func (r *Ring) FreeSpace() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.size
}

// ReadyBytes reports how many bytes are currently available to
// dequeue.
func (r *Ring) ReadyBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Enqueue copies as many bytes of b as fit into free space, returning
// the count written. It never blocks: callers needing WAITING_WRITE /
// WROTE semantics implement that at the NotifyStrategy layer above.
func (r *Ring) Enqueue(b []byte) int {
	r.mu.Lock()
	defer func() {
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	free := len(r.buf) - r.size
	n := len(b)
	if n > free {
		n = free
	}
	tail := (r.head + r.size) % len(r.buf)
	for i := 0; i < n; i++ {
		r.buf[(tail+i)%len(r.buf)] = b[i]
	}
	r.size += n
	return n
}

// Dequeue copies up to len(b) ready bytes out of the ring, returning
// the count read. It never blocks.
func (r *Ring) Dequeue(b []byte) int {
	r.mu.Lock()
	defer func() {
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	n := len(b)
	if n > r.size {
		n = r.size
	}
	for i := 0; i < n; i++ {
		b[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return n
}

// WaitFreeSpace blocks until the ring has at least one free byte, or
// closed is signalled.
func (r *Ring) WaitFreeSpace(closed func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf)-r.size == 0 && !closed() {
		r.cond.Wait()
	}
}

// WaitReady blocks until the ring has at least one ready byte, or
// closed is signalled.
func (r *Ring) WaitReady(closed func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.size == 0 && !closed() {
		r.cond.Wait()
	}
}

// Broadcast wakes every goroutine blocked in WaitFreeSpace/WaitReady,
// used when the peer side detaches so waiters can observe closed().
func (r *Ring) Broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cond.Broadcast()
}
