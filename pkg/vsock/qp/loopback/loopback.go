// Package loopback implements qp.Allocator/qp.Endpoint entirely
// in-process, backing every test and the cmd/vsockcat demo. It is the
// reference implementation of the "QP substrate" collaborator spec.md
// declares external to the engine (§1): a real implementation would
// talk to a hypervisor device instead of two internal/bytering.Ring
// instances.
package loopback

import (
	"sync"

	"github.com/ovtsys/vsockproto/internal/bytering"
	"github.com/ovtsys/vsockproto/pkg/vsock/qp"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

var _ qp.Allocator = (*Allocator)(nil)
var _ qp.Endpoint = (*endpoint)(nil)

// Allocator pairs up one Alloc call with one matching AttachOnly call
// on the same handle, the way a real substrate's allocate/attach-only
// pair would rendezvous on a shared handle namespace.
type Allocator struct {
	mu      sync.Mutex
	pending map[types.Handle]*pair
}

// NewAllocator creates an empty loopback allocator. One Allocator
// instance models one hypervisor-wide QP namespace; tests typically
// share a single Allocator between the two ends of a connection.
func NewAllocator() *Allocator {
	return &Allocator{pending: make(map[types.Handle]*pair)}
}

type pair struct {
	aToB *bytering.Ring
	bToA *bytering.Ring
	size uint64
}

// Alloc is the client/offering side: it creates the two rings behind a
// fresh handle and returns the "A" endpoint. The matching AttachOnly
// call completes the pair.
func (a *Allocator) Alloc(handle types.Handle, size uint64, local bool) (qp.Endpoint, error) {
	p := &pair{
		aToB: bytering.New(int(size)),
		bToA: bytering.New(int(size)),
		size: size,
	}
	a.mu.Lock()
	a.pending[handle] = p
	a.mu.Unlock()

	return &endpoint{handle: handle, produce: p.aToB, consume: p.bToA}, nil
}

// AttachOnly is the server/accepting side: it looks up the pair a
// prior Alloc registered under handle and returns the "B" endpoint.
func (a *Allocator) AttachOnly(handle types.Handle, size uint64, local bool, trusted bool) (qp.Endpoint, error) {
	a.mu.Lock()
	p, ok := a.pending[handle]
	if ok {
		delete(a.pending, handle)
	}
	a.mu.Unlock()

	if !ok {
		return nil, types.NewError("attach", types.KindInvalid, nil)
	}
	return &endpoint{handle: handle, produce: p.bToA, consume: p.aToB}, nil
}

type endpoint struct {
	handle  types.Handle
	produce *bytering.Ring
	consume *bytering.Ring

	mu       sync.Mutex
	detached bool
}

func (e *endpoint) Enqueue(b []byte) (int, error) {
	return e.produce.Enqueue(b), nil
}

func (e *endpoint) Dequeue(b []byte) (int, error) {
	return e.consume.Dequeue(b), nil
}

func (e *endpoint) ProduceFreeSpace() int {
	return e.produce.FreeSpace()
}

func (e *endpoint) ConsumeReadyBytes() int {
	return e.consume.ReadyBytes()
}

func (e *endpoint) ConsumeFreeSpace() int {
	return e.consume.FreeSpace()
}

func (e *endpoint) ProduceReadyBytes() int {
	return e.produce.ReadyBytes()
}

func (e *endpoint) Handle() types.Handle {
	return e.handle
}

func (e *endpoint) Detach() {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	e.detached = true
	e.mu.Unlock()
	e.produce.Broadcast()
	e.consume.Broadcast()
}
