// Package qp defines the interface the connection state machine uses
// to talk to the queue-pair substrate, and nothing else: spec.md §1
// places ring allocation, attach/detach, enqueue/dequeue and event
// subscription for the real substrate out of scope. Package
// qp/loopback supplies an in-process implementation so the rest of
// the engine can be exercised without a hypervisor.
package qp

import "github.com/ovtsys/vsockproto/pkg/vsock/types"

// Endpoint is one side of an attached queue pair: a per-direction byte
// ring plus the bookkeeping the notify strategies need.
type Endpoint interface {
	// Enqueue writes as many bytes of b as fit, returning the count
	// written. Never blocks.
	Enqueue(b []byte) (int, error)

	// Dequeue reads up to len(b) ready bytes, returning the count
	// read. Never blocks.
	Dequeue(b []byte) (int, error)

	// ProduceFreeSpace reports free space in the direction this
	// endpoint produces into.
	ProduceFreeSpace() int

	// ConsumeReadyBytes reports ready bytes in the direction this
	// endpoint consumes from.
	ConsumeReadyBytes() int

	// ConsumeFreeSpace reports free space in the direction this
	// endpoint consumes from — the same ring the peer produces into,
	// so a notify strategy checks this (not ProduceFreeSpace) to learn
	// whether the peer's blocked writer can now proceed.
	ConsumeFreeSpace() int

	// ProduceReadyBytes reports ready bytes in the direction this
	// endpoint produces into — the same ring the peer consumes from,
	// so a notify strategy checks this (not ConsumeReadyBytes) to learn
	// whether the peer's blocked reader can now proceed.
	ProduceReadyBytes() int

	// Handle identifies this endpoint's side of the pair.
	Handle() types.Handle

	// Detach releases the queue pair. Idempotent.
	Detach()
}

// Allocator allocates and attaches queue pairs, standing in for the
// substrate's VMCIQPair_Alloc / attach-only-mode entry points named in
// spec.md §4.6.
type Allocator interface {
	// Alloc allocates a fresh queue pair of the given size for a
	// handle the caller has already reserved (the client/offering
	// side of the handshake).
	Alloc(handle types.Handle, size uint64, local bool) (Endpoint, error)

	// AttachOnly attaches to a queue pair a peer has already
	// allocated (the server/accepting side, after OFFER).
	AttachOnly(handle types.Handle, size uint64, local bool, trusted bool) (Endpoint, error)
}
