package core

import (
	"testing"
	"time"

	"github.com/ovtsys/vsockproto/pkg/vsock/qp/loopback"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

func newListener(backlog int) *Socket {
	s := NewSocket(0, true, nil, nil)
	s.local = types.Addr{CID: types.CIDHost, Port: 1024}
	s.state = StateListen
	s.maxAccept = backlog
	return s
}

func TestHandleListen_LegacyRequestPicksPacketStrategy(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	listener := newListener(4)
	clientAddr := types.Addr{CID: 3, Port: 50000}
	req := types.NewPacket(clientAddr, listener.local, types.TypeRequest, types.Payload{Size: types.DefaultBufferSize})

	sm.handleListen(listener, req)

	if got := tables.PendingLen(listener); got != 1 {
		t.Fatalf("PendingLen = %d, want 1", got)
	}
	if transport.last() != types.TypeNegotiate {
		t.Fatalf("expected NEGOTIATE reply, got %v", transport.last())
	}
	child := listener.pending[0]
	if child.notify != sm.packetStrategy {
		t.Fatal("legacy REQUEST must select the packet-based strategy")
	}
}

func TestHandleListen_Request2SelectsQStateStrategy(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	listener := newListener(4)
	clientAddr := types.Addr{CID: 3, Port: 50000}
	req := types.NewPacket(clientAddr, listener.local, types.TypeRequest2, types.Payload{Size: types.DefaultBufferSize})
	req.Proto = uint16(types.StrategyQueueState)

	sm.handleListen(listener, req)

	if transport.last() != types.TypeNegotiate2 {
		t.Fatalf("expected NEGOTIATE2 reply, got %v", transport.last())
	}
	child := listener.pending[0]
	if child.notify != sm.qstateStrategy {
		t.Fatal("REQUEST2 advertising StrategyQueueState must select the queue-state strategy")
	}
}

func TestHandleListen_BacklogFullRepliesRST(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	listener := newListener(0)
	req := types.NewPacket(types.Addr{CID: 3, Port: 50000}, listener.local, types.TypeRequest, types.Payload{Size: types.DefaultBufferSize})

	sm.handleListen(listener, req)

	if transport.last() != types.TypeRST {
		t.Fatalf("expected RST when backlog is full, got %v", transport.last())
	}
	if got := tables.PendingLen(listener); got != 0 {
		t.Fatalf("PendingLen = %d, want 0", got)
	}
}

// TestHandshake_FullServerSide walks the happy-path server side of the
// handshake end-to-end: LISTEN -> REQUEST2 -> OFFER -> ATTACH sent,
// child moved onto the accept queue.
func TestHandshake_FullServerSide(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	alloc := loopback.NewAllocator()
	sm := NewStateMachine(tables, transport, alloc, nil, nil)

	listener := newListener(4)
	clientAddr := types.Addr{CID: 3, Port: 50000}
	req := types.NewPacket(clientAddr, listener.local, types.TypeRequest2, types.Payload{Size: types.DefaultBufferSize})
	req.Proto = uint16(types.StrategyQueueState)
	sm.handleListen(listener, req)

	child := listener.pending[0]
	handle := types.Handle{CID: clientAddr.CID, RID: StreamControlRID}
	if _, err := alloc.Alloc(handle, child.consumeSize, true); err != nil {
		t.Fatalf("client-side alloc: %v", err)
	}

	offer := types.NewPacket(child.remote, child.local, types.TypeOffer, types.Payload{Handle: handle})
	sm.handleConnectingServer(child, offer)

	if child.state != StateConnected {
		t.Fatalf("child state = %v, want CONNECTED", child.state)
	}
	if transport.last() != types.TypeAttach {
		t.Fatalf("expected ATTACH reply, got %v", transport.last())
	}
	if got := tables.AcceptQueueLen(listener); got != 1 {
		t.Fatalf("AcceptQueueLen = %d, want 1", got)
	}
	if got := tables.PendingLen(listener); got != 0 {
		t.Fatalf("PendingLen = %d, want 0 once accepted", got)
	}
}

func TestHandleConnectingServer_InvalidHandleRepliesRST(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	listener := newListener(4)
	child := NewSocket(0, true, nil, nil)
	child.state = StateConnecting
	tables.AddPending(listener, child)

	offer := types.NewPacket(child.remote, child.local, types.TypeOffer, types.Payload{Handle: types.InvalidHandle})
	sm.handleConnectingServer(child, offer)

	if transport.last() != types.TypeRST {
		t.Fatalf("expected RST on invalid handle, got %v", transport.last())
	}
	if tables.PendingLen(listener) != 0 {
		t.Fatal("invalid OFFER must drop the child from pending")
	}
}

func TestHandleConnectingClient_NegotiateThenOffer(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	alloc := loopback.NewAllocator()
	sm := NewStateMachine(tables, transport, alloc, nil, nil)

	client := NewSocket(0, true, nil, nil)
	client.local = types.Addr{CID: 3, Port: 50000}
	client.remote = types.Addr{CID: types.CIDHost, Port: 1024}
	client.state = StateConnecting
	client.window = types.DefaultWindowConfig()

	negotiate := types.NewPacket(client.remote, client.local, types.TypeNegotiate2, types.Payload{Size: types.DefaultBufferSize})
	negotiate.Proto = uint16(types.StrategyQueueState)

	sm.handleConnectingClient(client, negotiate)

	if client.notify != sm.qstateStrategy {
		t.Fatal("NEGOTIATE2 advertising StrategyQueueState must select the queue-state strategy")
	}
	if transport.last() != types.TypeOffer {
		t.Fatalf("expected OFFER after NEGOTIATE2, got %v", transport.last())
	}
	if client.qpEP == nil {
		t.Fatal("client must have allocated a QP endpoint after NEGOTIATE2")
	}

	attach := types.NewPacket(client.remote, client.local, types.TypeAttach, types.Payload{Handle: client.handle})
	sm.handleConnectingClient(client, attach)

	if client.state != StateConnected {
		t.Fatalf("client state = %v, want CONNECTED", client.state)
	}
}

func TestHandleConnectingClient_SizeOutOfRangeRefusesConnect(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	client := NewSocket(0, true, nil, nil)
	client.state = StateConnecting
	client.window = types.DefaultWindowConfig()

	negotiate := types.NewPacket(types.Addr{CID: 2, Port: 1024}, client.local, types.TypeNegotiate, types.Payload{Size: 1})
	sm.handleConnectingClient(client, negotiate)

	if client.state != StateUnconnected {
		t.Fatalf("client state = %v, want UNCONNECTED", client.state)
	}
	if kind, ok := types.KindOf(client.Err()); !ok || kind != types.KindConnRefused {
		t.Fatalf("expected KindConnRefused, got %v", client.Err())
	}
}

func TestHandleConnectingClient_RSTResetsConnection(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	client := NewSocket(0, true, nil, nil)
	client.state = StateConnecting

	rst := types.NewPacket(types.Addr{CID: 2, Port: 1024}, client.local, types.TypeRST, types.Payload{})
	sm.handleConnectingClient(client, rst)

	if client.state != StateUnconnected {
		t.Fatalf("client state = %v, want UNCONNECTED", client.state)
	}
	if kind, ok := types.KindOf(client.Err()); !ok || kind != types.KindConnReset {
		t.Fatalf("expected KindConnReset, got %v", client.Err())
	}
}

func TestHandleConnectingClient_InvalidFallsBackToLegacyOnce(t *testing.T) {
	tables := NewLookupTables()
	transport := &fakeTransport{}
	sm := NewStateMachine(tables, transport, loopback.NewAllocator(), nil, nil)

	client := NewSocket(0, true, nil, nil)
	client.state = StateConnecting
	client.window = types.DefaultWindowConfig()

	invalid := types.NewPacket(types.Addr{CID: 2, Port: 1024}, client.local, types.TypeInvalid, types.Payload{})
	sm.handleConnectingClient(client, invalid)

	if !client.ignoreNextRST {
		t.Fatal("first INVALID must set ignoreNextRST and retry with legacy REQUEST")
	}
	if transport.last() != types.TypeRequest {
		t.Fatalf("expected a legacy REQUEST resend, got %v", transport.last())
	}

	sm.handleConnectingClient(client, invalid)
	if client.state != StateUnconnected {
		t.Fatal("a second INVALID after the legacy retry must fail the connect")
	}
}

func TestHandleConnected_ShutdownMarksPeerHalfClosed(t *testing.T) {
	a, _, _, _ := newConnectedPair(t, 4096)
	tables := NewLookupTables()
	sm := NewStateMachine(tables, &fakeTransport{}, loopback.NewAllocator(), nil, nil)

	shutdown := types.NewPacket(a.remote, a.local, types.TypeShutdown, types.Payload{Mode: types.ShutdownSEND})
	sm.handleConnected(a, shutdown)

	if a.PeerShutdown()&types.ShutdownSEND == 0 {
		t.Fatal("SHUTDOWN must mark the peer-shutdown bit")
	}
}

func TestHandleConnected_RSTWithEmptyQueueDisconnects(t *testing.T) {
	a, _, _, _ := newConnectedPair(t, 4096)
	tables := NewLookupTables()
	sm := NewStateMachine(tables, &fakeTransport{}, loopback.NewAllocator(), nil, nil)

	rst := types.NewPacket(a.remote, a.local, types.TypeRST, types.Payload{})
	sm.handleConnected(a, rst)

	if !a.SockDone() {
		t.Fatal("RST must set sockDone")
	}
	if a.state != StateDisconnecting {
		t.Fatalf("state = %v, want DISCONNECTING with an empty queue", a.state)
	}
}

func TestPendingCleanup_DropsUnacceptedChildAfterDelay(t *testing.T) {
	tables := NewLookupTables()
	sm := NewStateMachine(tables, &fakeTransport{}, loopback.NewAllocator(), nil, nil)

	listener := newListener(4)
	child := NewSocket(0, true, nil, nil)
	child.state = StateConnecting
	tables.AddPending(listener, child)

	sm.schedulePendingCleanup(listener, child)
	time.Sleep(types.PendingCleanupDelay + 200*time.Millisecond)

	if tables.PendingLen(listener) != 0 {
		t.Fatal("expected the pending child to be reaped once its cleanup timer fired")
	}
}
