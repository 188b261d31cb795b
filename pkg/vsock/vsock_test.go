package vsock

import (
	"context"
	"testing"
	"time"

	"github.com/ovtsys/vsockproto/pkg/vsock/qp/loopback"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
	"go.uber.org/goleak"
)

const testCID = 3

func newTestPair(t *testing.T) (client, server *Engine) {
	t.Helper()
	alloc := loopback.NewAllocator()
	client = NewEngine(testCID, alloc, nil, nil, nil)
	server = NewEngine(types.CIDHost, alloc, nil, nil, nil)
	WireLoopback(client, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestHandshake_HappyPath(t *testing.T) {
	// Registered before newTestPair's cleanup so it runs after both
	// engines have stopped their worker pools.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	client, server := newTestPair(t)
	addr := types.Addr{CID: types.CIDAny, Port: 9000}

	ln, err := server.Listen(addr, 4, 0, true)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		acceptCh <- c
	}()

	dialAddr := types.Addr{CID: types.CIDHost, Port: ln.Addr().Port}
	clientConn, err := client.Dial(ctx, dialAddr, 0, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-acceptCh:
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer serverConn.Close()

	msg := []byte("hello vsock")
	n, err := clientConn.Write(ctx, msg)
	if err != nil || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	buf := make([]byte, len(msg))
	n, err = serverConn.Read(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}

	if got := clientConn.Stats().BytesSent; got != uint64(len(msg)) {
		t.Fatalf("client BytesSent = %d, want %d", got, len(msg))
	}
	if got := serverConn.Stats().BytesReceived; got != uint64(n) {
		t.Fatalf("server BytesReceived = %d, want %d", got, n)
	}
}

func TestConn_RecvTargetAtOrAboveConsumeSizeRefusesWithNoMem(t *testing.T) {
	client, server := newTestPair(t)
	addr := types.Addr{CID: types.CIDAny, Port: 9010}

	ln, err := server.Listen(addr, 4, 0, true)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept(ctx)
		acceptCh <- c
	}()

	dialAddr := types.Addr{CID: types.CIDHost, Port: ln.Addr().Port}
	clientConn, err := client.Dial(ctx, dialAddr, 0, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	serverConn := <-acceptCh
	defer serverConn.Close()

	buf := make([]byte, serverConn.Window().CfgSize)
	if _, err := serverConn.Read(ctx, buf); err == nil {
		t.Fatal("expected an error reading with a target >= consume_size")
	} else if kind, ok := types.KindOf(err); !ok || kind != types.KindNoMem {
		t.Fatalf("expected KindNoMem, got %v", err)
	}
}

func TestConn_BufferSizeOptionsKeepMinCfgMaxOrdered(t *testing.T) {
	client, server := newTestPair(t)
	addr := types.Addr{CID: types.CIDAny, Port: 9011}

	ln, err := server.Listen(addr, 4, 0, true)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept(ctx)
		acceptCh <- c
	}()

	dialAddr := types.Addr{CID: types.CIDHost, Port: ln.Addr().Port}
	clientConn, err := client.Dial(ctx, dialAddr, 0, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	serverConn := <-acceptCh
	defer serverConn.Close()

	clientConn.SetMinSize(512)
	if got := clientConn.Window().Min; got != 512 {
		t.Fatalf("Min = %d, want 512", got)
	}

	clientConn.SetMaxSize(1024)
	if got := clientConn.Window().Max; got != 1024 {
		t.Fatalf("Max = %d, want 1024", got)
	}

	clientConn.SetBufferSize(2048)
	w := clientConn.Window()
	if w.CfgSize != 2048 {
		t.Fatalf("CfgSize = %d, want 2048", w.CfgSize)
	}
	if w.Max < 2048 {
		t.Fatalf("Max = %d, want widened to at least 2048", w.Max)
	}
}

func TestDial_RejectsReservedDestinationCIDs(t *testing.T) {
	client, _ := newTestPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, cid := range []uint32{types.CIDHypervisor, types.CIDWellKnown} {
		_, err := client.Dial(ctx, types.Addr{CID: cid, Port: 9020}, 0, true)
		if err == nil {
			t.Fatalf("expected dial to cid=%d to be rejected", cid)
		}
		if kind, ok := types.KindOf(err); !ok || kind != types.KindNetUnreach {
			t.Fatalf("cid=%d: expected KindNetUnreach, got %v", cid, err)
		}
	}
}

func TestEngine_ConfigOverridesStrategyAndWindow(t *testing.T) {
	alloc := loopback.NewAllocator()

	cfg := types.DefaultConfig()
	cfg.Strategy = types.StrategyPacketBased
	cfg.Window.CfgSize = 4096
	cfg.Window.Min = 1024
	cfg.Window.Max = 8192

	client := NewEngine(testCID, alloc, &cfg, nil, nil)
	server := NewEngine(types.CIDHost, alloc, &cfg, nil, nil)
	WireLoopback(client, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	addr := types.Addr{CID: types.CIDAny, Port: 9040}
	ln, err := server.Listen(addr, 4, 0, true)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept(ctx)
		acceptCh <- c
	}()

	dialAddr := types.Addr{CID: types.CIDHost, Port: ln.Addr().Port}
	clientConn, err := client.Dial(ctx, dialAddr, 0, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	serverConn := <-acceptCh
	defer serverConn.Close()

	if got := clientConn.Window().CfgSize; got != 4096 {
		t.Fatalf("client CfgSize = %d, want 4096 (from Config.Window)", got)
	}
	if got := clientConn.Strategy(); got != types.StrategyPacketBased {
		t.Fatalf("client strategy = %v, want StrategyPacketBased from Config.Strategy override", got)
	}
	if got := serverConn.Strategy(); got != types.StrategyPacketBased {
		t.Fatalf("server strategy = %v, want StrategyPacketBased from Config.Strategy override", got)
	}
}

func TestHandshake_OrderlyShutdown(t *testing.T) {
	// Registered before newTestPair's cleanup so it runs after both
	// engines have stopped their worker pools.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	client, server := newTestPair(t)
	addr := types.Addr{CID: types.CIDAny, Port: 9001}

	ln, err := server.Listen(addr, 4, 0, true)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept(ctx)
		acceptCh <- c
	}()

	dialAddr := types.Addr{CID: types.CIDHost, Port: ln.Addr().Port}
	clientConn, err := client.Dial(ctx, dialAddr, 0, true)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	serverConn := <-acceptCh
	if serverConn == nil {
		t.Fatal("accept failed")
	}

	if err := clientConn.Shutdown(types.ShutdownSEND); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	buf := make([]byte, 16)
	n, err := serverConn.Read(ctx, buf)
	if err != nil {
		t.Fatalf("read after peer shutdown: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes on orderly shutdown, got %d", n)
	}

	clientConn.Close()
	serverConn.Close()
}

func TestAutobind_SequentialThenCollision(t *testing.T) {
	client, _ := newTestPair(t)

	var first uint32
	for i := 0; i < 5; i++ {
		ln, err := client.Listen(types.Addr{CID: types.CIDAny, Port: types.PortAny}, 1, 0, true)
		if err != nil {
			t.Fatalf("autobind attempt %d: %v", i, err)
		}
		defer ln.Close()
		if i == 0 {
			first = ln.Addr().Port
		}
		if got, want := ln.Addr().Port, first+uint32(i); got != want {
			t.Fatalf("autobind %d: got port %d, want %d", i, got, want)
		}
	}

	if _, err := client.Listen(types.Addr{CID: types.CIDAny, Port: first}, 1, 0, true); err == nil {
		t.Fatal("expected explicit bind collision on already-autobound port")
	} else if kind, ok := types.KindOf(err); !ok || kind != types.KindAddrInUse {
		t.Fatalf("expected KindAddrInUse, got %v", err)
	}
}
