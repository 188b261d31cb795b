package core

import (
	"testing"

	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAutobind_FiveSequentialPorts(t *testing.T) {
	tables := NewLookupTables()

	var ports []uint32
	for i := 0; i < 5; i++ {
		port, err := tables.Autobind()
		if err != nil {
			t.Fatalf("autobind %d: %v", i, err)
		}
		ports = append(ports, port)

		s := NewSocket(0, true, nil, nil)
		s.local = types.Addr{CID: types.CIDAny, Port: port}
		tables.InsertBound(s)
	}

	for i, port := range ports {
		want := types.AutobindStart + uint32(i)
		if port != want {
			t.Fatalf("port %d: got %d, want %d", i, port, want)
		}
	}
}

func TestAutobind_SkipsExplicitlyBoundPort(t *testing.T) {
	tables := NewLookupTables()

	taken := NewSocket(0, true, nil, nil)
	taken.local = types.Addr{CID: types.CIDAny, Port: types.AutobindStart}
	tables.InsertBound(taken)

	port, err := tables.Autobind()
	if err != nil {
		t.Fatalf("autobind: %v", err)
	}
	if port == types.AutobindStart {
		t.Fatalf("autobind handed out the already-bound port %d", port)
	}
}

func TestExplicitBind_CollidesWithAutobound(t *testing.T) {
	tables := NewLookupTables()

	port, err := tables.Autobind()
	if err != nil {
		t.Fatalf("autobind: %v", err)
	}
	s := NewSocket(0, true, nil, nil)
	s.local = types.Addr{CID: types.CIDAny, Port: port}
	tables.InsertBound(s)

	if !tables.PortInUse(port) {
		t.Fatalf("PortInUse(%d) = false after InsertBound", port)
	}
}

func TestPendingToAcceptQueue_PreservesListenerBackpointer(t *testing.T) {
	tables := NewLookupTables()
	listener := NewSocket(0, true, nil, nil)
	child := NewSocket(0, true, nil, nil)

	tables.AddPending(listener, child)
	if child.listener != listener {
		t.Fatal("AddPending must set the child's listener back-pointer")
	}
	if tables.PendingLen(listener) != 1 {
		t.Fatalf("PendingLen = %d, want 1", tables.PendingLen(listener))
	}

	tables.EnqueueAccept(listener, child)
	if tables.PendingLen(listener) != 0 {
		t.Fatalf("PendingLen after EnqueueAccept = %d, want 0", tables.PendingLen(listener))
	}
	if tables.AcceptQueueLen(listener) != 1 {
		t.Fatalf("AcceptQueueLen = %d, want 1", tables.AcceptQueueLen(listener))
	}
	if child.listener != listener {
		t.Fatal("listener back-pointer must survive the pending->accept move")
	}

	got := tables.DequeueAccept(listener)
	if got != child {
		t.Fatal("DequeueAccept returned the wrong socket")
	}
	if child.listener != nil {
		t.Fatal("DequeueAccept must clear the listener back-pointer on handoff")
	}
}

func TestDrainPending_ClearsBackpointersAndRefs(t *testing.T) {
	tables := NewLookupTables()
	listener := NewSocket(0, true, nil, nil)
	c1 := NewSocket(0, true, nil, nil)
	c2 := NewSocket(0, true, nil, nil)

	tables.AddPending(listener, c1)
	tables.AddPending(listener, c2)
	if got := c1.RefCount(); got != 1 {
		t.Fatalf("c1 refcount after AddPending = %d, want 1", got)
	}

	drained := tables.DrainPending(listener)
	if len(drained) != 2 {
		t.Fatalf("DrainPending returned %d sockets, want 2", len(drained))
	}
	if tables.PendingLen(listener) != 0 {
		t.Fatal("DrainPending must empty the pending list")
	}
	for _, c := range drained {
		if c.listener != nil {
			t.Fatal("DrainPending must clear every child's listener back-pointer")
		}
		if got := c.RefCount(); got != 0 {
			t.Fatalf("refcount after drain = %d, want 0", got)
		}
	}
}

func TestPendingDepth_GaugeTracksListenerMutations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := definition.NewMetrics(reg)

	tables := NewLookupTables()
	tables.SetMetrics(metrics)

	listener := NewSocket(0, true, nil, nil)
	listener.local = types.Addr{CID: types.CIDHost, Port: 9030}
	c1 := NewSocket(0, true, nil, nil)
	c2 := NewSocket(0, true, nil, nil)

	label := listener.local.String()
	gauge := func() float64 {
		return testutil.ToFloat64(metrics.PendingDepthGauge().WithLabelValues(label))
	}

	tables.AddPending(listener, c1)
	if got := gauge(); got != 1 {
		t.Fatalf("depth after one AddPending = %v, want 1", got)
	}

	tables.AddPending(listener, c2)
	if got := gauge(); got != 2 {
		t.Fatalf("depth after two AddPending = %v, want 2", got)
	}

	tables.EnqueueAccept(listener, c1)
	if got := gauge(); got != 1 {
		t.Fatalf("depth after EnqueueAccept = %v, want 1", got)
	}

	tables.RemovePending(listener, c2)
	if got := gauge(); got != 0 {
		t.Fatalf("depth after RemovePending = %v, want 0", got)
	}

	tables.AddPending(listener, c2)
	tables.DrainPending(listener)
	if got := gauge(); got != 0 {
		t.Fatalf("depth after DrainPending = %v, want 0", got)
	}
}

func TestConnectedTable_RoundTrip(t *testing.T) {
	tables := NewLookupTables()
	s := NewSocket(0, true, nil, nil)
	s.local = types.Addr{CID: 2, Port: 1024}
	s.remote = types.Addr{CID: 3, Port: 50000}

	tables.InsertConnected(s)

	found := tables.FindConnected(s.remote, s.local)
	if found != s {
		t.Fatal("FindConnected did not return the inserted socket")
	}
	if got := s.RefCount(); got != 2 {
		t.Fatalf("refcount after insert+find = %d, want 2", got)
	}

	tables.RemoveConnected(s)
	if tables.FindConnected(s.remote, s.local) != nil {
		t.Fatal("FindConnected still finds a removed socket")
	}
}
