// Package vsock is the public API surface of the VSock stream protocol
// engine: spec.md §4.8's bind/listen/accept/connect/send/recv/shutdown/
// poll/close, implemented over the internal core/types/qp packages.
package vsock

import (
	"github.com/ovtsys/vsockproto/pkg/vsock/core"
	"github.com/ovtsys/vsockproto/pkg/vsock/definition"
	"github.com/ovtsys/vsockproto/pkg/vsock/qp"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// Engine is one process's share of the protocol: the lookup tables,
// state machine and dispatcher every Listener/Conn created from it are
// registered against. Two Engines wired together with a loopback Sink
// (see WireLoopback) exercise the full handshake/teardown protocol
// in-process, with no real hypervisor involved.
type Engine struct {
	localCID   uint32
	tables     *core.LookupTables
	dispatcher *core.Dispatcher
	sm         *core.StateMachine
	invoker    core.Invoker
	config     types.Config

	logger  definition.Logger
	metrics *definition.Metrics
}

// NewEngine builds an Engine backed by allocator for QP rings, bound to
// localCID (the context id this engine's sockets bind/connect from). A
// nil cfg falls back to types.DefaultConfig(); a nil logger falls back
// to definition.NewDefaultLogger(); a nil *definition.Metrics disables
// instrumentation (every Metrics method is a nil-receiver no-op).
func NewEngine(localCID uint32, allocator qp.Allocator, cfg *types.Config, logger definition.Logger, metrics *definition.Metrics) *Engine {
	if logger == nil {
		logger = definition.NewDefaultLogger()
	}
	resolved := types.DefaultConfig()
	if cfg != nil {
		resolved = *cfg
	}

	tables := core.NewLookupTables()
	tables.SetMetrics(metrics)
	invoker := core.NewPoolInvoker()
	dispatcher := core.NewDispatcher(tables, invoker, logger, metrics)
	sm := core.NewStateMachine(tables, dispatcher, allocator, logger, metrics)
	sm.SetLocalSupported(resolved.Strategy)
	dispatcher.SetStateMachine(sm)

	return &Engine{
		localCID:   localCID,
		tables:     tables,
		dispatcher: dispatcher,
		sm:         sm,
		invoker:    invoker,
		config:     resolved,
		logger:     logger,
		metrics:    metrics,
	}
}

// bind implements spec.md §4.5's bind op: autobind on PortAny, else an
// explicit port after the privileged/in-use checks.
func (e *Engine) bind(s *core.Socket, addr types.Addr) error {
	if addr.Port == types.PortAny {
		port, err := e.tables.Autobind()
		if err != nil {
			return err
		}
		addr.Port = port
	} else {
		if addr.Privileged() {
			return types.NewError("bind", types.KindAccessDenied, nil)
		}
		if e.tables.PortInUse(addr.Port) {
			return types.NewError("bind", types.KindAddrInUse, nil)
		}
	}
	if addr.CID == types.CIDAny {
		addr.CID = e.localCID
	}

	s.Lock()
	s.SetLocal(addr)
	s.SetState(core.StateUnconnected)
	s.SetTransport(e.dispatcher)
	s.Unlock()
	e.tables.InsertBound(s)
	return nil
}

// Close stops the engine's work-queue Invoker, blocking until every
// in-flight work item has returned.
func (e *Engine) Close() {
	e.invoker.Stop()
}

// sinkFunc adapts a plain function to core.Sink.
type sinkFunc func(pkt types.ControlPacket) error

func (f sinkFunc) Deliver(pkt types.ControlPacket) error { return f(pkt) }

// rid reports the resource id a control packet should be treated as
// having arrived on, mirroring the expectedRID logic the real
// dispatcher would see from the substrate (spec.md §6).
func rid(pkt types.ControlPacket) uint32 {
	if pkt.SrcCID == types.CIDHypervisor || pkt.DstCID == types.CIDHypervisor {
		return core.HypervisorStreamControlRID
	}
	return core.StreamControlRID
}

// WireLoopback connects two Engines' dispatchers directly, each
// delivering the other's outbound control packets asynchronously, each
// on its own goroutine, via Dispatcher.Inbound (round-tripped through MarshalBinary/UnmarshalBinary
// so the wire codec is genuinely exercised). This is the in-process
// stand-in for the QP substrate's control-datagram delivery (spec.md §1
// places the substrate itself out of scope); see pkg/vsock/qp/loopback
// for the matching data-plane (QP ring) substrate.
func WireLoopback(a, b *Engine) {
	a.dispatcher.SetSink(sinkFunc(func(pkt types.ControlPacket) error {
		data, err := pkt.MarshalBinary()
		if err != nil {
			return err
		}
		go b.dispatcher.Inbound(data, rid(pkt))
		return nil
	}))
	b.dispatcher.SetSink(sinkFunc(func(pkt types.ControlPacket) error {
		data, err := pkt.MarshalBinary()
		if err != nil {
			return err
		}
		go a.dispatcher.Inbound(data, rid(pkt))
		return nil
	}))
}
