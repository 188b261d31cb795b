package vsock

import (
	"context"

	"github.com/ovtsys/vsockproto/pkg/vsock/core"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// Listener is a bound socket in the LISTEN state, spec.md §4.5's
// listen()/accept() operations.
type Listener struct {
	engine *Engine
	socket *core.Socket
}

// Listen implements spec.md §4.5's bind+listen pair: binds addr
// (autobinding on types.PortAny) then transitions to LISTEN with the
// given backlog.
func (e *Engine) Listen(addr types.Addr, backlog int, uid uint32, trusted bool) (*Listener, error) {
	s := core.NewSocket(uid, trusted, e.logger, e.metrics)
	if err := e.bind(s, addr); err != nil {
		return nil, err
	}
	s.Lock()
	s.SetState(core.StateListen)
	s.SetMaxAccept(backlog)
	s.SetWindow(e.config.Window)
	s.SetConnectTimeout(e.config.ConnectTimeout)
	s.Unlock()
	return &Listener{engine: e, socket: s}, nil
}

// Addr reports the listener's bound local address.
func (l *Listener) Addr() types.Addr { return l.socket.Local() }

// Accept implements spec.md §4.5's accept(): returns the next ready
// child or blocks until one arrives, ctx is cancelled, or the listener
// itself carries an error.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		if child := l.engine.tables.DequeueAccept(l.socket); child != nil {
			child.Lock()
			child.SetTransport(l.engine.dispatcher)
			child.Unlock()
			return &Conn{engine: l.engine, socket: child}, nil
		}

		l.socket.Lock()
		if err := l.socket.Err(); err != nil {
			l.socket.Unlock()
			return nil, err
		}
		ch := l.socket.WaitChan()
		l.socket.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Close implements spec.md §4.5's close(): releases pending children
// recursively, removes the listener from the bound table and drops its
// reference.
func (l *Listener) Close() error {
	s := l.socket
	s.Lock()
	s.SetErr(types.ErrShuttingDown)
	s.SetState(core.StateFree)
	s.Unlock()
	s.Broadcast()

	for _, child := range l.engine.tables.DrainPending(s) {
		child.Lock()
		child.SetState(core.StateDisconnecting)
		child.Unlock()
		if child.Unref() {
			l.engine.sm.Finalize(child)
		}
	}
	for {
		child := l.engine.tables.DequeueAccept(s)
		if child == nil {
			break
		}
		child.Lock()
		child.SetState(core.StateDisconnecting)
		child.Unlock()
		if child.Unref() {
			l.engine.sm.Finalize(child)
		}
	}

	l.engine.tables.RemoveBound(s)
	if s.Unref() {
		l.engine.sm.Finalize(s)
	}
	return nil
}
