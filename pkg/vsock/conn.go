package vsock

import (
	"context"

	"github.com/ovtsys/vsockproto/pkg/vsock/core"
	"github.com/ovtsys/vsockproto/pkg/vsock/types"
)

// Conn is a connected (or mid-handshake) socket, spec.md §4.5's
// connect/send/recv/shutdown/poll/close operations.
type Conn struct {
	engine *Engine
	socket *core.Socket
}

// LocalAddr and RemoteAddr report the connection's two endpoints.
func (c *Conn) LocalAddr() types.Addr  { return c.socket.Local() }
func (c *Conn) RemoteAddr() types.Addr { return c.socket.Remote() }

// Window reports the connection's current buffer-size configuration,
// as set by SetBufferSize/SetMinSize/SetMaxSize.
func (c *Conn) Window() types.WindowConfig { return c.socket.Window() }

// Stats reports the connection's cumulative observability counters.
func (c *Conn) Stats() core.Stats { return c.socket.Stats() }

// Strategy reports the NotifyStrategy negotiated for this connection
// (types.StrategyPacketBased before negotiation completes).
func (c *Conn) Strategy() types.StrategyBit {
	s := c.socket
	s.Lock()
	defer s.Unlock()
	if n := s.Notify(); n != nil {
		return n.Bit()
	}
	return types.StrategyPacketBased
}

// Dial implements spec.md §4.5's connect(): binds an ephemeral local
// port, sends REQUEST2 advertising this engine's supported strategies,
// and blocks until the handshake completes, ctx is cancelled, or the
// connect timeout fires.
func (e *Engine) Dial(ctx context.Context, remote types.Addr, uid uint32, trusted bool) (*Conn, error) {
	if remote.CID == types.CIDHypervisor || remote.CID == types.CIDWellKnown {
		return nil, types.NewError("connect", types.KindNetUnreach, nil)
	}

	s := core.NewSocket(uid, trusted, e.logger, e.metrics)
	if err := e.bind(s, types.Addr{CID: types.CIDAny, Port: types.PortAny}); err != nil {
		return nil, err
	}

	s.Lock()
	s.SetRemote(remote)
	s.SetState(core.StateConnecting)
	s.SetWindow(e.config.Window)
	s.SetConnectTimeout(e.config.ConnectTimeout)
	window := s.Window()
	local := s.Local()
	s.Unlock()

	timer := e.sm.ScheduleConnectTimeout(s)

	req := types.NewPacket(local, remote, types.TypeRequest2, types.Payload{Size: window.CfgSize})
	req.Proto = uint16(e.config.Strategy)
	if err := e.dispatcher.SendPacket(req); err != nil {
		timer.Stop()
		return nil, err
	}

	for {
		s.Lock()
		switch s.State() {
		case core.StateConnected:
			s.Unlock()
			timer.Stop()
			return &Conn{engine: e, socket: s}, nil
		case core.StateUnconnected:
			err := s.Err()
			s.Unlock()
			timer.Stop()
			if err == nil {
				err = types.NewError("connect", types.KindConnRefused, nil)
			}
			return nil, err
		}
		ch := s.WaitChan()
		s.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Read implements spec.md §4.5's recv(): blocks until at least one
// byte is available, the peer has shut down sending with no data
// remaining (returns 0, nil), or an error occurs.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	s := c.socket
	s.Lock()
	notify := s.Notify()
	if notify == nil {
		s.Unlock()
		return 0, types.NewError("recv", types.KindNotConn, nil)
	}
	if consumeSize := s.ConsumeSize(); consumeSize > 0 && uint64(len(buf)) >= consumeSize {
		s.Unlock()
		return 0, types.NewError("recv", types.KindNoMem, nil)
	}
	notify.RecvInit(s, len(buf))

	for {
		ep := s.QP()
		noDataLeft := ep == nil || ep.ConsumeReadyBytes() == 0

		if s.PeerShutdown()&types.ShutdownSEND != 0 && noDataLeft {
			s.Unlock()
			return 0, nil
		}
		if s.State() != core.StateConnected && s.State() != core.StateDisconnecting {
			err := s.Err()
			s.Unlock()
			if err == nil {
				err = types.NewError("recv", types.KindNotConn, nil)
			}
			return 0, err
		}

		if !noDataLeft {
			notify.RecvPreDequeue(s, len(buf))
			n, err := ep.Dequeue(buf)
			notify.RecvPostDequeue(s, n)
			s.AddBytesReceived(n)
			s.Unlock()
			if err != nil {
				return n, err
			}
			c.engine.metrics.BytesTransferred("recv", n)
			return n, nil
		}

		notify.RecvPreBlock(s, len(buf))
		ch := s.WaitChan()
		s.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
		s.Lock()
	}
}

// Write implements spec.md §4.5's send(): blocks until at least one
// byte is written or an error occurs.
func (c *Conn) Write(ctx context.Context, buf []byte) (int, error) {
	s := c.socket
	s.Lock()
	notify := s.Notify()
	if notify == nil {
		s.Unlock()
		return 0, types.NewError("send", types.KindNotConn, nil)
	}
	notify.SendInit(s, len(buf))

	for {
		if s.LocalShutdown()&types.ShutdownSEND != 0 || s.PeerShutdown()&types.ShutdownRCV != 0 {
			s.Unlock()
			return 0, types.NewError("send", types.KindPipe, nil)
		}
		if s.State() != core.StateConnected {
			s.Unlock()
			return 0, types.NewError("send", types.KindNotConn, nil)
		}

		ep := s.QP()
		if ep != nil && ep.ProduceFreeSpace() > 0 {
			notify.SendPreEnqueue(s, len(buf))
			n, err := ep.Enqueue(buf)
			notify.SendPostEnqueue(s, n)
			s.AddBytesSent(n)
			s.Unlock()
			if err != nil {
				return n, err
			}
			c.engine.metrics.BytesTransferred("send", n)
			return n, nil
		}

		notify.SendPreBlock(s)
		ch := s.WaitChan()
		s.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ch:
		}
		s.Lock()
	}
}

// Shutdown implements spec.md §4.5's shutdown(mode): sets local
// shutdown bits and, if connected, notifies the peer.
func (c *Conn) Shutdown(mode uint64) error {
	s := c.socket
	s.Lock()
	if s.State() == core.StateUnconnected {
		s.Unlock()
		return types.NewError("shutdown", types.KindNotConn, nil)
	}
	s.MarkLocalShutdown(mode)
	connected := s.State() == core.StateConnected
	s.Unlock()

	if connected {
		c.engine.dispatcher.SendControl(s, types.TypeShutdown, types.Payload{Mode: mode})
	}
	s.Broadcast()
	return nil
}

// Close implements spec.md §4.5's close(): aborts an open connection
// with RST, removes it from the connected table, and drops the
// caller's reference.
func (c *Conn) Close() error {
	s := c.socket
	s.Lock()
	wasConnected := s.State() == core.StateConnected
	s.SetState(core.StateDisconnecting)
	s.Unlock()

	if wasConnected {
		c.engine.dispatcher.SendControl(s, types.TypeRST, types.Payload{})
		c.engine.tables.RemoveConnected(s)
	}
	s.Broadcast()
	if s.Unref() {
		c.engine.sm.Finalize(s)
	}
	return nil
}

// Poll implements spec.md §4.7's poll-mask computation.
func (c *Conn) Poll() PollMask {
	s := c.socket
	s.Lock()
	defer s.Unlock()

	var mask PollMask
	if s.Err() != nil {
		mask |= PollErr
	}

	local, peer := s.LocalShutdown(), s.PeerShutdown()
	bothDone := local == (types.ShutdownRCV|types.ShutdownSEND) && peer == (types.ShutdownRCV|types.ShutdownSEND)
	if bothDone || (local&types.ShutdownSEND != 0 && peer&types.ShutdownSEND != 0) {
		mask |= PollHup
	}
	if local&types.ShutdownRCV != 0 || peer&types.ShutdownSEND != 0 {
		mask |= PollRDHup
	}

	switch s.State() {
	case core.StateListen:
		if c.engine.tables.AcceptQueueLen(s) > 0 {
			mask |= PollIn
		}
	case core.StateConnected:
		notify := s.Notify()
		if local&types.ShutdownRCV == 0 && s.QP() != nil && notify != nil && notify.PollIn(s) {
			mask |= PollIn
		}
		if local&types.ShutdownSEND == 0 && notify != nil && notify.PollOut(s) {
			mask |= PollOut
		}
	case core.StateUnconnected:
		if local&types.ShutdownSEND == 0 {
			mask |= PollOut
		}
	}
	return mask
}
