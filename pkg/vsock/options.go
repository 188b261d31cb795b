package vsock

// SetBufferSize, SetMinSize and SetMaxSize implement spec.md §6's
// BUFFER_SIZE / BUFFER_MIN_SIZE / BUFFER_MAX_SIZE setsockopt names,
// each delegating to the matching types.WindowConfig method under the
// socket lock. They change only the window the socket records, which
// Window reports; Dial advertises the engine's Config.Window, not this
// one, and an already-allocated QP ring's actual size cannot change
// mid-stream.
func (c *Conn) SetBufferSize(size uint64) {
	s := c.socket
	s.Lock()
	w := s.Window()
	w.SetBufferSize(size)
	s.SetWindow(w)
	s.Unlock()
}

func (c *Conn) SetMinSize(min uint64) {
	s := c.socket
	s.Lock()
	w := s.Window()
	w.SetMinSize(min)
	s.SetWindow(w)
	s.Unlock()
}

func (c *Conn) SetMaxSize(max uint64) {
	s := c.socket
	s.Lock()
	w := s.Window()
	w.SetMaxSize(max)
	s.SetWindow(w)
	s.Unlock()
}
