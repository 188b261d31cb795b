package vsock

// PollMask is the bitmask spec.md §4.8's poll() returns, modeled on the
// familiar POLLIN/POLLOUT/POLLHUP/POLLRDHUP/POLLERR set.
type PollMask uint32

const (
	PollIn PollMask = 1 << iota
	PollOut
	PollHup
	PollRDHup
	PollErr
)
