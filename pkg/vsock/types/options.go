package types

import "time"

// Socket option defaults, spec.md §6.
const (
	DefaultBufferSize    uint64 = 262144
	DefaultBufferMinSize uint64 = 128
	DefaultBufferMaxSize uint64 = 262144
	MaxPortRetries       int    = 24
	AutobindStart        uint32 = 1024
	PendingCleanupDelay          = time.Second
)

// DefaultConnectTimeout is the connect() deadline absent an explicit
// CONNECT_TIMEOUT setsockopt call.
const DefaultConnectTimeout = 2 * time.Second

// WindowConfig holds the three buffer-size knobs a socket carries from
// creation (BUFFER_SIZE / BUFFER_MIN_SIZE / BUFFER_MAX_SIZE setsockopt
// names in spec.md §6), always kept in qp_min <= qp_cfg_size <= qp_max.
type WindowConfig struct {
	CfgSize uint64
	Min     uint64
	Max     uint64
}

// DefaultWindowConfig returns the engine's default buffer sizing.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		CfgSize: DefaultBufferSize,
		Min:     DefaultBufferMinSize,
		Max:     DefaultBufferMaxSize,
	}
}

// SetBufferSize implements the BUFFER_SIZE option: set CfgSize, then
// widen Min/Max so the invariant Min <= CfgSize <= Max keeps holding.
func (w *WindowConfig) SetBufferSize(size uint64) {
	w.CfgSize = size
	if w.Min > size {
		w.Min = size
	}
	if w.Max < size {
		w.Max = size
	}
}

// SetMinSize implements BUFFER_MIN_SIZE: set Min, raise CfgSize if it
// fell below the new minimum.
func (w *WindowConfig) SetMinSize(min uint64) {
	w.Min = min
	if w.CfgSize < min {
		w.CfgSize = min
	}
}

// SetMaxSize implements BUFFER_MAX_SIZE: set Max, lower CfgSize if it
// now exceeds the new maximum.
func (w *WindowConfig) SetMaxSize(max uint64) {
	w.Max = max
	if w.CfgSize > max {
		w.CfgSize = max
	}
}

// Clamp returns size when it lies within [w.Min, w.Max], and w.CfgSize
// otherwise — the rule for the QP size a peer's REQUEST proposes
// (StateMachine.handleListen applies the same rule through InRange).
func (w WindowConfig) Clamp(size uint64) uint64 {
	if size < w.Min || size > w.Max {
		return w.CfgSize
	}
	return size
}

// InRange reports whether size is an acceptable negotiated QP size.
func (w WindowConfig) InRange(size uint64) bool {
	return size >= w.Min && size <= w.Max
}

// Config bundles the engine-wide defaults NewEngine consults absent a
// later per-connection SetBufferSize/SetMinSize/SetMaxSize override,
// mirroring the teacher's BaseConfiguration/PeerConfiguration pair
// (go-mcast/pkg/mcast/protocol.go, test/testing.go's
// mcast.DefaultConfiguration(name) factory): one struct carrying the
// buffer-size window, the connect timeout, and which NotifyStrategy
// this engine advertises/accepts during REQUEST2/NEGOTIATE2.
type Config struct {
	Window         WindowConfig
	ConnectTimeout time.Duration
	Strategy       StrategyBit
}

// DefaultConfig returns the engine's out-of-the-box defaults: spec.md
// §6's default buffer sizing, DefaultConnectTimeout, and Strategy B
// (queue-state) as the sole strategy newly handshaked connections
// negotiate, matching NewStateMachine's prior hardcoded default.
func DefaultConfig() Config {
	return Config{
		Window:         DefaultWindowConfig(),
		ConnectTimeout: DefaultConnectTimeout,
		Strategy:       StrategyQueueState,
	}
}
