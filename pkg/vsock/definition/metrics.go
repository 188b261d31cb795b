package definition

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Prometheus collectors the dispatcher and state
// machine update. A nil *Metrics is valid everywhere it's threaded
// through (every method is a nil-receiver no-op), so instrumentation
// stays entirely optional for callers that don't register a registry.
type Metrics struct {
	connections     *prometheus.CounterVec
	pendingDepth    *prometheus.GaugeVec
	notifyRetries   *prometheus.CounterVec
	bytesTransferred *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors against reg and returns
// a Metrics ready to use. Passing a fresh prometheus.NewRegistry() is
// the common case in tests, to avoid collisions with the default
// global registry across parallel test binaries.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsock_connections_total",
			Help: "Connection attempts observed by the state machine, by result.",
		}, []string{"result"}),
		pendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vsock_pending_queue_depth",
			Help: "Number of pending children currently awaiting handshake completion.",
		}, []string{"listener"}),
		notifyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsock_notify_retries_total",
			Help: "Notification send retries, by strategy.",
		}, []string{"strategy"}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsock_bytes_total",
			Help: "Bytes enqueued/dequeued through the QP substrate, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.connections, m.pendingDepth, m.notifyRetries, m.bytesTransferred)
	return m
}

func (m *Metrics) ConnectionResult(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

// PendingDepthGauge exposes the underlying GaugeVec for tests asserting
// on a specific listener label's value via prometheus/testutil.
func (m *Metrics) PendingDepthGauge() *prometheus.GaugeVec { return m.pendingDepth }

func (m *Metrics) SetPendingDepth(listener string, depth int) {
	if m == nil {
		return
	}
	m.pendingDepth.WithLabelValues(listener).Set(float64(depth))
}

func (m *Metrics) NotifyRetry(strategy string) {
	if m == nil {
		return
	}
	m.notifyRetries.WithLabelValues(strategy).Inc()
}

func (m *Metrics) BytesTransferred(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}
