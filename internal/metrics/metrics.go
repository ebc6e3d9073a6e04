package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counter names emitted by the engine.
const (
	CounterDecryptFailed    = "refresh_token_decrypt_failed"
	CounterEncryptFailed    = "refresh_token_encrypt_failed"
	CounterStoreFailed      = "refresh_token_store_failed"
	CounterRefreshCollision = "refresh_collision_avoided"
	CounterWatchdogFired    = "refresh_watchdog_recovered"
	CounterTransportRetry   = "refresh_transport_retry"
	CounterHandlerFault     = "notification_handler_fault"
)

// Sink is the operational-telemetry collaborator. Implementations must be
// safe for concurrent use.
type Sink interface {
	Inc(counter string)
}

// Noop discards all counts.
type Noop struct{}

func (Noop) Inc(string) {}

// PrometheusSink counts events in a Prometheus counter vector labeled by
// event name.
type PrometheusSink struct {
	vec *prometheus.CounterVec
}

// NewPrometheusSink registers the counter vector with reg. Pass
// prometheus.DefaultRegisterer for the usual setup.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devicelink_events_total",
		Help:      "Operational events emitted by the devicelink engine.",
	}, []string{"event"})

	if err := reg.Register(vec); err != nil {
		return nil, err
	}
	return &PrometheusSink{vec: vec}, nil
}

func (s *PrometheusSink) Inc(counter string) {
	s.vec.WithLabelValues(counter).Inc()
}
