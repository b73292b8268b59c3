// Package metrics holds the Prometheus instruments shared by the frame
// pump, the protocol client and the decoder. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "tracking_receiver").
	Namespace string

	// Registry is where the instruments are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics is the full instrument set.
type Metrics struct {
	framesPublished  prometheus.Counter
	tickOverruns     prometheus.Counter
	tickDuration     prometheus.Histogram
	protocolMessages *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	reconnects       *prometheus.CounterVec
	decoderFrames    prometheus.Counter
	decoderStarts    prometheus.Counter
	regionState      *prometheus.GaugeVec
}

// New registers and returns the metric set.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "tracking_receiver",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		framesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pump",
			Name:      "frames_published_total",
			Help:      "Frames delivered to subscribers by the frame pump",
		}),
		tickOverruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pump",
			Name:      "tick_overruns_total",
			Help:      "Pump ticks that took longer than the target period",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "pump",
			Name:      "tick_duration_seconds",
			Help:      "Time spent pulling, transforming and publishing one frame",
			Buckets:   []float64{.001, .0025, .005, .01, .02, .033, .05, .1, .25},
		}),
		protocolMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and command",
		}, []string{"direction", "command"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "protocol",
			Name:      "decode_errors_total",
			Help:      "Inbound lines dropped because they were not valid JSON",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "protocol",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by result",
		}, []string{"result"}),
		decoderFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "decoder",
			Name:      "frames_total",
			Help:      "Complete frames read from the decoder subprocess",
		}),
		decoderStarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "decoder",
			Name:      "starts_total",
			Help:      "Decoder subprocess launches",
		}),
		regionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "roi",
			Name:      "state",
			Help:      "1 for the current region selector state, 0 otherwise",
		}, []string{"state"}),
	}
}

// FramePublished counts one frame delivered by the pump.
func (m *Metrics) FramePublished() {
	if m == nil {
		return
	}
	m.framesPublished.Inc()
}

// TickObserved records one pump tick and whether it overran its period.
func (m *Metrics) TickObserved(seconds float64, overrun bool) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
	if overrun {
		m.tickOverruns.Inc()
	}
}

// MessageSent counts an outbound protocol message.
func (m *Metrics) MessageSent(command string) {
	if m == nil {
		return
	}
	m.protocolMessages.WithLabelValues("out", command).Inc()
}

// MessageReceived counts an inbound protocol message.
func (m *Metrics) MessageReceived(command string) {
	if m == nil {
		return
	}
	m.protocolMessages.WithLabelValues("in", command).Inc()
}

// DecodeError counts an inbound line dropped as malformed.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ReconnectAttempt counts one reconnection attempt by result.
func (m *Metrics) ReconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// DecoderFrame counts one complete frame read from the decoder.
func (m *Metrics) DecoderFrame() {
	if m == nil {
		return
	}
	m.decoderFrames.Inc()
}

// DecoderStarted counts one decoder launch.
func (m *Metrics) DecoderStarted() {
	if m == nil {
		return
	}
	m.decoderStarts.Inc()
}

// RegionState marks current as the active state among all.
func (m *Metrics) RegionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.regionState.WithLabelValues(s).Set(v)
	}
}
