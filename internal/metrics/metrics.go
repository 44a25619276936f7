// Package metrics exposes the sidecar's prometheus metrics, including
// operator-defined custom metrics loaded from configuration.
package metrics

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anzu-project/anzu/internal/config"
)

// Metrics holds the per-sidecar registry. The namespace is derived from the
// actor name so fleets of sidecars stay distinguishable when scraped
// through a shared endpoint.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec

	processingDuration   *prometheus.HistogramVec
	runtimeDuration      *prometheus.HistogramVec
	queueReceiveDuration *prometheus.HistogramVec
	queueSendDuration    *prometheus.HistogramVec
	messageSize          *prometheus.HistogramVec

	activeMessages prometheus.Gauge
	runtimeErrors  *prometheus.CounterVec

	customCounters   map[string]*prometheus.CounterVec
	customGauges     map[string]*prometheus.GaugeVec
	customHistograms map[string]*prometheus.HistogramVec
}

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeMetricName makes an arbitrary actor or metric name safe as a
// prometheus identifier.
func sanitizeMetricName(name string) string {
	return invalidMetricChars.ReplaceAllString(name, "_")
}

// NewMetrics builds the standard metric set plus any operator-defined
// custom metrics under the given namespace.
func NewMetrics(namespace string, customMetricsConfig []config.CustomMetricConfig) *Metrics {
	ns := sanitizeMetricName(namespace)
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_received_total",
			Help:      "Messages received from the queue",
		}, []string{"queue", "transport"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_processed_total",
			Help:      "Messages fully processed, by outcome",
		}, []string{"queue", "status"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_sent_total",
			Help:      "Messages published to downstream queues",
		}, []string{"destination_queue", "message_type"}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_failed_total",
			Help:      "Messages that failed processing, by reason",
		}, []string{"queue", "reason"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "processing_duration_seconds",
			Help:      "End-to-end processing time per delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		runtimeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "runtime_duration_seconds",
			Help:      "Time spent in the runtime socket exchange",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		queueReceiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "queue_receive_duration_seconds",
			Help:      "Time spent receiving from the broker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "transport"}),
		queueSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "queue_send_duration_seconds",
			Help:      "Time spent publishing to the broker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "transport"}),
		messageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "message_size_bytes",
			Help:      "Message body size by direction",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"direction"}),
		activeMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_messages",
			Help:      "Deliveries currently in flight",
		}),
		runtimeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runtime_errors_total",
			Help:      "Errors returned by the runtime, by kind",
		}, []string{"queue", "error_type"}),
		customCounters:   make(map[string]*prometheus.CounterVec),
		customGauges:     make(map[string]*prometheus.GaugeVec),
		customHistograms: make(map[string]*prometheus.HistogramVec),
	}

	registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesSent,
		m.messagesFailed,
		m.processingDuration,
		m.runtimeDuration,
		m.queueReceiveDuration,
		m.queueSendDuration,
		m.messageSize,
		m.activeMessages,
		m.runtimeErrors,
	)

	for _, cm := range customMetricsConfig {
		name := sanitizeMetricName(cm.Name)
		switch cm.Type {
		case "counter":
			vec := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: ns,
				Name:      name,
				Help:      cm.Help,
			}, cm.Labels)
			registry.MustRegister(vec)
			m.customCounters[cm.Name] = vec
		case "gauge":
			vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: ns,
				Name:      name,
				Help:      cm.Help,
			}, cm.Labels)
			registry.MustRegister(vec)
			m.customGauges[cm.Name] = vec
		case "histogram":
			vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: ns,
				Name:      name,
				Help:      cm.Help,
				Buckets:   prometheus.DefBuckets,
			}, cm.Labels)
			registry.MustRegister(vec)
			m.customHistograms[cm.Name] = vec
		}
	}
	return m
}

// RecordMessageReceived counts a delivery received from the queue.
func (m *Metrics) RecordMessageReceived(queue, transport string) {
	m.messagesReceived.WithLabelValues(queue, transport).Inc()
}

// RecordMessageProcessed counts a fully processed delivery by outcome.
func (m *Metrics) RecordMessageProcessed(queue, status string) {
	m.messagesProcessed.WithLabelValues(queue, status).Inc()
}

// RecordMessageSent counts an outbound publish.
func (m *Metrics) RecordMessageSent(destinationQueue, messageType string) {
	m.messagesSent.WithLabelValues(destinationQueue, messageType).Inc()
}

// RecordMessageFailed counts a failed delivery by reason.
func (m *Metrics) RecordMessageFailed(queue, reason string) {
	m.messagesFailed.WithLabelValues(queue, reason).Inc()
}

// RecordProcessingDuration observes end-to-end processing time.
func (m *Metrics) RecordProcessingDuration(queue string, d time.Duration) {
	m.processingDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordRuntimeDuration observes the socket exchange time.
func (m *Metrics) RecordRuntimeDuration(queue string, d time.Duration) {
	m.runtimeDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordQueueReceiveDuration observes broker receive latency.
func (m *Metrics) RecordQueueReceiveDuration(queue, transport string, d time.Duration) {
	m.queueReceiveDuration.WithLabelValues(queue, transport).Observe(d.Seconds())
}

// RecordQueueSendDuration observes broker publish latency.
func (m *Metrics) RecordQueueSendDuration(queue, transport string, d time.Duration) {
	m.queueSendDuration.WithLabelValues(queue, transport).Observe(d.Seconds())
}

// RecordMessageSize observes a message body size for direction "received"
// or "sent".
func (m *Metrics) RecordMessageSize(direction string, sizeBytes int) {
	m.messageSize.WithLabelValues(direction).Observe(float64(sizeBytes))
}

// IncrementActiveEnvelopes marks a delivery in flight.
func (m *Metrics) IncrementActiveEnvelopes() {
	m.activeMessages.Inc()
}

// DecrementActiveEnvelopes marks a delivery finished.
func (m *Metrics) DecrementActiveEnvelopes() {
	m.activeMessages.Dec()
}

// RecordRuntimeError counts an error returned by the runtime, by kind.
func (m *Metrics) RecordRuntimeError(queue, errorType string) {
	m.runtimeErrors.WithLabelValues(queue, errorType).Inc()
}

// IncrementCustomCounter increments a configured custom counter.
func (m *Metrics) IncrementCustomCounter(name string, labelValues ...string) error {
	return m.AddCustomCounter(name, 1, labelValues...)
}

// AddCustomCounter adds value to a configured custom counter.
func (m *Metrics) AddCustomCounter(name string, value float64, labelValues ...string) error {
	vec, ok := m.customCounters[name]
	if !ok {
		return fmt.Errorf("custom counter %q is not configured", name)
	}
	vec.WithLabelValues(labelValues...).Add(value)
	return nil
}

// SetCustomGauge sets a configured custom gauge.
func (m *Metrics) SetCustomGauge(name string, value float64, labelValues ...string) error {
	vec, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("custom gauge %q is not configured", name)
	}
	vec.WithLabelValues(labelValues...).Set(value)
	return nil
}

// IncrementCustomGauge increments a configured custom gauge.
func (m *Metrics) IncrementCustomGauge(name string, labelValues ...string) error {
	vec, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("custom gauge %q is not configured", name)
	}
	vec.WithLabelValues(labelValues...).Inc()
	return nil
}

// DecrementCustomGauge decrements a configured custom gauge.
func (m *Metrics) DecrementCustomGauge(name string, labelValues ...string) error {
	vec, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("custom gauge %q is not configured", name)
	}
	vec.WithLabelValues(labelValues...).Dec()
	return nil
}

// ObserveCustomHistogram records an observation on a configured custom
// histogram.
func (m *Metrics) ObserveCustomHistogram(name string, value float64, labelValues ...string) error {
	vec, ok := m.customHistograms[name]
	if !ok {
		return fmt.Errorf("custom histogram %q is not configured", name)
	}
	vec.WithLabelValues(labelValues...).Observe(value)
	return nil
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
