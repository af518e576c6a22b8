package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private Prometheus registry with the collectors the
// collaboration services report into. Methods are safe on a nil receiver.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	ledgerMutations *prometheus.CounterVec
	hubSubscribers  prometheus.Gauge
	hubDeliveries   *prometheus.CounterVec
	relayMessages   *prometheus.CounterVec
	presence        prometheus.Gauge
	streamConns     prometheus.Gauge

	uploadChunks        *prometheus.CounterVec
	uploadBytes         prometheus.Counter
	uploadSessions      *prometheus.CounterVec
	encodingTransitions *prometheus.CounterVec
	transcoderSubmits   *prometheus.CounterVec
}

var defaultRecorder = New()

// New builds a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frameproof_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_ledger_mutations_total",
			Help: "Committed comment ledger mutations by operation.",
		}, []string{"operation"}),
		hubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frameproof_hub_subscribers",
			Help: "Live fan-out subscribers.",
		}),
		hubDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_hub_deliveries_total",
			Help: "Fan-out deliveries by result (delivered, dropped, evicted).",
		}, []string{"result"}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_relay_messages_total",
			Help: "Cross-node relay messages by direction.",
		}, []string{"direction"}),
		presence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frameproof_presence_entries",
			Help: "Reviewers currently present across channels.",
		}),
		streamConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frameproof_stream_connections",
			Help: "Open streaming connections.",
		}),
		uploadChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_upload_chunks_total",
			Help: "Upload chunks by result (stored, duplicate, rejected).",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frameproof_upload_bytes_total",
			Help: "Chunk bytes committed to the blob store.",
		}),
		uploadSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_upload_sessions_total",
			Help: "Upload session transitions by status.",
		}, []string{"status"}),
		encodingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_encoding_transitions_total",
			Help: "Media asset encoding transitions by target status.",
		}, []string{"status"}),
		transcoderSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameproof_transcoder_submissions_total",
			Help: "Transcoder job submissions by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.requestDuration,
		r.ledgerMutations, r.hubSubscribers, r.hubDeliveries, r.relayMessages,
		r.presence, r.streamConns,
		r.uploadChunks, r.uploadBytes, r.uploadSessions,
		r.encodingTransitions, r.transcoderSubmits,
	)
	return r
}

// Default returns the process-wide recorder used when services are not given
// one explicitly.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (r *Recorder) LedgerMutation(operation string) {
	if r == nil {
		return
	}
	r.ledgerMutations.WithLabelValues(operation).Inc()
}

func (r *Recorder) SubscriberAdded() {
	if r == nil {
		return
	}
	r.hubSubscribers.Inc()
}

func (r *Recorder) SubscriberRemoved() {
	if r == nil {
		return
	}
	r.hubSubscribers.Dec()
}

// HubDelivery counts one fan-out attempt: delivered, dropped (advisory event
// discarded) or evicted (subscriber disconnected for overflow).
func (r *Recorder) HubDelivery(result string) {
	if r == nil {
		return
	}
	r.hubDeliveries.WithLabelValues(result).Inc()
}

func (r *Recorder) RelayMessage(direction string) {
	if r == nil {
		return
	}
	r.relayMessages.WithLabelValues(direction).Inc()
}

func (r *Recorder) PresenceJoined() {
	if r == nil {
		return
	}
	r.presence.Inc()
}

func (r *Recorder) PresenceLeft() {
	if r == nil {
		return
	}
	r.presence.Dec()
}

func (r *Recorder) StreamOpened() {
	if r == nil {
		return
	}
	r.streamConns.Inc()
}

func (r *Recorder) StreamClosed() {
	if r == nil {
		return
	}
	r.streamConns.Dec()
}

func (r *Recorder) UploadChunk(result string, bytes int64) {
	if r == nil {
		return
	}
	r.uploadChunks.WithLabelValues(result).Inc()
	if result == "stored" && bytes > 0 {
		r.uploadBytes.Add(float64(bytes))
	}
}

func (r *Recorder) UploadSession(status string) {
	if r == nil {
		return
	}
	r.uploadSessions.WithLabelValues(status).Inc()
}

func (r *Recorder) EncodingTransition(status string) {
	if r == nil {
		return
	}
	r.encodingTransitions.WithLabelValues(status).Inc()
}

func (r *Recorder) TranscoderSubmit(result string) {
	if r == nil {
		return
	}
	r.transcoderSubmits.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// normalizePath collapses identifier-looking segments so label cardinality
// stays bounded when a raw URL path is recorded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.Contains(path, "{") {
		return path
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 1
}
