package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	cartCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_commands_total",
			Help: "Cart commands handled by entity runtimes, by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	cartCommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cart_command_duration_seconds",
			Help:    "Time from dequeue to reply for cart commands.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	cartEntitiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_entities_active",
			Help: "Cart entity runtimes currently resident on this node.",
		},
	)
	cartEntityRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cart_entity_restarts_total",
			Help: "Entity runtime restarts after a fault.",
		},
	)
	cartEntityRecoveries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cart_entity_recovery_events",
			Help:    "Events replayed per entity recovery.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)
	cartEntitiesHalted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cart_entities_halted_total",
			Help: "Entities halted because their log could not be read.",
		},
	)
	shardLeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_shard_leases_held",
			Help: "Shard leases held by this node.",
		},
	)
	commandsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_commands_forwarded_total",
			Help: "Commands forwarded to the owning node, by outcome.",
		},
		[]string{"outcome"},
	)
	projectionOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "projection_offset",
			Help: "Last committed offset per projection and tag.",
		},
		[]string{"projection", "tag"},
	)
	projectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_failures_total",
			Help: "Failed handler attempts per projection and tag.",
		},
		[]string{"projection", "tag"},
	)
	projectionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projection_event_duration_seconds",
			Help:    "Handler latency per event, including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"projection"},
	)
	kafkaPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_publish_failures_total",
			Help: "Total Kafka publish failures.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	orderDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_dispatch_total",
			Help: "Order dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			cartCommands, cartCommandLatency, cartEntitiesActive, cartEntityRestarts, cartEntityRecoveries, cartEntitiesHalted,
			shardLeasesHeld, commandsForwarded,
			projectionOffset, projectionFailures, projectionLatency,
			kafkaPublishFailures, influxWriteFailures, orderDispatches, asynqQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency. route maps a request to a low-cardinality
// label; nil falls back to the raw path.
func Instrument(route func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		path := r.URL.Path
		if route != nil {
			path = route(r)
		}
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveCommand(command string, outcome string, d time.Duration) {
	cartCommands.WithLabelValues(command, outcome).Inc()
	cartCommandLatency.WithLabelValues(command).Observe(d.Seconds())
}

func SetActiveEntities(n int) {
	cartEntitiesActive.Set(float64(n))
}

func IncEntityRestart() {
	cartEntityRestarts.Inc()
}

func ObserveRecovery(replayed int) {
	cartEntityRecoveries.Observe(float64(replayed))
}

func IncEntityHalted() {
	cartEntitiesHalted.Inc()
}

func SetShardLeases(n int) {
	shardLeasesHeld.Set(float64(n))
}

func IncForwarded(outcome string) {
	commandsForwarded.WithLabelValues(outcome).Inc()
}

func SetProjectionOffset(projection string, tag int, offset int64) {
	projectionOffset.WithLabelValues(projection, strconv.Itoa(tag)).Set(float64(offset))
}

func IncProjectionFailure(projection string, tag int) {
	projectionFailures.WithLabelValues(projection, strconv.Itoa(tag)).Inc()
}

func ObserveProjectionLatency(projection string, d time.Duration) {
	projectionLatency.WithLabelValues(projection).Observe(d.Seconds())
}

func IncKafkaPublishFailure() {
	kafkaPublishFailures.Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncOrderDispatch(outcome string) {
	orderDispatches.WithLabelValues(outcome).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
