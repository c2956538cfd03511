package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the agent core, the scheduler
// daemon, and tool dispatch. A nil *Metrics is valid and records nothing, so
// callers never need to guard instrumentation sites.
type Metrics struct {
	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram

	engineRequests *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec

	toolDispatches   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	schedulerClaims    *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	deliveryDuration   prometheus.Histogram
	queueDepth         prometheus.Gauge
	draftConfirmsTotal *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_turns_total",
			Help: "Conversation turns by outcome (answered, clarification, error).",
		}, []string{"outcome"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_turn_duration_seconds",
			Help:    "Wall-clock duration of a full conversation turn.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		turnIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_turn_iterations",
			Help:    "Reason/act iterations consumed per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		}),
		engineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_engine_requests_total",
			Help: "Reasoning engine requests by engine and status.",
		}, []string{"engine", "status"}),
		engineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_engine_request_duration_seconds",
			Help:    "Reasoning engine request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		toolDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_tool_dispatches_total",
			Help: "Tool dispatches by tool, side-effect class, and status.",
		}, []string{"tool", "class", "status"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_tool_dispatch_duration_seconds",
			Help:    "Tool dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		schedulerClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_scheduler_claims_total",
			Help: "Scheduler claim attempts by result (claimed, empty, error).",
		}, []string{"result"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Scheduled action deliveries by outcome (delivered, retry, exhausted, cancelled).",
		}, []string{"outcome"}),
		deliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_scheduler_queue_depth",
			Help: "Scheduled actions currently due and unclaimed.",
		}),
		draftConfirmsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_draft_confirms_total",
			Help: "Draft confirmation attempts by result (confirmed, mismatch, expired, missing).",
		}, []string{"result"}),
	}
}

// ObserveTurn records a completed turn.
func (m *Metrics) ObserveTurn(outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
	m.turnIterations.Observe(float64(iterations))
}

// ObserveEngine records one reasoning engine request.
func (m *Metrics) ObserveEngine(engine string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.engineRequests.WithLabelValues(engine, status).Inc()
	m.engineDuration.WithLabelValues(engine).Observe(d.Seconds())
}

// ObserveDispatch records one tool dispatch.
func (m *Metrics) ObserveDispatch(tool, class string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.toolDispatches.WithLabelValues(tool, class, status).Inc()
	m.dispatchDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveClaim records one scheduler claim attempt.
func (m *Metrics) ObserveClaim(result string) {
	if m == nil {
		return
	}
	m.schedulerClaims.WithLabelValues(result).Inc()
}

// ObserveDelivery records the outcome of a delivery attempt.
func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(d.Seconds())
}

// SetQueueDepth reports the current due-and-unclaimed backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveDraftConfirm records a confirmation attempt against the draft cache.
func (m *Metrics) ObserveDraftConfirm(result string) {
	if m == nil {
		return
	}
	m.draftConfirmsTotal.WithLabelValues(result).Inc()
}
