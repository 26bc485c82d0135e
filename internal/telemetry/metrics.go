package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the observability-hooks surface named in spec §2 and §7:
// labelled counter, gauge and histogram families for the queue, FSM,
// transport, chunk transfer and ingest paths, wired on github.com/prometheus/client_golang (grounded on
// runZeroInc-sockstats/runZeroInc-conniver's pkg/exporter, which registers
// a custom prometheus.Collector against a live socket).
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth       *prometheus.GaugeVec
	QueueEnqueued    *prometheus.CounterVec
	QueueDropped     *prometheus.CounterVec
	QueueExpired     *prometheus.CounterVec
	RetryCount       *prometheus.CounterVec
	DLQCount         *prometheus.CounterVec
	FSMTransitions   *prometheus.CounterVec
	FSMState         *prometheus.GaugeVec
	TransportFailure *prometheus.CounterVec
	ChunkAcks        *prometheus.CounterVec
	ChunkResends     *prometheus.CounterVec
	AuthRejections   *prometheus.CounterVec
	HandleDuration   *prometheus.HistogramVec
}

// New constructs and registers every metric family against a fresh
// registry (tests and the three cmd/ roles each own their own registry;
// there is no package-level global).
func New(role string) *Metrics {
	reg := prometheus.NewRegistry()
	labelRole := prometheus.Labels{"role": role}
	_ = labelRole

	m := &Metrics{
		Registry: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "depth",
			Help: "Current number of entries per variant and state.",
		}, []string{"variant", "state"}),
		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "enqueued_total",
			Help: "Total entries enqueued per variant.",
		}, []string{"variant"}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "dropped_total",
			Help: "Total entries dropped (overflow, oldest-evicted) per variant.",
		}, []string{"variant"}),
		QueueExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "expired_total",
			Help: "Total entries expired by expire_sweep per variant.",
		}, []string{"variant"}),
		RetryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "retries_total",
			Help: "Total requeues due to retryable failure, per variant.",
		}, []string{"variant"}),
		DLQCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "queue", Name: "dlq_total",
			Help: "Total entries moved to terminal failed state, per variant and reason.",
		}, []string{"variant", "reason"}),
		FSMTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "fsm", Name: "transitions_total",
			Help: "Total transport FSM transitions.",
		}, []string{"from", "to", "event"}),
		FSMState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgelink", Subsystem: "fsm", Name: "state",
			Help: "1 for the currently active state, 0 otherwise.",
		}, []string{"state"}),
		TransportFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "transport", Name: "failures_total",
			Help: "Total send/handshake failures per transport.",
		}, []string{"transport", "kind"}),
		ChunkAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "chunk", Name: "acks_total",
			Help: "Total chunk acknowledgements received, by outcome.",
		}, []string{"outcome"}),
		ChunkResends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "chunk", Name: "resends_total",
			Help: "Total chunk resends (bad_crc, hash_mismatch restart).",
		}, []string{"reason"}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgelink", Subsystem: "auth", Name: "rejections_total",
			Help: "Total envelopes rejected at ingest, by reason.",
		}, []string{"reason"}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgelink", Subsystem: "ingest", Name: "handle_duration_seconds",
			Help:    "Time spent dispatching one envelope by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.QueueDepth, m.QueueEnqueued, m.QueueDropped, m.QueueExpired,
		m.RetryCount, m.DLQCount, m.FSMTransitions, m.FSMState,
		m.TransportFailure, m.ChunkAcks, m.ChunkResends, m.AuthRejections,
		m.HandleDuration,
	)
	return m
}
