// Package metrics exposes Prometheus instrumentation for the broker
// actors. Label values stay low-cardinality (policy names, stop
// reasons), never session or chunk identifiers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stop reasons and event-drop reasons used as label values.
const (
	StopExplicit  = "explicit"
	StopOwnerDown = "owner_down"

	DropUnknownSession = "unknown_session"
	DropSlowOwner      = "slow_owner"
)

// Recorder holds the collectors for one broker subsystem ("stt" or
// "tts"). Register two Recorders on the same registry to serve both
// from one /metrics endpoint.
type Recorder struct {
	WorkerStarts      prometheus.Counter
	WorkerExits       prometheus.Counter
	WorkerReady       prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsStopped   *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	StoppingSessions  prometheus.Gauge
	ChunksAdmitted    prometheus.Counter
	ChunksDropped     *prometheus.CounterVec
	ChunksForwarded   prometheus.Counter
	BatchSize         prometheus.Histogram
	QueueDepth        prometheus.Gauge
	SpeakRequests     prometheus.Counter
	EventsRouted      prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	MalformedPayloads prometheus.Counter
}

// New creates and registers the collectors for one subsystem.
func New(reg prometheus.Registerer, subsystem string) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		WorkerStarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "worker_starts_total",
			Help: "Total number of worker processes spawned",
		}),
		WorkerExits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "worker_exits_total",
			Help: "Total number of worker process exits",
		}),
		WorkerReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "worker_ready",
			Help: "Whether the worker has announced readiness (0 or 1)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "sessions_stopped_total",
			Help: "Total number of sessions stopped, by reason",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "active_sessions",
			Help: "Current number of active sessions",
		}),
		StoppingSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "stopping_sessions",
			Help: "Current number of sessions in the stopping grace window",
		}),
		ChunksAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "chunks_admitted_total",
			Help: "Total number of chunks admitted to session queues",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "chunks_dropped_total",
			Help: "Total number of chunks rejected by the overload policy",
		}, []string{"policy"}),
		ChunksForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "chunks_forwarded_total",
			Help: "Total number of chunks forwarded to the worker",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name:    "drain_batch_chunks",
			Help:    "Chunks forwarded per session per drain tick",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "queue_depth",
			Help: "Total queued chunks across all active sessions",
		}),
		SpeakRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "speak_requests_total",
			Help: "Total number of speak requests forwarded to the worker",
		}),
		EventsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "events_routed_total",
			Help: "Total number of worker events routed to a session owner",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "events_dropped_total",
			Help: "Total number of worker events dropped, by reason",
		}, []string{"reason"}),
		MalformedPayloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vox", Subsystem: subsystem,
			Name: "malformed_payloads_total",
			Help: "Total number of inbound frames that failed to decode",
		}),
	}
}

func (r *Recorder) RecordWorkerStart() {
	r.WorkerStarts.Inc()
}

// RecordWorkerReady flips the readiness gauge up.
func (r *Recorder) RecordWorkerReady() {
	r.WorkerReady.Set(1)
}

// RecordWorkerExit counts the exit and drops the readiness gauge.
func (r *Recorder) RecordWorkerExit() {
	r.WorkerExits.Inc()
	r.WorkerReady.Set(0)
}

func (r *Recorder) RecordSessionStarted() {
	r.SessionsStarted.Inc()
}

func (r *Recorder) RecordSessionStopped(reason string) {
	r.SessionsStopped.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordChunkAdmitted() {
	r.ChunksAdmitted.Inc()
}

func (r *Recorder) RecordChunkDropped(policy string) {
	r.ChunksDropped.WithLabelValues(policy).Inc()
}

// RecordBatchForwarded records one session's share of a drain tick.
func (r *Recorder) RecordBatchForwarded(chunks int) {
	r.ChunksForwarded.Add(float64(chunks))
	r.BatchSize.Observe(float64(chunks))
}

func (r *Recorder) RecordSpeak() {
	r.SpeakRequests.Inc()
}

func (r *Recorder) RecordEventRouted() {
	r.EventsRouted.Inc()
}

func (r *Recorder) RecordEventDropped(reason string) {
	r.EventsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordMalformedPayload() {
	r.MalformedPayloads.Inc()
}

func (r *Recorder) SetActiveSessions(n int) {
	r.ActiveSessions.Set(float64(n))
}

func (r *Recorder) SetStoppingSessions(n int) {
	r.StoppingSessions.Set(float64(n))
}

func (r *Recorder) SetQueueDepth(n int) {
	r.QueueDepth.Set(float64(n))
}
