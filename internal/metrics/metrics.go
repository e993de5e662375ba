// Package metrics is the cross-cutting metrics sink: protocol
// dispatch latency and errors, mailbox depth and full rejections, cache
// hit/miss, pending-queue drops, compensation backlog, RPC latency and actor
// save failures, all exported as Prometheus collectors.
//
// A nil *Sink is valid and every method on it is a no-op, so subsystems can
// accept a Sink without forcing every call-site (and every test) to wire one
// up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink bundles the collectors the core runtime reports to.
type Sink struct {
	reg *prometheus.Registry

	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec
	mailboxDepth     *prometheus.GaugeVec
	mailboxDropped   *prometheus.CounterVec
	cacheResult      *prometheus.CounterVec
	pendingQueueDrop    prometheus.Counter
	compensationPending prometheus.Gauge
	rpcLatency          *prometheus.HistogramVec
	saveFailures        *prometheus.CounterVec
}

// New creates a Sink registered against a fresh prometheus.Registry. Pass
// the registry to an HTTP handler (out of scope for the core itself — the
// host launcher wires `/metrics`) to expose it.
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		reg: reg,
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmocore_dispatch_duration_seconds",
			Help:    "Handler dispatch latency by protocol id.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol_id"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmocore_dispatch_errors_total",
			Help: "Dispatch failures by protocol id and error code.",
		}, []string{"protocol_id", "error_code"}),
		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmocore_actor_mailbox_depth",
			Help: "Current mailbox queue depth by actor system.",
		}, []string{"system"}),
		mailboxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmocore_actor_mailbox_full_total",
			Help: "Tell() calls rejected because the mailbox was full.",
		}, []string{"system"}),
		cacheResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmocore_cache_result_total",
			Help: "Two-tier cache lookups by namespace and tier result.",
		}, []string{"namespace", "result"}),
		pendingQueueDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmocore_session_pending_dropped_total",
			Help: "Pending-push messages dropped from a disconnected session's queue on overflow.",
		}),
		compensationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmocore_compensation_pending",
			Help: "Compensation records currently Pending or Failed awaiting retry.",
		}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmocore_rpc_latency_seconds",
			Help:    "Remote actor RPC latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		saveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmocore_actor_save_failures_total",
			Help: "Actor state flushes that failed; the dirty flag is retained and the save retried.",
		}, []string{"system"}),
	}
	reg.MustRegister(
		s.dispatchDuration, s.dispatchErrors, s.mailboxDepth, s.mailboxDropped,
		s.cacheResult, s.pendingQueueDrop, s.compensationPending, s.rpcLatency,
		s.saveFailures,
	)
	return s
}

// Registry returns the underlying prometheus.Registry for exposition.
func (s *Sink) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.reg
}

func (s *Sink) ObserveDispatch(protocolID string, d time.Duration) {
	if s == nil {
		return
	}
	s.dispatchDuration.WithLabelValues(protocolID).Observe(d.Seconds())
}

func (s *Sink) IncDispatchError(protocolID, errorCode string) {
	if s == nil {
		return
	}
	s.dispatchErrors.WithLabelValues(protocolID, errorCode).Inc()
}

func (s *Sink) SetMailboxDepth(system string, depth int) {
	if s == nil {
		return
	}
	s.mailboxDepth.WithLabelValues(system).Set(float64(depth))
}

func (s *Sink) IncMailboxFull(system string) {
	if s == nil {
		return
	}
	s.mailboxDropped.WithLabelValues(system).Inc()
}

func (s *Sink) IncCacheResult(namespace, result string) {
	if s == nil {
		return
	}
	s.cacheResult.WithLabelValues(namespace, result).Inc()
}

func (s *Sink) IncPendingQueueDrop() {
	if s == nil {
		return
	}
	s.pendingQueueDrop.Inc()
}

func (s *Sink) SetCompensationPending(n int) {
	if s == nil {
		return
	}
	s.compensationPending.Set(float64(n))
}

func (s *Sink) ObserveRPC(method string, d time.Duration) {
	if s == nil {
		return
	}
	s.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (s *Sink) IncSaveFailure(system string) {
	if s == nil {
		return
	}
	s.saveFailures.WithLabelValues(system).Inc()
}
