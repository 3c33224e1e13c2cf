// Package metrics records workflow runtime metrics in Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the coordinator's metrics hooks.
type Recorder struct {
	registry *prometheus.Registry

	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	rejected          *prometheus.CounterVec
	messages          *prometheus.CounterVec
	agentFailures     *prometheus.CounterVec
	lateMessages      prometheus.Counter
	anomalies         prometheus.Counter
	activeWorkflows   prometheus.Gauge
}

// NewRecorder registers the collectors on a dedicated registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		workflowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_workflows_started_total",
				Help: "Workflows started by kind",
			},
			[]string{"kind"},
		),
		workflowsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_workflows_finished_total",
				Help: "Workflows that reached a terminal state by kind, status and error kind",
			},
			[]string{"kind", "status", "error_kind"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_workflow_duration_seconds",
				Help:    "Time from start to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"kind", "status"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_workflows_rejected_total",
				Help: "StartWorkflow calls rejected before a workflow was created",
			},
			[]string{"reason"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_messages_total",
				Help: "Messages delivered on the bus by kind",
			},
			[]string{"kind"},
		),
		agentFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_agent_failures_total",
				Help: "Agent handler failures by topic",
			},
			[]string{"topic"},
		),
		lateMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_late_messages_total",
			Help: "Messages dropped because their session had no active workflow",
		}),
		anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_terminal_anomalies_total",
			Help: "Terminal messages that arrived after the workflow had already ended",
		}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_active_workflows",
			Help: "Workflows currently processing",
		}),
	}
}

func (r *Recorder) WorkflowStarted(kind string) {
	r.workflowsStarted.WithLabelValues(kind).Inc()
	r.activeWorkflows.Inc()
}

func (r *Recorder) WorkflowFinished(kind string, status string, errorKind string, elapsed time.Duration) {
	r.workflowsFinished.WithLabelValues(kind, status, errorKind).Inc()
	r.workflowDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
	r.activeWorkflows.Dec()
}

func (r *Recorder) WorkflowRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) MessageDelivered(kind string) {
	r.messages.WithLabelValues(kind).Inc()
}

func (r *Recorder) AgentFailed(topic string) {
	r.agentFailures.WithLabelValues(topic).Inc()
}

func (r *Recorder) LateMessage() {
	r.lateMessages.Inc()
}

func (r *Recorder) TerminalAnomaly() {
	r.anomalies.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
