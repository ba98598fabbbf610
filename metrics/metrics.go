// Package metrics - Prometheus instrumentation for containers, operations,
// steps and background tasks
package metrics

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/queue"
	sm "hut.evalgo.org/statemanager"
)

// Metrics holds all Prometheus metrics of the service
type Metrics struct {
	registry *prometheus.Registry

	// Operation metrics
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec

	// Step metrics
	StepTransitions *prometheus.CounterVec
	AdapterErrors   *prometheus.CounterVec

	// Container metrics
	ContainerEvents *prometheus.CounterVec
	Containers      *prometheus.GaugeVec

	// Background task metrics
	TaskRuns *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hut"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OperationsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations started",
			},
			[]string{"kind"},
		),

		OperationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_finished_total",
				Help:      "Total number of operations that reached a terminal status",
			},
			[]string{"kind", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from operation start to terminal status",
				Buckets:   []float64{5, 15, 60, 180, 600, 1800, 3600},
			},
			[]string{"kind", "status"},
		),

		StepTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_transitions_total",
				Help:      "Step status transitions applied by the scheduler",
			},
			[]string{"network", "status"},
		),

		AdapterErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Chain adapter call failures",
			},
			[]string{"network", "op"},
		),

		ContainerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_events_total",
				Help:      "Container lifecycle events",
			},
			[]string{"event"},
		),

		Containers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "containers",
				Help:      "Stored containers by status",
			},
			[]string{"status"},
		),

		TaskRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Background task runs",
			},
			[]string{"task", "result"},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StepAdvanced counts a step transition
func (m *Metrics) StepAdvanced(network string, to sm.StepStatus) {
	m.StepTransitions.WithLabelValues(network, string(to)).Inc()
}

// AdapterError counts a failed adapter call
func (m *Metrics) AdapterError(network, op string) {
	m.AdapterErrors.WithLabelValues(network, op).Inc()
}

// OperationStarted counts a new operation
func (m *Metrics) OperationStarted(kind string) {
	m.OperationsStarted.WithLabelValues(kind).Inc()
}

// OperationFinished records a terminal operation. It matches
// statemanager.TerminalHook.
func (m *Metrics) OperationFinished(_ context.Context, op sm.OperationState) {
	m.OperationsFinished.WithLabelValues(op.Kind, string(op.Status)).Inc()
	if op.CompletedAt != nil {
		m.OperationDuration.WithLabelValues(op.Kind, string(op.Status)).
			Observe(op.CompletedAt.Sub(op.StartedAt).Seconds())
	}
}

// SetContainers updates the container gauges
func (m *Metrics) SetContainers(stats *lifecycle.Stats) {
	m.Containers.WithLabelValues(string(lifecycle.StatusPendingActivation)).Set(float64(stats.Pending))
	m.Containers.WithLabelValues(string(lifecycle.StatusActive)).Set(float64(stats.Active))
	m.Containers.WithLabelValues(string(lifecycle.StatusExpired)).Set(float64(stats.Expired))
}

// TaskRun counts a background task run
func (m *Metrics) TaskRun(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
}

// Publisher wraps p and counts container events passing through it
func (m *Metrics) Publisher(p queue.Publisher) queue.Publisher {
	return &countingPublisher{Publisher: p, events: m.ContainerEvents}
}

type countingPublisher struct {
	queue.Publisher
	events *prometheus.CounterVec
}

func (c *countingPublisher) Publish(ctx context.Context, event queue.Event) error {
	switch event.Type {
	case queue.EventContainerCreated, queue.EventContainerActivated, queue.EventContainerExpired:
		c.events.WithLabelValues(event.Type).Inc()
	}
	return c.Publisher.Publish(ctx, event)
}

// Handler returns an Echo handler for the /metrics endpoint
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
