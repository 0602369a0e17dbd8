// ============================================================================
// Self-Healing Engine Monitor - Prometheus Metrics
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Purpose: Passive observer counting bus traffic and exposing Prometheus metrics
//
// Metric Categories:
//
//   1. Event Counters - Cumulative, labeled by channel:
//      - engine_events_received_total{channel}: Bus messages observed
//
//   2. Domain Counters:
//      - engine_tasks_completed_total: task.completed events
//      - engine_tasks_failed_total: task.failed events
//      - engine_tasks_retried_total: task.retry events
//      - engine_workflows_created_total: workflow.created events
//
// Prometheus Query Examples:
//
//   # Completions per minute
//   rate(engine_tasks_completed_total[1m])
//
//   # Failure ratio
//   rate(engine_tasks_failed_total[5m]) / rate(engine_tasks_completed_total[5m])
//
// HTTP Endpoint:
//   /metrics in Prometheus text format, scraped on the configured port.
//
// The monitor only observes; it never touches the store. Lost bus messages
// therefore show up as gaps between store state and counters, which is
// itself a useful signal.
//
// ============================================================================

// Package monitor counts bus events and serves the Prometheus endpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
)

// Collector holds the engine's Prometheus metrics
type Collector struct {
	eventsReceived   *prometheus.CounterVec
	tasksCompleted   prometheus.Counter
	tasksFailed      prometheus.Counter
	tasksRetried     prometheus.Counter
	workflowsCreated prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates and registers the metric set
func NewCollector() *Collector {
	c := &Collector{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_received_total",
			Help: "Total bus messages observed, labeled by channel",
		}, []string{"channel"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tasks_completed_total",
			Help: "Total task.completed events observed",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tasks_failed_total",
			Help: "Total task.failed events observed",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tasks_retried_total",
			Help: "Total task.retry events observed",
		}),
		workflowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_workflows_created_total",
			Help: "Total workflow.created events observed",
		}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.eventsReceived,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksRetried,
		c.workflowsCreated,
	)
	return c
}

// Observe records one bus message
func (c *Collector) Observe(channel string) {
	c.eventsReceived.WithLabelValues(channel).Inc()

	switch channel {
	case bus.ChannelTaskCompleted:
		c.tasksCompleted.Inc()
	case bus.ChannelTaskFailed:
		c.tasksFailed.Inc()
	case bus.ChannelTaskRetry:
		c.tasksRetried.Inc()
	case bus.ChannelWorkflowCreated:
		c.workflowsCreated.Inc()
	}
}

// Handler returns the /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Service subscribes to every core channel and feeds the Collector
type Service struct {
	bus       bus.Bus
	collector *Collector
	port      int
	logger    *slog.Logger
}

// NewService creates a monitor serving /metrics on port
func NewService(b bus.Bus, collector *Collector, port int, logger *slog.Logger) *Service {
	return &Service{bus: b, collector: collector, port: port, logger: logger}
}

// Run observes bus traffic until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, bus.CoreChannels...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	go func() {
		s.logger.Info("Metrics server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Monitoring service started")

	for msg := range msgs {
		s.collector.Observe(msg.Channel)
	}

	s.logger.Info("Monitoring service stopped")
	return nil
}
