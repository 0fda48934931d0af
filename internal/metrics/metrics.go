// Package metrics exposes coordinator activity as Prometheus metrics.
//
// A Collector subscribes to the event bus for counters and reads registry
// snapshots for gauges at scrape time, so nothing on the hot path blocks on
// the metrics layer.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/workers"
)

const namespace = "taskmesh"

// Sources supplies the snapshots behind the gauges. Nil fields are skipped.
type Sources struct {
	Tasks       func() taskqueue.Counts
	Workers     func() workers.Counts
	Connections func() int
	Sessions    func() int
}

// Collector owns a Prometheus registry fed by bus events.
type Collector struct {
	bus  *event.Bus
	reg  *prometheus.Registry
	subs []string

	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	requeued   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	workerEvts *prometheus.CounterVec
	authEvts   *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// New registers the collectors and subscribes to bus.
func New(bus *event.Bus, src Sources) *Collector {
	c := &Collector{
		bus:     bus,
		reg:     prometheus.NewRegistry(),
		started: make(map[string]time.Time),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the coordinator.",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"type", "status"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requeued_total",
			Help:      "Tasks returned to the queue after losing their worker.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_seconds",
			Help:      "Time from a task starting to it reaching a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type", "status"}),
		workerEvts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker registrations, evictions and revivals.",
		}, []string{"event"}),
		authEvts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Login outcomes and token revocations.",
		}, []string{"event"}),
	}
	c.reg.MustRegister(c.submitted, c.finished, c.requeued, c.duration, c.workerEvts, c.authEvts)
	c.registerGauges(src)

	c.subs = []string{
		bus.Subscribe("task.*", c.onTask),
		bus.Subscribe("worker.*", c.onWorker),
		bus.Subscribe("auth.*", c.onAuth),
		bus.Subscribe(event.SessionRevoked, c.onAuth),
	}
	return c
}

func (c *Collector) registerGauges(src Sources) {
	if src.Tasks != nil {
		for _, status := range []taskqueue.Status{
			taskqueue.StatusQueued, taskqueue.StatusAssigned, taskqueue.StatusRunning,
		} {
			c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks",
				Help:        "Tasks currently in each non-terminal state.",
				ConstLabels: prometheus.Labels{"status": string(status)},
			}, func() float64 { return float64(pick(src.Tasks(), status)) }))
		}
	}
	if src.Workers != nil {
		c.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "workers",
				Help:        "Registered workers by liveness.",
				ConstLabels: prometheus.Labels{"state": "idle"},
			}, func() float64 { w := src.Workers(); return float64(w.Alive - w.Busy) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "workers",
				Help:        "Registered workers by liveness.",
				ConstLabels: prometheus.Labels{"state": "busy"},
			}, func() float64 { return float64(src.Workers().Busy) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "workers",
				Help:        "Registered workers by liveness.",
				ConstLabels: prometheus.Labels{"state": "unreachable"},
			}, func() float64 { return float64(src.Workers().Unreachable) }),
		)
	}
	if src.Connections != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client and worker connections.",
		}, func() float64 { return float64(src.Connections()) }))
	}
	if src.Sessions != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Unexpired, unrevoked session tokens.",
		}, func() float64 { return float64(src.Sessions()) }))
	}
}

func pick(c taskqueue.Counts, s taskqueue.Status) int {
	switch s {
	case taskqueue.StatusQueued:
		return c.Queued
	case taskqueue.StatusAssigned:
		return c.Assigned
	case taskqueue.StatusRunning:
		return c.Running
	}
	return 0
}

func (c *Collector) onTask(e event.Event) {
	te, ok := e.(event.TaskEvent)
	if !ok {
		return
	}
	switch te.EventType() {
	case event.TaskSubmitted:
		c.submitted.WithLabelValues(te.TaskType).Inc()
	case event.TaskStarted:
		c.mu.Lock()
		c.started[te.TaskID] = te.Timestamp()
		c.mu.Unlock()
	case event.TaskRequeued:
		c.requeued.WithLabelValues(te.TaskType).Inc()
		c.mu.Lock()
		delete(c.started, te.TaskID)
		c.mu.Unlock()
	}
	if !te.Terminal() {
		return
	}
	c.finished.WithLabelValues(te.TaskType, te.Status).Inc()
	c.mu.Lock()
	start, ran := c.started[te.TaskID]
	delete(c.started, te.TaskID)
	c.mu.Unlock()
	if ran {
		c.duration.WithLabelValues(te.TaskType, te.Status).Observe(te.Timestamp().Sub(start).Seconds())
	}
}

func (c *Collector) onWorker(e event.Event) {
	c.workerEvts.WithLabelValues(e.EventType()).Inc()
}

func (c *Collector) onAuth(e event.Event) {
	c.authEvts.WithLabelValues(e.EventType()).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Close unsubscribes from the bus.
func (c *Collector) Close() {
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "address", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
