// Package metrics exposes bridge activity as Prometheus series. Counters are
// fed from the event bus so components stay unaware of Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportbridge/internal/eventbus"
	"reportbridge/internal/task/engine"
)

type Metrics struct {
	reg *prometheus.Registry

	Deliveries      *prometheus.CounterVec
	CheckpointsMade prometheus.Counter
	Replays         prometheus.Counter
	ContactsSynced  *prometheus.CounterVec
	RemindersSent   prometheus.Counter
	Tasks           *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
}

// New registers every series on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbridge_deliveries_total",
			Help: "Report deliveries by outcome (completed, failed, rejected)",
		}, []string{"outcome"}),
		CheckpointsMade: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbridge_checkpoints_stored_total",
			Help: "Failed deliveries stored for replay",
		}),
		Replays: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbridge_replay_batches_total",
			Help: "Replay batches started",
		}),
		ContactsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbridge_contacts_synced_total",
			Help: "Roster users reconciled into the contact hub by result",
		}, []string{"result"}),
		RemindersSent: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbridge_reminders_sent_total",
			Help: "Overdue report broadcasts sent",
		}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbridge_tasks_total",
			Help: "Task engine executions by task name and status",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportbridge_task_duration_seconds",
			Help:    "Task engine execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"task"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.DeliveryCompleted:
		m.Deliveries.WithLabelValues("completed").Inc()
	case eventbus.DeliveryFailed:
		m.Deliveries.WithLabelValues("failed").Inc()
	case eventbus.DeliveryRejected:
		m.Deliveries.WithLabelValues("rejected").Inc()
	case eventbus.CheckpointStored:
		m.CheckpointsMade.Inc()
	case eventbus.ReplayStarted:
		m.Replays.Inc()
	case eventbus.ContactSynced:
		m.ContactsSynced.WithLabelValues("ok").Inc()
	case eventbus.ContactSyncFailed:
		m.ContactsSynced.WithLabelValues("failed").Inc()
	case eventbus.ReminderSent:
		m.RemindersSent.Inc()
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskSkipped, eventbus.TaskDropped:
		item, ok := e.Data.(engine.HistoryItem)
		if !ok {
			return
		}
		status := e.Type[len("task."):]
		m.Tasks.WithLabelValues(item.Name, status).Inc()
		if e.Type == eventbus.TaskFinished || e.Type == eventbus.TaskFailed {
			m.TaskDuration.WithLabelValues(item.Name).Observe(item.Duration.Seconds())
		}
	}
}

// Run feeds bus events into the series until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256, "delivery.", "checkpoint.", "replay.", "contact.", "reminder.", "task.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
