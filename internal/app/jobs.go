package app

import (
	"context"
	"errors"
	"time"

	"reportbridge/internal/config"
	"reportbridge/internal/task/engine"
	logx "reportbridge/pkg/logx"
)

// Scheduled job names; they double as engine task names in history and metrics.
const (
	JobSync     = "contacts.sync"
	JobRemind   = "reminders.send"
	JobReplay   = "checkpoints.replay"
	JobFlowPoll = "flows.poll"
	JobDrain    = "notifications.drain"
)

type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context) error
}

// jobs lists what cfg wants scheduled. Disabled jobs are absent so that a
// reload removes them.
func (a *App) jobs(cfg *config.Config) []job {
	c := a.comp
	var out []job
	if cfg.Sync.Enabled {
		out = append(out, job{name: JobSync, schedule: cfg.Sync.Schedule, timeout: 30 * time.Minute,
			run: func(ctx context.Context) error {
				rep, err := c.Reconciler.Sync(ctx)
				if err == nil && rep.Failed > 0 {
					a.log.Warn("contact sync finished with failures", logx.Int("failed", rep.Failed))
				}
				return err
			}})
	}
	if len(cfg.Reminder.DataSetCodes) > 0 {
		out = append(out, job{name: JobRemind, schedule: cfg.Reminder.Schedule, timeout: 30 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := c.Reminder.Run(ctx)
				return err
			}})
	}
	out = append(out, job{name: JobReplay, schedule: cfg.Replay.Schedule, timeout: 10 * time.Minute,
		run: func(ctx context.Context) error {
			_, err := c.Replayer.Run(ctx)
			return err
		}})
	if c.Poller != nil {
		out = append(out, job{name: JobFlowPoll, schedule: cfg.FlowPoll.Schedule, timeout: 5 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := c.Poller.Run(ctx)
				return err
			}})
	}
	if cfg.Delivery.Schedule != "" {
		out = append(out, job{name: JobDrain, schedule: cfg.Delivery.Schedule, timeout: 30 * time.Minute,
			run: func(ctx context.Context) error {
				n, err := a.consumer.Drain(ctx)
				if n > 0 {
					a.log.Info("notifications drained", logx.Int("count", n))
				}
				return err
			}})
	}
	return out
}

// applySchedules makes the scheduler match cfg, replacing changed jobs and
// removing the ones cfg no longer asks for.
func (a *App) applySchedules(cfg *config.Config) error {
	want := map[string]bool{}
	var errs []error
	for _, j := range a.jobs(cfg) {
		want[j.name] = true
		if err := a.sched.Add(j.name, j.schedule, j.timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	for _, info := range a.sched.Schedules() {
		if !want[info.Name] {
			a.sched.Remove(info.Name)
			a.log.Info("schedule removed", logx.String("name", info.Name))
		}
	}
	return errors.Join(errs...)
}
