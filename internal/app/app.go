package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reportbridge/internal/config"
	"reportbridge/internal/delivery"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/httpapi"
	"reportbridge/internal/metrics"
	"reportbridge/internal/runtime/supervisor"
	"reportbridge/internal/task/engine"
	"reportbridge/internal/task/scheduler"
	logx "reportbridge/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	comp     *Components
	engine   *engine.Service
	sched    *scheduler.Service
	consumer *delivery.Consumer
	metrics  *metrics.Metrics
	http     *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	comp, err := Build(cfg, log, bus)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = comp.Close()
		return nil, err
	}
	deliverTimeout, err := config.DurationOr("delivery.timeout", cfg.Delivery.Timeout, 2*time.Minute)
	if err != nil {
		_ = comp.Close()
		return nil, err
	}

	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	m := metrics.New()
	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		comp:     comp,
		engine:   eng,
		sched:    scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, eng, log),
		consumer: delivery.NewConsumer(comp.Queue, eng, comp.Pipeline, deliverTimeout, log),
		metrics:  m,
	}
	a.http = httpapi.New(httpapi.Deps{
		Sync:        comp.Reconciler,
		Remind:      comp.Reminder,
		Replay:      comp.Replayer,
		Inbound:     comp.Queue,
		Checkpoints: comp.Checkpoints,
		Metrics:     m.Handler(),
		Health:      a.health,
		Profiling:   cfg.HTTP.Pprof,
	}, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	state, err := a.comp.Health(ctx)
	snap := a.engine.Snapshot()
	state["engine"] = map[string]any{"running": snap.Running, "queue_len": snap.QueueLen, "in_flight": snap.InFlight}
	if err == nil {
		err = a.Err()
	}
	return state, err
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.engine.Start(a.sup.Context())
	if err := a.applySchedules(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}

	if cfg.Delivery.Schedule == "" {
		a.sup.GoRestart("delivery.consume", a.consumer.Run, supervisor.WithPublishFirstError(true))
	} else {
		a.log.Info("notifications drained on schedule", logx.String("schedule", cfg.Delivery.Schedule))
	}

	a.sup.Go("metrics", func(c context.Context) error {
		a.metrics.Run(c, a.bus)
		return nil
	})
	a.sup.Go("http", func(c context.Context) error {
		return a.http.Serve(c, cfg.HTTP.Addr)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", a.watchdog)
	notifyReady(a.log)

	a.log.Info("app started", logx.String("http", cfg.HTTP.Addr), logx.String("queue", cfg.Queue.Driver))
	return nil
}

func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(change.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", change.Restart))
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.comp.SetOptions(next)
	if err := a.applySchedules(next); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(change.Sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("components", 3*time.Second, func(context.Context) error { return a.comp.Close() })
	step("supervisor", 5*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
