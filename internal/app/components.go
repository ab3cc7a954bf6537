package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reportbridge/internal/checkpoint"
	"reportbridge/internal/config"
	"reportbridge/internal/contacthub"
	"reportbridge/internal/delivery"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/flowpoll"
	"reportbridge/internal/period"
	"reportbridge/internal/queue"
	"reportbridge/internal/reconcile"
	"reportbridge/internal/registry"
	"reportbridge/internal/reminder"
	"reportbridge/internal/storage"
	logx "reportbridge/pkg/logx"
)

// Components is the wired bridge without any scheduling or HTTP around it.
// The CLI one-shot commands use it directly.
type Components struct {
	Store       *storage.Store // nil when storage.driver is "none"
	Checkpoints checkpoint.Store
	Queue       queue.Queue
	Registry    *registry.Client
	Hub         *contacthub.Client
	Reconciler  *reconcile.Reconciler
	Pipeline    *delivery.Pipeline
	Replayer    *delivery.Replayer
	Reminder    *reminder.Broadcaster
	Poller      *flowpoll.Poller // nil unless flow_poll.enabled

	redis *redis.Client
	log   logx.Logger
}

// Build opens storage, the checkpoint backend and the queue, and wires the
// bridge services on top. Close releases what Build opened.
func Build(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (*Components, error) {
	c := &Components{log: log}
	if err := c.build(cfg, bus); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(cfg *config.Config, bus eventbus.Bus) error {
	log := c.log
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		c.Store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if c.Checkpoints, err = c.openCheckpoints(cfg); err != nil {
		return err
	}
	if c.Queue, err = queue.Open(mapQueueConfig(cfg), log); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return err
	}
	if c.Registry, err = registry.New(rc, log); err != nil {
		return err
	}
	hc, err := mapContactHubConfig(cfg)
	if err != nil {
		return err
	}
	if c.Hub, err = contacthub.New(hc, log); err != nil {
		return err
	}

	periods := period.Calculator{Location: location(cfg)}
	scheme := cfg.OrgUnitIDScheme

	c.Reconciler = reconcile.New(c.Hub, c.Registry, mapReconcileOptions(cfg), bus, log)
	deps := delivery.Deps{
		Registry:    c.Registry,
		Linker:      c.Reconciler,
		Checkpoints: c.Checkpoints,
		Periods:     periods,
		Bus:         bus,
	}
	if c.Store != nil {
		deps.Audit = c.Store
	}
	c.Pipeline = delivery.New(deps, scheme, log)
	c.Replayer = delivery.NewReplayer(c.Checkpoints, c.Pipeline, cfg.Replay.BatchSize, bus, log)
	c.Reminder = reminder.New(c.Registry, c.Reconciler, c.Hub, periods, mapReminderOptions(cfg), bus, log)

	if cfg.FlowPoll.Enabled {
		if c.Store == nil {
			return errors.New("flow_poll needs storage for its watermarks")
		}
		c.Poller = flowpoll.New(c.Hub, c.Store, c.Queue, cfg.FlowPoll.Flows, log)
	}
	return nil
}

func (c *Components) openCheckpoints(cfg *config.Config) (checkpoint.Store, error) {
	switch strings.ToLower(cfg.Checkpoint.Driver) {
	case "", "sql":
		if c.Store == nil {
			return nil, errors.New("checkpoint.driver sql needs storage")
		}
		return c.Store.Checkpoints(), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Checkpoint.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("checkpoint.redis_url: %w", err)
		}
		c.redis = redis.NewClient(opt)
		c.log.Info("checkpoints in redis", logx.String("addr", opt.Addr))
		return checkpoint.NewRedis(c.redis, checkpoint.WithKeyPrefix(cfg.Checkpoint.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint.driver: %s", cfg.Checkpoint.Driver)
	}
}

// Health pings every backing store.
func (c *Components) Health(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	state := map[string]any{}
	var errs []error
	check := func(name string, err error) {
		if err != nil {
			state[name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		state[name] = "ok"
	}
	if c.Store != nil {
		check("storage", c.Store.Ping(ctx))
	}
	if c.redis != nil {
		check("checkpoints", c.redis.Ping(ctx).Err())
	}
	if m, ok := c.Queue.(*queue.Memory); ok {
		state["queue_depth"] = m.Len()
	}
	return state, errors.Join(errs...)
}

// SetOptions applies the live-reloadable parts of cfg.
func (c *Components) SetOptions(cfg *config.Config) {
	c.Reconciler.SetOptions(mapReconcileOptions(cfg))
	c.Reminder.SetOptions(mapReminderOptions(cfg))
	if c.Poller != nil {
		c.Poller.SetFlows(cfg.FlowPoll.Flows)
	}
}

func (c *Components) Close() error {
	var errs []error
	if c.Queue != nil {
		errs = append(errs, c.Queue.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
