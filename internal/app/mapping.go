package app

import (
	"fmt"
	"strings"
	"time"

	"reportbridge/internal/config"
	"reportbridge/internal/contacthub"
	"reportbridge/internal/queue"
	"reportbridge/internal/reconcile"
	"reportbridge/internal/registry"
	"reportbridge/internal/reminder"
	"reportbridge/internal/storage"
	"reportbridge/internal/task/engine"
	logx "reportbridge/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false for driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "none":
		return storage.Config{}, false, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	timeout, err := config.Duration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        max(te.Workers, 1),
		QueueSize:      max(te.QueueSize, 1),
		DefaultTimeout: timeout,
		HistorySize:    max(te.HistorySize, 0),
		RetryMax:       2,
	}, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	rc := cfg.Registry
	timeout, err := config.DurationOr("registry.timeout", rc.Timeout, 30*time.Second)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		BaseURL:    rc.BaseURL,
		Username:   rc.Username,
		Password:   rc.Password,
		Token:      rc.Token,
		Timeout:    timeout,
		RatePerSec: rc.RatePerSec,
	}, nil
}

func mapContactHubConfig(cfg *config.Config) (contacthub.Config, error) {
	hc := cfg.ContactHub
	timeout, err := config.DurationOr("contact_hub.timeout", hc.Timeout, 30*time.Second)
	if err != nil {
		return contacthub.Config{}, err
	}
	return contacthub.Config{
		BaseURL:    hc.BaseURL,
		Token:      hc.Token,
		Timeout:    timeout,
		RatePerSec: hc.RatePerSec,
	}, nil
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	q := cfg.Queue
	return queue.Config{
		Driver:     q.Driver,
		Brokers:    q.Brokers,
		Topic:      q.Topic,
		GroupID:    q.GroupID,
		BufferSize: q.BufferSize,
	}
}

func mapReconcileOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		Group:   cfg.ContactHub.Group,
		Scheme:  cfg.OrgUnitIDScheme,
		Workers: cfg.Sync.Workers,
	}
}

func mapReminderOptions(cfg *config.Config) reminder.Options {
	return reminder.Options{
		DataSetCodes: cfg.Reminder.DataSetCodes,
		Text:         cfg.Reminder.Text,
		SyncFirst:    cfg.SyncBeforeRemind(),
		Scheme:       cfg.OrgUnitIDScheme,
	}
}

func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
