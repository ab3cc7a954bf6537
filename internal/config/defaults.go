package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGroup          = "DHIS2"
	DefaultReminderText   = "Kindly submit your %s report"
	DefaultSyncSchedule   = "every 30m"
	DefaultRemindSchedule = "0 0 9 * * *"
	DefaultReplaySchedule = "every 5m"
	DefaultFlowSchedule   = "every 1m"
	DefaultHTTPAddr       = ":8080"
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.OrgUnitIDScheme = strings.ToUpper(strings.TrimSpace(c.OrgUnitIDScheme))
	if c.OrgUnitIDScheme == "" {
		c.OrgUnitIDScheme = "ID"
	}
	if c.ContactHub.Group == "" {
		c.ContactHub.Group = DefaultGroup
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = DefaultSyncSchedule
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 8
	}
	if c.Reminder.Schedule == "" {
		c.Reminder.Schedule = DefaultRemindSchedule
	}
	if c.Reminder.Text == "" {
		c.Reminder.Text = DefaultReminderText
	}
	if c.Replay.Schedule == "" {
		c.Replay.Schedule = DefaultReplaySchedule
	}
	if c.Replay.BatchSize <= 0 {
		c.Replay.BatchSize = 50
	}
	if c.FlowPoll.Schedule == "" {
		c.FlowPoll.Schedule = DefaultFlowSchedule
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 1024
	}
	if c.Queue.Topic == "" {
		c.Queue.Topic = "reportbridge.notifications"
	}
	if c.Queue.GroupID == "" {
		c.Queue.GroupID = "reportbridge"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./reportbridge.db"
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sql"
	}
	if c.Checkpoint.KeyPrefix == "" {
		c.Checkpoint.KeyPrefix = "reportbridge:checkpoint:"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.TaskEngine.Workers <= 0 {
		c.TaskEngine.Workers = 4
	}
	if c.TaskEngine.QueueSize <= 0 {
		c.TaskEngine.QueueSize = 256
	}
	if c.TaskEngine.HistorySize <= 0 {
		c.TaskEngine.HistorySize = 200
	}
}

// SyncBeforeRemind resolves reminder.sync_first against sync.enabled.
func (c *Config) SyncBeforeRemind() bool {
	if c.Reminder.SyncFirst != nil {
		return *c.Reminder.SyncFirst
	}
	return c.Sync.Enabled
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	checkURL := func(field, raw string) {
		if strings.TrimSpace(raw) == "" {
			add("%s is required", field)
			return
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("%s: invalid url %q", field, raw)
		}
	}
	checkURL("registry.base_url", c.Registry.BaseURL)
	checkURL("contact_hub.base_url", c.ContactHub.BaseURL)

	switch c.OrgUnitIDScheme {
	case "ID", "CODE":
	default:
		add("org_unit_id_scheme: must be ID or CODE, got %q", c.OrgUnitIDScheme)
	}

	for _, d := range []struct{ path, raw string }{
		{"registry.timeout", c.Registry.Timeout},
		{"contact_hub.timeout", c.ContactHub.Timeout},
		{"delivery.timeout", c.Delivery.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"task_engine.default_timeout", c.TaskEngine.DefaultTimeout},
	} {
		if _, err := Duration(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}

	switch c.Queue.Driver {
	case "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			add("queue.brokers is required for the kafka driver")
		}
	default:
		add("queue.driver: unknown driver %q", c.Queue.Driver)
	}

	switch c.Checkpoint.Driver {
	case "sql":
		if c.Storage.Driver == "none" {
			add("checkpoint.driver sql needs a storage driver")
		}
	case "redis":
		if strings.TrimSpace(c.Checkpoint.RedisURL) == "" {
			add("checkpoint.redis_url is required for the redis driver")
		}
	default:
		add("checkpoint.driver: unknown driver %q", c.Checkpoint.Driver)
	}

	if c.FlowPoll.Enabled && len(c.FlowPoll.Flows) == 0 {
		add("flow_poll.flows is empty")
	}
	for flow, code := range c.FlowPoll.Flows {
		if strings.TrimSpace(code) == "" {
			add("flow_poll.flows[%s]: dataset code is empty", flow)
		}
	}
	return errors.Join(errs...)
}
