package config

import (
	"hash/fnv"
	"reflect"
	"slices"
	"sort"

	logx "reportbridge/pkg/logx"
)

// liveSections can be applied without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"reminder": true,
	"sync":     true,
	"replay":   true,
}

// ConfigChange describes what differs between two configs.
type ConfigChange struct {
	Sections []string
	// Attrs are safe to log; credentials are reported only as *_set flags.
	Attrs []logx.Field
	// Restart lists changed sections that only take effect on restart.
	Restart []string
}

func (c ConfigChange) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ConfigChange
	mark := func(section string, attrs ...logx.Field) {
		out.Sections = append(out.Sections, section)
		out.Attrs = append(out.Attrs, attrs...)
		if !liveSections[section] {
			out.Restart = append(out.Restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Never log credentials.
	o, n := oldCfg.Registry, newCfg.Registry
	if o != n {
		mark("registry",
			logx.String("registry.base_url", n.BaseURL),
			logx.Bool("registry.token_set", n.Token != ""),
			logx.Bool("registry.basic_auth_set", n.Username != ""),
		)
	}
	if oldCfg.ContactHub != newCfg.ContactHub {
		mark("contact_hub",
			logx.String("contact_hub.base_url", newCfg.ContactHub.BaseURL),
			logx.String("contact_hub.group", newCfg.ContactHub.Group),
			logx.Bool("contact_hub.token_set", newCfg.ContactHub.Token != ""),
		)
	}
	if oldCfg.OrgUnitIDScheme != newCfg.OrgUnitIDScheme {
		mark("org_unit_id_scheme", logx.String("org_unit_id_scheme", newCfg.OrgUnitIDScheme))
	}
	if oldCfg.Sync != newCfg.Sync {
		mark("sync",
			logx.Bool("sync.enabled", newCfg.Sync.Enabled),
			logx.String("sync.schedule", newCfg.Sync.Schedule),
			logx.Int("sync.workers", newCfg.Sync.Workers),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery", logx.String("delivery.schedule", newCfg.Delivery.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		mark("reminder",
			logx.Strings("reminder.data_set_codes", newCfg.Reminder.DataSetCodes),
			logx.String("reminder.schedule", newCfg.Reminder.Schedule),
		)
	}
	if oldCfg.Replay != newCfg.Replay {
		mark("replay",
			logx.String("replay.schedule", newCfg.Replay.Schedule),
			logx.Int("replay.batch_size", newCfg.Replay.BatchSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.FlowPoll, newCfg.FlowPoll) {
		mark("flow_poll",
			logx.Bool("flow_poll.enabled", newCfg.FlowPoll.Enabled),
			logx.Int("flow_poll.flow_count", len(newCfg.FlowPoll.Flows)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		mark("queue", logx.String("queue.driver", newCfg.Queue.Driver))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if oldCfg.Checkpoint != newCfg.Checkpoint {
		mark("checkpoint", logx.String("checkpoint.driver", newCfg.Checkpoint.Driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		mark("task_engine",
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	sort.Strings(out.Sections)
	slices.Sort(out.Restart)
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
