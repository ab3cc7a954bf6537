package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	Registry   RegistryConfig   `json:"registry"`
	ContactHub ContactHubConfig `json:"contact_hub"`

	// OrgUnitIDScheme is passed to every registry and contact-hub call that
	// names an org unit. "ID" or "CODE".
	OrgUnitIDScheme string `json:"org_unit_id_scheme,omitempty"`

	Sync     SyncConfig     `json:"sync"`
	Delivery DeliveryConfig `json:"delivery"`
	Reminder ReminderConfig `json:"reminder"`
	Replay   ReplayConfig   `json:"replay"`
	FlowPoll FlowPollConfig `json:"flow_poll"`

	Queue      QueueConfig      `json:"queue"`
	Storage    StorageConfig    `json:"storage"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	HTTP       HTTPConfig       `json:"http"`

	// Scheduler controls trigger behavior (cron/interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for queued work.
	TaskEngine TaskEngineConfig `json:"task_engine"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RegistryConfig points at the DHIS2-style registry. Either Token or
// Username/Password is used; a token wins when both are set.
type RegistryConfig struct {
	BaseURL    string  `json:"base_url"`
	Username   string  `json:"username,omitempty"`
	Password   string  `json:"password,omitempty"`
	Token      string  `json:"token,omitempty"`
	Timeout    string  `json:"timeout,omitempty"` // Go duration string, default 30s
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type ContactHubConfig struct {
	BaseURL    string  `json:"base_url"`
	Token      string  `json:"token"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Group every synchronised contact is placed in.
	Group string `json:"group,omitempty"`
}

type SyncConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "every 30m"
	Workers  int    `json:"workers,omitempty"`
}

// DeliveryConfig: with an empty Schedule the inbound queue is consumed
// continuously; otherwise it is drained when the schedule fires.
type DeliveryConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type ReminderConfig struct {
	DataSetCodes []string `json:"data_set_codes"`
	Schedule     string   `json:"schedule,omitempty"`
	// Text is the reminder message; the first %s (or every {0}) is replaced by the dataset name.
	Text string `json:"text,omitempty"`
	// SyncFirst defaults to sync.enabled when omitted.
	SyncFirst *bool `json:"sync_first,omitempty"`
}

type ReplayConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// FlowPollConfig maps contact-hub flow uuids to the dataset codes their
// runs report on.
type FlowPollConfig struct {
	Enabled  bool              `json:"enabled"`
	Schedule string            `json:"schedule,omitempty"`
	Flows    map[string]string `json:"flows,omitempty"`
}

type QueueConfig struct {
	Driver     string   `json:"driver,omitempty"` // memory (default) | kafka
	Brokers    []string `json:"brokers,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	GroupID    string   `json:"group_id,omitempty"`
	BufferSize int      `json:"buffer_size,omitempty"`
}

// StorageConfig controls the SQL store used for audit rows, watermarks and
// (by default) checkpoints.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportbridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type CheckpointConfig struct {
	Driver    string `json:"driver,omitempty"` // sql (default) | redis
	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the API listener.
	Pprof bool `json:"pprof,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}
