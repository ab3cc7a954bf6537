package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
registry:
  base_url: https://registry.example.org/
  username: admin
  password: district
contact_hub:
  base_url: https://hub.example.org/
  token: abc
reminder:
  data_set_codes: [MAL_YEARLY]
`

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "ID", cfg.OrgUnitIDScheme)
	assert.Equal(t, DefaultGroup, cfg.ContactHub.Group)
	assert.Equal(t, DefaultSyncSchedule, cfg.Sync.Schedule)
	assert.Equal(t, DefaultRemindSchedule, cfg.Reminder.Schedule)
	assert.Equal(t, DefaultReminderText, cfg.Reminder.Text)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "sql", cfg.Checkpoint.Driver)
	assert.Equal(t, 50, cfg.Replay.BatchSize)
	assert.Equal(t, []string{"MAL_YEARLY"}, cfg.Reminder.DataSetCodes)
	assert.False(t, cfg.SyncBeforeRemind())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"registry":{"base_url":"http://r","bogus":1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	body := `{"registry":{"base_url":"http://r"},"contact_hub":{"base_url":"http://h"}} {}`
	_, err := Decode("config.json", []byte(body))
	require.Error(t, err)
}

func TestDecodeYAMLRejectsNonStringKeys(t *testing.T) {
	_, err := Decode("config.yml", []byte("sync:\n  1: every hour\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync: key 1 is not a string")
}

func TestDurationSettings(t *testing.T) {
	d, err := Duration("delivery.timeout", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = DurationOr("delivery.timeout", "", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = DurationOr("delivery.timeout", "-1s", time.Minute)
	assert.EqualError(t, err, `delivery.timeout: "-1s" is negative`)
	_, err = Duration("registry.timeout", "soon")
	assert.ErrorContains(t, err, `registry.timeout: "soon" is not a duration`)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{OrgUnitIDScheme: "uid"}
	cfg.ApplyDefaults()
	cfg.Queue.Driver = "kafka"
	cfg.Checkpoint.Driver = "redis"
	cfg.Registry.Timeout = "soon"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"registry.base_url is required",
		"contact_hub.base_url is required",
		"org_unit_id_scheme",
		"queue.brokers",
		"checkpoint.redis_url",
		"registry.timeout",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestSyncFirstOverride(t *testing.T) {
	off := false
	cfg := &Config{Sync: SyncConfig{Enabled: true}}
	assert.True(t, cfg.SyncBeforeRemind())
	cfg.Reminder.SyncFirst = &off
	assert.False(t, cfg.SyncBeforeRemind())
}

func TestSummarizeConfigChange(t *testing.T) {
	a, err := Decode("a.yaml", []byte(minimalYAML))
	require.NoError(t, err)
	b := *a
	b.Logging.Level = "debug"
	b.Registry.Password = "changed"

	ch := SummarizeConfigChange(a, &b)
	assert.Equal(t, []string{"logging", "registry"}, ch.Sections)
	assert.Equal(t, []string{"registry"}, ch.Restart)
	assert.True(t, SummarizeConfigChange(a, a).Empty())
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(minimalYAML, "token: abc", "token: def", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, "def", cfg.ContactHub.Token)
		assert.Equal(t, "def", m.Get().ContactHub.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
