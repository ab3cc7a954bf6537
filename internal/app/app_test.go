package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbridge/internal/config"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/task/engine"
	"reportbridge/internal/task/scheduler"
	logx "reportbridge/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Registry.BaseURL = "https://registry.example.org/"
	cfg.ContactHub.BaseURL = "https://hub.example.org/"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "bridge.db")
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMapStorageConfig(t *testing.T) {
	cfg := testConfig(t)
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	cfg.Storage.Driver = "none"
	_, enabled, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage.Driver = "postgres"
	_, _, err = mapStorageConfig(cfg)
	require.Error(t, err, "postgres without a dsn")

	cfg.Storage.Driver = "mongo"
	_, _, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestBuildWiresOfflineComponents(t *testing.T) {
	cfg := testConfig(t)
	comp, err := Build(cfg, logx.Nop(), eventbus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = comp.Close() })

	assert.NotNil(t, comp.Store)
	assert.NotNil(t, comp.Checkpoints)
	assert.Nil(t, comp.Poller)

	state, err := comp.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", state["storage"])
	assert.Equal(t, 0, state["queue_depth"])
}

func TestBuildRejectsFlowPollWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "none"
	cfg.Checkpoint.Driver = "redis"
	cfg.Checkpoint.RedisURL = "redis://127.0.0.1:6379/0"
	cfg.FlowPoll.Enabled = true
	cfg.FlowPoll.Flows = map[string]string{"flow-1": "MAL_YEARLY"}

	_, err := Build(cfg, logx.Nop(), eventbus.New())
	require.Error(t, err)
}

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(engine.Task) error { return nil }

func TestApplySchedulesFollowsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Enabled = true
	cfg.Reminder.DataSetCodes = []string{"MAL_YEARLY"}
	comp, err := Build(cfg, logx.Nop(), eventbus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = comp.Close() })

	a := &App{log: logx.Nop(), comp: comp, sched: scheduler.New(scheduler.Config{}, nopEnqueuer{}, logx.Nop())}
	require.NoError(t, a.applySchedules(cfg))
	assert.ElementsMatch(t, []string{JobSync, JobRemind, JobReplay}, scheduleNames(a.sched))

	next := *cfg
	next.Sync.Enabled = false
	next.Delivery.Schedule = "every 1m"
	require.NoError(t, a.applySchedules(&next))
	assert.ElementsMatch(t, []string{JobRemind, JobReplay, JobDrain}, scheduleNames(a.sched))

	bad := next
	bad.Replay.Schedule = "whenever"
	require.Error(t, a.applySchedules(&bad))
	assert.Contains(t, scheduleNames(a.sched), JobReplay)
}

func scheduleNames(s *scheduler.Service) []string {
	var out []string
	for _, info := range s.Schedules() {
		out = append(out, info.Name)
	}
	return out
}
