package flowpoll

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbridge/internal/contacthub"
	"reportbridge/internal/notification"
	"reportbridge/internal/queue"
	"reportbridge/internal/storage"
	logx "reportbridge/pkg/logx"
)

type fakeRuns struct {
	byFlow map[string][]contacthub.Run
	after  map[string]time.Time
	err    error
}

func (f *fakeRuns) Runs(_ context.Context, flow string, after time.Time) iter.Seq2[contacthub.Run, error] {
	f.after[flow] = after
	return func(yield func(contacthub.Run, error) bool) {
		if f.err != nil {
			yield(contacthub.Run{}, f.err)
			return
		}
		for _, r := range f.byFlow[flow] {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "poll.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunPublishesFinishedRunsOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	open := now.Add(-30 * time.Minute)
	done := now.Add(-10 * time.Minute)
	runs := &fakeRuns{after: map[string]time.Time{}, byFlow: map[string][]contacthub.Run{
		"flow-1": {
			{UUID: "r1", Contact: notification.Contact{UUID: "c1"}, ModifiedOn: done, ExitedOn: &done,
				Values: map[string]notification.Result{"GEN_EXT_FUND": {Value: "3"}}},
			{UUID: "r2", Contact: notification.Contact{UUID: "c2"}, ModifiedOn: open},
		},
	}}
	st := openStore(t)
	q := queue.NewMemory(8)
	p := New(runs, st, q, map[string]string{"flow-1": "MAL_YEARLY"}, logx.Nop())
	p.now = func() time.Time { return now }

	n, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, runs.after["flow-1"].IsZero())

	msgs, err := q.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "MAL_YEARLY", msgs[0].Notification.DataSetCode)
	p0, err := msgs[0].Notification.Decode()
	require.NoError(t, err)
	assert.Equal(t, "3", p0.Results["GEN_EXT_FUND"].Text())

	// the open run holds the watermark at its modified_on
	mark, ok, err := st.GetWatermark(ctx, WatermarkName("flow-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Equal(open), "watermark %v", mark)

	// r1 comes back from the hub but is not queued again
	for range 2 {
		n, err = p.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.True(t, runs.after["flow-1"].Equal(open))
	}
	assert.Equal(t, 0, q.Len())

	// r2 finishes and is queued exactly once
	exited := now.Add(5 * time.Minute)
	runs.byFlow["flow-1"][1].ModifiedOn = exited
	runs.byFlow["flow-1"][1].ExitedOn = &exited
	later := now.Add(time.Hour)
	p.now = func() time.Time { return later }

	n, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msgs, err = q.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r2@"+exited.Format(time.RFC3339Nano), msgs[0].Notification.ID)

	mark, _, err = st.GetWatermark(ctx, WatermarkName("flow-1"))
	require.NoError(t, err)
	assert.True(t, mark.Equal(later), "watermark %v", mark)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, notification.Notification) error { return f.err }

func TestRunRetriesRunWhosePublishFailed(t *testing.T) {
	ctx := context.Background()
	done := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	runs := &fakeRuns{after: map[string]time.Time{}, byFlow: map[string][]contacthub.Run{
		"flow-1": {{UUID: "r1", ModifiedOn: done, ExitedOn: &done}},
	}}
	st := openStore(t)
	p := New(runs, st, failingPublisher{err: errors.New("queue full")}, map[string]string{"flow-1": "X"}, logx.Nop())

	_, err := p.Run(ctx)
	require.Error(t, err)
	_, ok, err := st.GetWatermark(ctx, WatermarkName("flow-1"))
	require.NoError(t, err)
	assert.False(t, ok)

	q := queue.NewMemory(2)
	p.pub = q
	n, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())
}

func TestRunKeepsWatermarkOnFailure(t *testing.T) {
	runs := &fakeRuns{after: map[string]time.Time{}, err: errors.New("hub down")}
	st := openStore(t)
	p := New(runs, st, queue.NewMemory(1), map[string]string{"flow-1": "X"}, logx.Nop())

	_, err := p.Run(context.Background())
	require.Error(t, err)
	_, ok, err := st.GetWatermark(context.Background(), WatermarkName("flow-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
