package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"reportbridge/internal/task/engine"
	logx "reportbridge/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "0 0 9 * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every word", raw: "every 30m", kind: SpecInterval, source: "duration", duration: 30 * time.Minute},
		{name: "at every", raw: "@every 1h", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "every 0s", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	fired chan struct{}
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
	return nil
}

func TestAddRejectsBadCron(t *testing.T) {
	s := New(Config{}, &recordingEngine{}, logx.Nop())
	err := s.Add("bad", "61 * * * * *", 0, engine.TaskOptions{}, func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected cron parse error")
	}
}

func TestAddUpsertsByName(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, &recordingEngine{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("sync", "every 30m", time.Minute, engine.TaskOptions{}, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("sync", "0 0 9 * * *", time.Minute, engine.TaskOptions{}, job); err != nil {
		t.Fatal(err)
	}
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "0 0 9 * * *" {
		t.Fatalf("schedules = %+v", got)
	}
	if !s.Remove("sync") || s.Remove("sync") {
		t.Fatal("remove should succeed once")
	}
}

func TestTriggerEnqueuesWithOverlapSkip(t *testing.T) {
	rec := &recordingEngine{fired: make(chan struct{}, 1)}
	s := New(Config{Timezone: "UTC"}, rec, logx.Nop())
	if err := s.Add("replay", "* * * * * *", 0, engine.TaskOptions{}, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-rec.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron did not fire")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.tasks[0].Name != "replay" || rec.tasks[0].Opt.Overlap != engine.OverlapSkipIfRunning {
		t.Fatalf("task = %+v", rec.tasks[0])
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "flow-poll")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every rounds to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= time.Minute-time.Second || gap > time.Minute {
		t.Fatalf("second run after %v", gap)
	}
}
