package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"reportbridge/internal/task/engine"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Africa/Blantyre"
}

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}
