// Package flowpoll pulls finished flow runs from the contact hub and feeds
// them into the inbound queue as report notifications.
package flowpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"reportbridge/internal/contacthub"
	"reportbridge/internal/delivery"
	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

type Runs interface {
	Runs(ctx context.Context, flow string, after time.Time) iter.Seq2[contacthub.Run, error]
}

// Watermarks keeps each flow's last-run instant and the runs already
// published since then. A run still open holds the watermark back, so runs
// after it come round again and are skipped by id.
type Watermarks interface {
	GetWatermark(ctx context.Context, name string) (time.Time, bool, error)
	PutWatermark(ctx context.Context, name string, at time.Time) error
	MarkRunPublished(ctx context.Context, name, runID string, modifiedOn time.Time) (bool, error)
	UnmarkRunPublished(ctx context.Context, name, runID string) error
	PrunePublished(ctx context.Context, name string, before time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, n notification.Notification) error
}

// WatermarkName is the storage key of a flow's last-run instant.
func WatermarkName(flowUUID string) string { return "flow:" + flowUUID }

type Poller struct {
	runs  Runs
	marks Watermarks
	pub   Publisher
	now   func() time.Time
	log   logx.Logger

	mu    sync.Mutex
	flows map[string]string
}

// New polls each flow uuid in flows and tags its runs with the mapped data set code.
func New(runs Runs, marks Watermarks, pub Publisher, flows map[string]string, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{runs: runs, marks: marks, pub: pub, flows: maps.Clone(flows), now: time.Now, log: log.With(logx.String("comp", "flowpoll"))}
}

func (p *Poller) SetFlows(flows map[string]string) {
	p.mu.Lock()
	p.flows = maps.Clone(flows)
	p.mu.Unlock()
}

// Run polls every configured flow once and returns the number of
// notifications published. A flow that fails keeps its old watermark.
func (p *Poller) Run(ctx context.Context) (int, error) {
	p.mu.Lock()
	flows := maps.Clone(p.flows)
	p.mu.Unlock()

	total := 0
	var errs []error
	for _, flow := range slices.Sorted(maps.Keys(flows)) {
		n, err := p.poll(ctx, flow, flows[flow])
		total += n
		if err != nil {
			p.log.Error("flow poll failed", logx.String("flow", flow), logx.Err(err))
			errs = append(errs, fmt.Errorf("flow %s: %w", flow, err))
		}
	}
	return total, errors.Join(errs...)
}

func (p *Poller) poll(ctx context.Context, flow, dataSetCode string) (int, error) {
	name := WatermarkName(flow)
	last, _, err := p.marks.GetWatermark(ctx, name)
	if err != nil {
		return 0, err
	}
	next := p.now().UTC()
	published := 0
	for run, err := range p.runs.Runs(ctx, flow, last) {
		if err != nil {
			return published, err
		}
		payload := run.Payload()
		next = delivery.NextLastRun(next, payload)
		if run.ExitedOn == nil {
			continue
		}
		ok, err := p.publish(ctx, name, dataSetCode, run, payload)
		if err != nil {
			return published, err
		}
		if ok {
			published++
		}
	}
	if err := p.marks.PutWatermark(ctx, name, next); err != nil {
		return published, err
	}
	if err := p.marks.PrunePublished(ctx, name, next); err != nil {
		p.log.Warn("prune published runs failed", logx.String("flow", flow), logx.Err(err))
	}
	p.log.Debug("flow polled", logx.String("flow", flow), logx.Int("runs", published), logx.Time("watermark", next))
	return published, nil
}

// publish queues a finished run once. It reports false for a run published
// by an earlier poll.
func (p *Poller) publish(ctx context.Context, name, dataSetCode string, run contacthub.Run, payload notification.Payload) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode run %s: %w", run.UUID, err)
	}
	fresh, err := p.marks.MarkRunPublished(ctx, name, run.UUID, run.ModifiedOn)
	if err != nil || !fresh {
		return false, err
	}
	n := notification.Notification{
		ID:          run.UUID + "@" + run.ModifiedOn.UTC().Format(time.RFC3339Nano),
		DataSetCode: dataSetCode,
		Payload:     raw,
	}
	if err := p.pub.Publish(ctx, n); err != nil {
		if uerr := p.marks.UnmarkRunPublished(ctx, name, run.UUID); uerr != nil {
			p.log.Error("run marked but not published", logx.String("run", run.UUID), logx.Err(uerr))
		}
		return false, fmt.Errorf("publish run %s: %w", run.UUID, err)
	}
	return true, nil
}
