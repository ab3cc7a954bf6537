// Package reminder nudges contacts whose org units are behind on a data set.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reportbridge/internal/audience"
	"reportbridge/internal/contacthub"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/period"
	"reportbridge/internal/reconcile"
	"reportbridge/internal/registry"
	logx "reportbridge/pkg/logx"
)

type Registry interface {
	DataSetByCode(ctx context.Context, code string) (registry.DataSet, error)
	ReportingRates(ctx context.Context, dataSetID, periodID string, orgUnits []string, scheme string) (map[string]float64, error)
}

// Directory provides the synchronised contacts grouped by org unit.
type Directory interface {
	Sync(ctx context.Context) (reconcile.SyncReport, error)
	Audience(ctx context.Context) (audience.Map[string, string], error)
}

type Sender interface {
	Broadcast(ctx context.Context, contacts []string, text string) (contacthub.Broadcast, error)
}

type Options struct {
	DataSetCodes []string
	// Text is the message; "%s" or "{0}" is replaced with the data set name.
	Text      string
	SyncFirst bool
	Scheme    string
}

// Sent records one broadcast.
type Sent struct {
	DataSetCode string   `json:"dataSetCode"`
	OrgUnit     string   `json:"orgUnit"`
	Rate        float64  `json:"rate"`
	Contacts    []string `json:"contacts"`
}

type Report struct {
	Period  map[string]string `json:"period"`
	Sent    []Sent            `json:"sent"`
	Skipped []string          `json:"skipped,omitempty"`
}

type Broadcaster struct {
	reg     Registry
	dir     Directory
	hub     Sender
	periods period.Calculator
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.Mutex
	opt Options
}

func New(reg Registry, dir Directory, hub Sender, periods period.Calculator, opt Options, bus eventbus.Bus, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{reg: reg, dir: dir, hub: hub, periods: periods, opt: opt, bus: bus, log: log.With(logx.String("comp", "reminder"))}
}

// SetOptions applies to the next Run.
func (b *Broadcaster) SetOptions(opt Options) {
	b.mu.Lock()
	b.opt = opt
	b.mu.Unlock()
}

func (b *Broadcaster) options() Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	opt := b.opt
	opt.DataSetCodes = append([]string(nil), b.opt.DataSetCodes...)
	return opt
}

// Run sends one broadcast per org unit whose reporting rate for the
// previous period is below 100% and that has linked contacts. Unknown data
// set codes are skipped with a warning; other per-code errors are joined
// and do not stop the remaining codes.
func (b *Broadcaster) Run(ctx context.Context) (Report, error) {
	opt := b.options()
	rep := Report{Period: map[string]string{}}
	b.log.Info("reminding contacts of overdue reports", logx.Strings("data_sets", opt.DataSetCodes))

	if opt.SyncFirst {
		if _, err := b.dir.Sync(ctx); err != nil {
			b.log.Warn("sync before reminders failed", logx.Err(err))
		}
	}
	if len(opt.DataSetCodes) == 0 {
		return rep, nil
	}

	aud, err := b.dir.Audience(ctx)
	if err != nil {
		return rep, err
	}

	var errs []error
	for _, code := range opt.DataSetCodes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		sent, periodID, err := b.remind(ctx, opt, code, aud)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			b.log.Warn("cannot remind contacts of unknown data set", logx.String("data_set", code))
			rep.Skipped = append(rep.Skipped, code)
		case err != nil:
			b.log.Error("reminders failed", logx.String("data_set", code), logx.Err(err))
			errs = append(errs, fmt.Errorf("data set %s: %w", code, err))
		}
		if periodID != "" {
			rep.Period[code] = periodID
		}
		rep.Sent = append(rep.Sent, sent...)
	}
	return rep, errors.Join(errs...)
}

func (b *Broadcaster) remind(ctx context.Context, opt Options, code string, aud audience.Map[string, string]) ([]Sent, string, error) {
	ds, err := b.reg.DataSetByCode(ctx, code)
	if err != nil {
		return nil, "", err
	}
	per, err := b.periods.Current(ds.PeriodType, period.DefaultOffset)
	if err != nil {
		return nil, "", err
	}
	rates, err := b.reg.ReportingRates(ctx, ds.ID, per.ID, ds.OrgUnitIDs(opt.Scheme), opt.Scheme)
	if err != nil {
		return nil, per.ID, err
	}

	text := messageFor(opt.Text, ds.Name)
	var sent []Sent
	var errs []error
	for _, ou := range audience.Keys(aud) {
		rate, ok := rates[ou]
		if !ok || rate >= 100 {
			continue
		}
		contacts := audience.Values(aud, ou)
		if len(contacts) == 0 {
			continue
		}
		if _, err := b.hub.Broadcast(ctx, contacts, text); err != nil {
			errs = append(errs, fmt.Errorf("org unit %s: %w", ou, err))
			continue
		}
		b.log.Info("overdue report reminder sent", logx.String("data_set", code), logx.String("org_unit", ou), logx.Float64("rate", rate), logx.Int("contacts", len(contacts)))
		s := Sent{DataSetCode: code, OrgUnit: ou, Rate: rate, Contacts: contacts}
		sent = append(sent, s)
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Time: time.Now(), Data: s})
		}
	}
	return sent, per.ID, errors.Join(errs...)
}

// messageFor substitutes name for the placeholder; any other % in the
// operator's text is left alone.
func messageFor(tmpl, name string) string {
	if strings.Contains(tmpl, "%s") {
		return strings.Replace(tmpl, "%s", name, 1)
	}
	return strings.ReplaceAll(tmpl, "{0}", name)
}
