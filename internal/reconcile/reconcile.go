// Package reconcile keeps the contact hub's directory in line with the
// registry's user roster and answers linkage questions about contacts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"reportbridge/internal/audience"
	"reportbridge/internal/contacthub"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/roster"
	logx "reportbridge/pkg/logx"
)

var ErrNoOrgUnit = errors.New("contact has no org unit")

// Labels of the custom fields created during set-up.
const (
	LabelOrgUnitID = "DHIS2 Organisation Unit ID"
	LabelUserID    = "DHIS2 User ID"
)

// Hub is the contact-hub surface the reconciler uses.
type Hub interface {
	ContactByURN(ctx context.Context, urn string) (contacthub.Contact, error)
	Contact(ctx context.Context, uuid string) (contacthub.Contact, error)
	GroupContacts(ctx context.Context, group string) iter.Seq2[contacthub.Contact, error]
	CreateContact(ctx context.Context, w contacthub.ContactWrite) (contacthub.Contact, error)
	UpdateContact(ctx context.Context, uuid string, w contacthub.ContactWrite) (contacthub.Contact, error)
	Fields(ctx context.Context) ([]contacthub.Field, error)
	CreateField(ctx context.Context, label string) (contacthub.Field, error)
	GroupByName(ctx context.Context, name string) (contacthub.Group, error)
	CreateGroup(ctx context.Context, name string) (contacthub.Group, error)
}

// Roster lists registry users.
type Roster interface {
	Users(ctx context.Context) ([]roster.Record, error)
}

type Options struct {
	Group   string
	Scheme  string
	Workers int
}

type Reconciler struct {
	hub    Hub
	roster Roster
	opt    Options
	bus    eventbus.Bus
	log    logx.Logger

	mu        sync.Mutex
	groupUUID string
}

func New(hub Hub, users Roster, opt Options, bus eventbus.Bus, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	return &Reconciler{hub: hub, roster: users, opt: opt, bus: bus, log: log.With(logx.String("comp", "reconcile"))}
}

// SetOptions swaps group, scheme and worker count for the next run.
func (r *Reconciler) SetOptions(opt Options) {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	r.mu.Lock()
	if opt.Group != r.opt.Group {
		r.groupUUID = ""
	}
	r.opt = opt
	r.mu.Unlock()
}

func (r *Reconciler) options() (Options, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opt, r.groupUUID
}

// SetUp creates the bridge's custom fields and contact group when missing.
// Existing ones are left untouched.
func (r *Reconciler) SetUp(ctx context.Context) error {
	opt, _ := r.options()
	fields, err := r.hub.Fields(ctx)
	if err != nil {
		return fmt.Errorf("set up: %w", err)
	}
	have := map[string]bool{}
	for _, f := range fields {
		have[f.Key] = true
	}
	for _, want := range []struct{ key, label string }{
		{contacthub.FieldOrgUnitID, LabelOrgUnitID},
		{contacthub.FieldUserID, LabelUserID},
	} {
		if have[want.key] {
			continue
		}
		if _, err := r.hub.CreateField(ctx, want.label); err != nil {
			return fmt.Errorf("set up: %w", err)
		}
		r.log.Info("contact field created", logx.String("key", want.key))
	}

	g, err := r.hub.GroupByName(ctx, opt.Group)
	if errors.Is(err, contacthub.ErrNotFound) {
		g, err = r.hub.CreateGroup(ctx, opt.Group)
		if err == nil {
			r.log.Info("contact group created", logx.String("group", opt.Group))
		}
	}
	if err != nil {
		return fmt.Errorf("set up: %w", err)
	}
	r.mu.Lock()
	r.groupUUID = g.UUID
	r.mu.Unlock()
	return nil
}

type Action string

const (
	Skipped Action = "skipped"
	Created Action = "created"
	Updated Action = "updated"
)

// Reconcile creates or overwrites the contact linked to rec. Records that
// cannot be messaged or have no org unit are skipped.
func (r *Reconciler) Reconcile(ctx context.Context, rec roster.Record) (Action, error) {
	if !roster.Syncable(rec) {
		return Skipped, nil
	}
	opt, groupUUID := r.options()
	ou, ok := rec.PrimaryOrgUnit(opt.Scheme)
	if !ok {
		return Skipped, nil
	}
	if groupUUID == "" {
		if err := r.SetUp(ctx); err != nil {
			return Skipped, err
		}
		_, groupUUID = r.options()
	}

	ext := contacthub.ExternalURN(rec.ID)
	urns := make([]string, 0, 6)
	for _, a := range rec.Addresses() {
		urns = append(urns, a.URN())
	}
	urns = append(urns, ext)
	w := contacthub.ContactWrite{
		Name:   rec.Name(),
		URNs:   urns,
		Groups: []string{groupUUID},
		Fields: map[string]string{
			contacthub.FieldOrgUnitID: ou,
			contacthub.FieldUserID:    rec.ID,
		},
	}

	existing, err := r.hub.ContactByURN(ctx, ext)
	switch {
	case errors.Is(err, contacthub.ErrNotFound):
		if _, err := r.hub.CreateContact(ctx, w); err != nil {
			return Skipped, err
		}
		return Created, nil
	case err != nil:
		return Skipped, err
	}
	if _, err := r.hub.UpdateContact(ctx, existing.UUID, w); err != nil {
		return Skipped, err
	}
	return Updated, nil
}

type SyncReport struct {
	Users    int           `json:"users"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Sync reconciles every roster user. One user's failure is logged and
// counted; it does not stop the others. Sync returns once every user is done.
func (r *Reconciler) Sync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	opt, _ := r.options()
	if err := r.SetUp(ctx); err != nil {
		return SyncReport{}, err
	}
	users, err := r.roster.Users(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("sync: %w", err)
	}
	r.log.Info("synchronising contacts", logx.Int("users", len(users)), logx.Int("workers", opt.Workers))

	var created, updated, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(opt.Workers)
	for _, rec := range users {
		g.Go(func() error {
			act, err := Skipped, ctx.Err()
			if err == nil {
				act, err = r.Reconcile(ctx, rec)
			}
			if err != nil {
				failed.Add(1)
				r.log.Error("contact sync failed", logx.String("user", rec.ID), logx.Err(err))
				r.publish(eventbus.ContactSyncFailed, rec.ID)
				return nil
			}
			switch act {
			case Created:
				created.Add(1)
			case Updated:
				updated.Add(1)
			default:
				skipped.Add(1)
				return nil
			}
			r.publish(eventbus.ContactSynced, rec.ID)
			return nil
		})
	}
	_ = g.Wait()

	rep := SyncReport{
		Users:    len(users),
		Created:  int(created.Load()),
		Updated:  int(updated.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	r.log.Info("contacts synchronised",
		logx.Int("created", rep.Created),
		logx.Int("updated", rep.Updated),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration),
	)
	return rep, ctx.Err()
}

// OrgUnitOf returns the org unit linked to a contact.
func (r *Reconciler) OrgUnitOf(ctx context.Context, contactUUID string) (string, error) {
	c, err := r.hub.Contact(ctx, contactUUID)
	if err != nil {
		return "", err
	}
	ou := c.Fields[contacthub.FieldOrgUnitID]
	if ou == "" {
		return "", fmt.Errorf("contact %s: %w", contactUUID, ErrNoOrgUnit)
	}
	return ou, nil
}

// Audience maps each org unit to the uuids of the group's contacts linked to it.
func (r *Reconciler) Audience(ctx context.Context) (audience.Map[string, string], error) {
	opt, _ := r.options()
	var listErr error
	var pairs iter.Seq[map[string]string] = func(yield func(map[string]string) bool) {
		for c, err := range r.hub.GroupContacts(ctx, opt.Group) {
			if err != nil {
				listErr = err
				return
			}
			ou := c.Fields[contacthub.FieldOrgUnitID]
			if ou == "" {
				continue
			}
			if !yield(map[string]string{ou: c.UUID}) {
				return
			}
		}
	}
	m := audience.Fold(pairs)
	if listErr != nil {
		return nil, fmt.Errorf("build audience: %w", listErr)
	}
	return m, nil
}

func (r *Reconciler) publish(typ, userID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: userID})
}
