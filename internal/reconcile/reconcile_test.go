package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbridge/internal/contacthub"
	"reportbridge/internal/roster"
	logx "reportbridge/pkg/logx"
)

type fakeHub struct {
	mu       sync.Mutex
	contacts map[string]contacthub.Contact // by uuid
	fields   []contacthub.Field
	groups   []contacthub.Group
	created  []string
	failURN  string
	seq      int
}

func newFakeHub() *fakeHub { return &fakeHub{contacts: map[string]contacthub.Contact{}} }

func (h *fakeHub) ContactByURN(_ context.Context, urn string) (contacthub.Contact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if urn == h.failURN {
		return contacthub.Contact{}, errors.New("hub unavailable")
	}
	for _, c := range h.contacts {
		for _, u := range c.URNs {
			if u == urn {
				return c, nil
			}
		}
	}
	return contacthub.Contact{}, contacthub.ErrNotFound
}

func (h *fakeHub) Contact(_ context.Context, uuid string) (contacthub.Contact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.contacts[uuid]
	if !ok {
		return contacthub.Contact{}, contacthub.ErrNotFound
	}
	return c, nil
}

func (h *fakeHub) GroupContacts(_ context.Context, group string) iter.Seq2[contacthub.Contact, error] {
	h.mu.Lock()
	var out []contacthub.Contact
	for _, c := range h.contacts {
		out = append(out, c)
	}
	h.mu.Unlock()
	return func(yield func(contacthub.Contact, error) bool) {
		for _, c := range out {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (h *fakeHub) write(uuid string, w contacthub.ContactWrite) contacthub.Contact {
	c := contacthub.Contact{UUID: uuid, Name: w.Name, URNs: w.URNs, Fields: w.Fields}
	for _, g := range w.Groups {
		c.Groups = append(c.Groups, contacthub.Group{UUID: g})
	}
	h.contacts[uuid] = c
	return c
}

func (h *fakeHub) CreateContact(_ context.Context, w contacthub.ContactWrite) (contacthub.Contact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	uuid := fmt.Sprintf("c%d", h.seq)
	h.created = append(h.created, uuid)
	return h.write(uuid, w), nil
}

func (h *fakeHub) UpdateContact(_ context.Context, uuid string, w contacthub.ContactWrite) (contacthub.Contact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.write(uuid, w), nil
}

func (h *fakeHub) Fields(context.Context) ([]contacthub.Field, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]contacthub.Field(nil), h.fields...), nil
}

func (h *fakeHub) CreateField(_ context.Context, label string) (contacthub.Field, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := map[string]string{LabelOrgUnitID: contacthub.FieldOrgUnitID, LabelUserID: contacthub.FieldUserID}[label]
	f := contacthub.Field{Key: key, Label: label, ValueType: "text"}
	h.fields = append(h.fields, f)
	return f, nil
}

func (h *fakeHub) GroupByName(_ context.Context, name string) (contacthub.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range h.groups {
		if g.Name == name {
			return g, nil
		}
	}
	return contacthub.Group{}, contacthub.ErrNotFound
}

func (h *fakeHub) CreateGroup(_ context.Context, name string) (contacthub.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := contacthub.Group{UUID: "g-" + name, Name: name}
	h.groups = append(h.groups, g)
	return g, nil
}

type staticRoster []roster.Record

func (s staticRoster) Users(context.Context) ([]roster.Record, error) { return s, nil }

func ptr(s string) *string { return &s }

func user(id, phone, ou string) roster.Record {
	r := roster.Record{ID: id, FirstName: "First" + id, Surname: "Last"}
	if phone != "" {
		r.PhoneNumber = ptr(phone)
	}
	if ou != "" {
		r.OrgUnits = []roster.OrgUnitRef{{ID: ou, Code: "CODE_" + ou}}
	}
	return r
}

func TestSetUpCreatesOnlyMissing(t *testing.T) {
	hub := newFakeHub()
	hub.fields = []contacthub.Field{{Key: contacthub.FieldUserID, Label: LabelUserID}}
	hub.groups = []contacthub.Group{{UUID: "existing", Name: "DHIS2"}}
	r := New(hub, staticRoster(nil), Options{Group: "DHIS2", Scheme: "ID"}, nil, logx.Nop())

	require.NoError(t, r.SetUp(context.Background()))
	require.Len(t, hub.fields, 2)
	assert.Equal(t, contacthub.FieldOrgUnitID, hub.fields[1].Key)
	assert.Len(t, hub.groups, 1)

	require.NoError(t, r.SetUp(context.Background()))
	assert.Len(t, hub.fields, 2)
}

func TestReconcileCreatesThenUpdates(t *testing.T) {
	hub := newFakeHub()
	r := New(hub, staticRoster(nil), Options{Group: "DHIS2", Scheme: "CODE"}, nil, logx.Nop())
	rec := user("u1", "+2613300000", "ou1")
	rec.Telegram = ptr("@ada")

	act, err := r.Reconcile(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, Created, act)

	c := hub.contacts["c1"]
	assert.Equal(t, "Firstu1 Last", c.Name)
	assert.Equal(t, []string{"tel:+2613300000", "telegram:@ada", "ext:u1"}, c.URNs)
	assert.Equal(t, "CODE_ou1", c.Fields[contacthub.FieldOrgUnitID])
	assert.Equal(t, "u1", c.Fields[contacthub.FieldUserID])
	assert.Equal(t, "g-DHIS2", c.Groups[0].UUID)

	rec.Surname = "Lovelace"
	act, err = r.Reconcile(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, Updated, act)
	assert.Len(t, hub.contacts, 1)
	assert.Equal(t, "Firstu1 Lovelace", hub.contacts["c1"].Name)
}

func TestReconcileSkipsUnreachable(t *testing.T) {
	hub := newFakeHub()
	r := New(hub, staticRoster(nil), Options{Group: "DHIS2", Scheme: "ID"}, nil, logx.Nop())
	for _, rec := range []roster.Record{user("u1", "", "ou1"), user("u2", "+1", "")} {
		act, err := r.Reconcile(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, Skipped, act)
	}
	assert.Empty(t, hub.contacts)
}

func TestReconcileSkipsMemberWithoutSchemeIdentifier(t *testing.T) {
	hub := newFakeHub()
	r := New(hub, staticRoster(nil), Options{Group: "DHIS2", Scheme: "CODE"}, nil, logx.Nop())
	rec := user("u1", "+1", "ou1")
	rec.OrgUnits[0].Code = ""
	require.True(t, roster.Syncable(rec))

	act, err := r.Reconcile(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, Skipped, act)
	assert.Empty(t, hub.contacts)
	assert.Empty(t, hub.groups, "a skipped member must not trigger hub set-up")
}

func TestSyncIsolatesFailures(t *testing.T) {
	hub := newFakeHub()
	hub.failURN = "ext:bad"
	users := staticRoster{
		user("u1", "+1", "ou1"),
		user("bad", "+2", "ou1"),
		user("u3", "", "ou2"),
		user("u4", "+4", "ou2"),
	}
	r := New(hub, users, Options{Group: "DHIS2", Scheme: "ID", Workers: 3}, nil, logx.Nop())

	rep, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Users)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Failed)

	// a second run is idempotent
	rep, err = r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Updated)
	assert.Len(t, hub.contacts, 2)
}

type cancellingRoster struct {
	staticRoster
	cancel context.CancelFunc
}

func (c cancellingRoster) Users(ctx context.Context) ([]roster.Record, error) {
	c.cancel()
	return c.staticRoster, nil
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestSyncLogsEveryRecordLeftByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	users := cancellingRoster{staticRoster: staticRoster{user("u1", "+1", "ou1"), user("u2", "+2", "ou1")}, cancel: cancel}
	var logs lockedBuffer
	r := New(newFakeHub(), users, Options{Group: "DHIS2", Scheme: "ID", Workers: 1}, nil, logx.NewWriter(&logs, "info"))

	rep, err := r.Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rep.Failed)
	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, `"contact sync failed"`))
	assert.Contains(t, out, `"user":"u1"`)
	assert.Contains(t, out, `"user":"u2"`)
}

func TestOrgUnitOfAndAudience(t *testing.T) {
	hub := newFakeHub()
	r := New(hub, staticRoster{user("u1", "+1", "ou1"), user("u2", "+2", "ou1"), user("u3", "+3", "ou2")},
		Options{Group: "DHIS2", Scheme: "ID", Workers: 2}, nil, logx.Nop())
	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	c, err := hub.ContactByURN(context.Background(), "ext:u3")
	require.NoError(t, err)
	ou, err := r.OrgUnitOf(context.Background(), c.UUID)
	require.NoError(t, err)
	assert.Equal(t, "ou2", ou)

	_, err = r.OrgUnitOf(context.Background(), "missing")
	assert.ErrorIs(t, err, contacthub.ErrNotFound)

	aud, err := r.Audience(context.Background())
	require.NoError(t, err)
	assert.Len(t, aud["ou1"], 2)
	assert.Len(t, aud["ou2"], 1)
}
