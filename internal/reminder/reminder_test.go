package reminder

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbridge/internal/audience"
	"reportbridge/internal/contacthub"
	"reportbridge/internal/period"
	"reportbridge/internal/reconcile"
	"reportbridge/internal/registry"
	"reportbridge/internal/roster"
	logx "reportbridge/pkg/logx"
)

type fakeRegistry struct {
	rates   map[string]float64
	rateErr error
	queried []string
}

func (f *fakeRegistry) DataSetByCode(_ context.Context, code string) (registry.DataSet, error) {
	if code != "MAL_YEARLY" {
		return registry.DataSet{}, registry.ErrNotFound
	}
	return registry.DataSet{ID: "qNtxTrp56wV", Name: "Malaria annual", PeriodType: "Yearly",
		OrganisationUnits: []roster.OrgUnitRef{{ID: "ou-60"}, {ID: "ou-100"}, {ID: "ou-nobody"}}}, nil
}

func (f *fakeRegistry) ReportingRates(_ context.Context, _, periodID string, orgUnits []string, _ string) (map[string]float64, error) {
	f.queried = append(f.queried, periodID)
	return f.rates, f.rateErr
}

type fakeDirectory struct {
	aud    audience.Map[string, string]
	synced int
}

func (d *fakeDirectory) Sync(context.Context) (reconcile.SyncReport, error) {
	d.synced++
	return reconcile.SyncReport{}, nil
}

func (d *fakeDirectory) Audience(context.Context) (audience.Map[string, string], error) { return d.aud, nil }

type sentMsg struct {
	contacts []string
	text     string
}

type fakeSender struct{ sent []sentMsg }

func (s *fakeSender) Broadcast(_ context.Context, contacts []string, text string) (contacthub.Broadcast, error) {
	s.sent = append(s.sent, sentMsg{contacts, text})
	return contacthub.Broadcast{ID: int64(len(s.sent))}, nil
}

func newBroadcaster(reg *fakeRegistry, dir *fakeDirectory, hub *fakeSender, opt Options) *Broadcaster {
	clock := period.Calculator{Now: func() time.Time { return time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC) }}
	return New(reg, dir, hub, clock, opt, nil, logx.Nop())
}

func testAudience() audience.Map[string, string] {
	return audience.Fold(slices.Values([]map[string]string{{"ou-60": "c1"}, {"ou-100": "c2"}, {"ou-60": "c3"}}))
}

func TestRunBroadcastsOnlyBelowFullRate(t *testing.T) {
	reg := &fakeRegistry{rates: map[string]float64{"ou-60": 60, "ou-100": 100, "ou-nobody": 0}}
	dir := &fakeDirectory{aud: testAudience()}
	hub := &fakeSender{}
	b := newBroadcaster(reg, dir, hub, Options{DataSetCodes: []string{"MAL_YEARLY"}, Text: "Kindly submit your %s report", Scheme: "ID"})

	rep, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, hub.sent, 1)
	assert.Equal(t, []string{"c1", "c3"}, hub.sent[0].contacts)
	assert.Equal(t, "Kindly submit your Malaria annual report", hub.sent[0].text)
	assert.Equal(t, "2024", rep.Period["MAL_YEARLY"])
	assert.Equal(t, []string{"2024"}, reg.queried)
	assert.Zero(t, dir.synced)
}

func TestRunSkipsUnknownCodesAndContinues(t *testing.T) {
	reg := &fakeRegistry{rates: map[string]float64{"ou-60": 10}}
	hub := &fakeSender{}
	dir := &fakeDirectory{aud: testAudience()}
	b := newBroadcaster(reg, dir, hub, Options{DataSetCodes: []string{"NOPE", "MAL_YEARLY"}, Text: "Submit {0}", SyncFirst: true})

	rep, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"NOPE"}, rep.Skipped)
	require.Len(t, hub.sent, 1)
	assert.Equal(t, "Submit Malaria annual", hub.sent[0].text)
	assert.Equal(t, 1, dir.synced)
}

func TestRunJoinsPerCodeErrors(t *testing.T) {
	reg := &fakeRegistry{rateErr: errors.New("analytics down")}
	b := newBroadcaster(reg, &fakeDirectory{aud: testAudience()}, &fakeSender{}, Options{DataSetCodes: []string{"MAL_YEARLY", "NOPE"}})

	rep, err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analytics down")
	assert.Equal(t, []string{"NOPE"}, rep.Skipped)
}

func TestMessageForLeavesOtherVerbsAlone(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{tmpl: "Kindly submit your %s report", want: "Kindly submit your Malaria report"},
		{tmpl: "%s is below 100%, submit %s now", want: "Malaria is below 100%, submit %s now"},
		{tmpl: "Submit {0} today, {0}!", want: "Submit Malaria today, Malaria!"},
		{tmpl: "Reports due (%d days left)", want: "Reports due (%d days left)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, messageFor(tt.tmpl, "Malaria"), tt.tmpl)
	}
}
