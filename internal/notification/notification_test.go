package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "contact": {"uuid": "c-1", "name": "Ada", "urn": "tel:+100"},
  "flow": {"uuid": "f-1", "name": "Malaria weekly"},
  "results": {
    "gen_ext_fund": {"value": "5", "category": "Has Text"},
    "mal_cases": {"value": 12}
  },
  "modified_on": "2025-09-17T08:30:00Z"
}`

func TestHeadersRoundTrip(t *testing.T) {
	off := -2
	n := Notification{ID: "n1", DataSetCode: "MAL_YEARLY", OrgUnitID: "ou1", ReportPeriodOffset: &off}
	h := n.Headers()

	got, err := FromHeaders(func(k string) string { return h[k] }, []byte(samplePayload))
	require.NoError(t, err)
	assert.Equal(t, "MAL_YEARLY", got.DataSetCode)
	assert.Equal(t, "ou1", got.OrgUnitID)
	assert.Equal(t, -2, got.Offset())
	assert.Equal(t, samplePayload, string(got.Payload))
}

func TestFromHeadersRejectsBadOffset(t *testing.T) {
	_, err := FromHeaders(func(k string) string {
		if k == HeaderReportPeriodOffset {
			return "minus one"
		}
		return ""
	}, nil)
	require.Error(t, err)
}

func TestOffsetDefault(t *testing.T) {
	assert.Equal(t, DefaultOffset, Notification{}.Offset())
}

func TestDecodePayload(t *testing.T) {
	p, err := Notification{Payload: []byte(samplePayload)}.Decode()
	require.NoError(t, err)
	assert.Equal(t, "c-1", p.Contact.UUID)
	assert.Equal(t, "f-1", p.Flow.UUID)
	assert.Equal(t, "5", p.Results["gen_ext_fund"].Text())
	assert.Equal(t, "12", p.Results["mal_cases"].Text())
	require.NotNil(t, p.ModifiedOn)
	assert.Nil(t, p.ExitedOn)

	_, err = Notification{ID: "x"}.Decode()
	require.Error(t, err)
}

func TestResultCategoryOptionCombo(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{category: "MAL-0514Y", want: "MAL-0514Y"},
		{category: " MAL-0514Y ", want: "MAL-0514Y"},
		{category: "All Responses", want: ""},
		{category: "other", want: ""},
		{category: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Result{Category: tt.category}.CategoryOptionCombo(), tt.category)
	}
}
