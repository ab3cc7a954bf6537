// Package notification defines the inbound aggregate-report notification.
package notification

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names used on queue messages and HTTP query strings.
const (
	HeaderDataSetCode        = "dataSetCode"
	HeaderOrgUnitID          = "orgUnitId"
	HeaderReportPeriodOffset = "reportPeriodOffset"
	HeaderID                 = "notificationId"
)

// DefaultOffset is used when a notification carries no reportPeriodOffset.
const DefaultOffset = -1

// Notification is one inbound report. Payload is kept exactly as received so
// that replay is deterministic.
type Notification struct {
	ID                 string          `json:"id"`
	DataSetCode        string          `json:"dataSetCode,omitempty"`
	OrgUnitID          string          `json:"orgUnitId,omitempty"`
	ReportPeriodOffset *int            `json:"reportPeriodOffset,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ReceivedAt         time.Time       `json:"receivedAt"`
}

// Offset returns the explicit period offset or DefaultOffset.
func (n Notification) Offset() int {
	if n.ReportPeriodOffset == nil {
		return DefaultOffset
	}
	return *n.ReportPeriodOffset
}

// Headers renders the routing fields as string headers.
func (n Notification) Headers() map[string]string {
	h := map[string]string{}
	if n.ID != "" {
		h[HeaderID] = n.ID
	}
	if n.DataSetCode != "" {
		h[HeaderDataSetCode] = n.DataSetCode
	}
	if n.OrgUnitID != "" {
		h[HeaderOrgUnitID] = n.OrgUnitID
	}
	if n.ReportPeriodOffset != nil {
		h[HeaderReportPeriodOffset] = strconv.Itoa(*n.ReportPeriodOffset)
	}
	return h
}

// FromHeaders builds a notification from routing headers and a raw payload.
func FromHeaders(get func(string) string, payload []byte) (Notification, error) {
	n := Notification{
		ID:          strings.TrimSpace(get(HeaderID)),
		DataSetCode: strings.TrimSpace(get(HeaderDataSetCode)),
		OrgUnitID:   strings.TrimSpace(get(HeaderOrgUnitID)),
		Payload:     append(json.RawMessage(nil), payload...),
	}
	if raw := strings.TrimSpace(get(HeaderReportPeriodOffset)); raw != "" {
		off, err := strconv.Atoi(raw)
		if err != nil {
			return Notification{}, fmt.Errorf("invalid %s %q: %w", HeaderReportPeriodOffset, raw, err)
		}
		n.ReportPeriodOffset = &off
	}
	return n, nil
}

// Contact identifies the contact-hub contact that produced the report.
type Contact struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
	URN  string `json:"urn,omitempty"`
}

// Flow identifies the contact-hub flow that collected the report.
type Flow struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// Result is one collected answer, keyed by its result name in Payload.Results.
type Result struct {
	Value    any    `json:"value"`
	Category string `json:"category,omitempty"`
	Name     string `json:"name,omitempty"`
	Input    string `json:"input,omitempty"`
}

// Text renders the result value the way the registry expects it.
func (r Result) Text() string {
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// CategoryOptionCombo is the category code the value is disaggregated by.
// The hub's own catch-all categories mean the default combo and give "".
func (r Result) CategoryOptionCombo() string {
	c := strings.TrimSpace(r.Category)
	switch strings.ToLower(c) {
	case "all responses", "other":
		return ""
	}
	return c
}

// Payload is the decoded application body of a notification.
type Payload struct {
	Contact    Contact           `json:"contact"`
	Flow       *Flow             `json:"flow,omitempty"`
	Results    map[string]Result `json:"results"`
	ModifiedOn *time.Time        `json:"modified_on,omitempty"`
	ExitedOn   *time.Time        `json:"exited_on,omitempty"`
}

// Decode parses the raw payload.
func (n Notification) Decode() (Payload, error) {
	var p Payload
	if len(n.Payload) == 0 {
		return p, fmt.Errorf("notification %s has an empty payload", n.ID)
	}
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return p, fmt.Errorf("decode notification payload: %w", err)
	}
	return p, nil
}
