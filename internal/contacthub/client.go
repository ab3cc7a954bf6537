// Package contacthub is the client for the messaging platform that holds
// contacts, custom fields, groups, broadcasts and flow runs.
//
// The base URL points at the versioned API root (for example
// https://hub.example.org/api/v2). Requests authenticate with "Token <t>".
package contacthub

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"time"

	"reportbridge/internal/notification"
	"reportbridge/internal/restclient"
	logx "reportbridge/pkg/logx"
)

// Custom contact fields maintained by the bridge.
const (
	FieldOrgUnitID = "dhis2_organisation_unit_id"
	FieldUserID    = "dhis2_user_id"
)

// ExtScheme is the URN scheme that links a contact to its roster record.
const ExtScheme = "ext"

var ErrNotFound = errors.New("contacthub: not found")

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	HTTPClient *http.Client
}

type Client struct {
	rc  *restclient.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "contacthub"))
	rc, err := restclient.New(restclient.Options{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RatePerSec: cfg.RatePerSec,
		HTTPClient: cfg.HTTPClient,
		Log:        log,
		Auth: func(r *http.Request) {
			if cfg.Token != "" {
				r.Header.Set("Authorization", "Token "+cfg.Token)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("contacthub: %w", err)
	}
	return &Client{rc: rc, log: log}, nil
}

type Group struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type Contact struct {
	UUID   string            `json:"uuid,omitempty"`
	Name   string            `json:"name"`
	URNs   []string          `json:"urns"`
	Groups []Group           `json:"groups,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ExternalURN is the linkage URN for a roster id.
func ExternalURN(rosterID string) string { return ExtScheme + ":" + rosterID }

// ContactWrite is the create/update body. Groups are referenced by uuid.
type ContactWrite struct {
	Name   string            `json:"name"`
	URNs   []string          `json:"urns"`
	Groups []string          `json:"groups"`
	Fields map[string]string `json:"fields"`
}

type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// list follows the next links of a paginated resource.
func list[T any](ctx context.Context, c *Client, path string, q url.Values) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		next := c.rc.URL(path, q)
		for next != "" {
			var p page[T]
			if _, err := c.rc.DoURL(ctx, http.MethodGet, next, nil, &p); err != nil {
				var zero T
				yield(zero, fmt.Errorf("list %s: %w", path, err))
				return
			}
			for _, item := range p.Results {
				if !yield(item, nil) {
					return
				}
			}
			next = ""
			if p.Next != nil {
				next = *p.Next
			}
		}
	}
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ContactByURN returns ErrNotFound when no contact has urn.
func (c *Client) ContactByURN(ctx context.Context, urn string) (Contact, error) {
	return c.first(ctx, url.Values{"urn": {urn}})
}

// Contact returns ErrNotFound when uuid is unknown.
func (c *Client) Contact(ctx context.Context, uuid string) (Contact, error) {
	return c.first(ctx, url.Values{"uuid": {uuid}})
}

func (c *Client) first(ctx context.Context, q url.Values) (Contact, error) {
	var p page[Contact]
	if _, err := c.rc.Do(ctx, http.MethodGet, "contacts.json", q, nil, &p); err != nil {
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	if len(p.Results) == 0 {
		return Contact{}, fmt.Errorf("contact %s: %w", q.Encode(), ErrNotFound)
	}
	return p.Results[0], nil
}

// GroupContacts streams every contact in the named group.
func (c *Client) GroupContacts(ctx context.Context, group string) iter.Seq2[Contact, error] {
	return list[Contact](ctx, c, "contacts.json", url.Values{"group": {group}})
}

func (c *Client) CreateContact(ctx context.Context, w ContactWrite) (Contact, error) {
	var out Contact
	if _, err := c.rc.Do(ctx, http.MethodPost, "contacts.json", nil, w, &out); err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return out, nil
}

// UpdateContact overwrites the contact's name, URNs, groups and the given fields.
func (c *Client) UpdateContact(ctx context.Context, uuid string, w ContactWrite) (Contact, error) {
	var out Contact
	if _, err := c.rc.Do(ctx, http.MethodPost, "contacts.json", url.Values{"uuid": {uuid}}, w, &out); err != nil {
		return Contact{}, fmt.Errorf("update contact %s: %w", uuid, err)
	}
	return out, nil
}

type Field struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	ValueType string `json:"value_type"`
}

func (c *Client) Fields(ctx context.Context) ([]Field, error) {
	return collect(list[Field](ctx, c, "fields.json", nil))
}

// CreateField creates a text field; the hub derives the key from label.
func (c *Client) CreateField(ctx context.Context, label string) (Field, error) {
	var out Field
	body := map[string]string{"label": label, "value_type": "text"}
	if _, err := c.rc.Do(ctx, http.MethodPost, "fields.json", nil, body, &out); err != nil {
		return Field{}, fmt.Errorf("create field %q: %w", label, err)
	}
	return out, nil
}

// GroupByName returns ErrNotFound when the group does not exist.
func (c *Client) GroupByName(ctx context.Context, name string) (Group, error) {
	var p page[Group]
	if _, err := c.rc.Do(ctx, http.MethodGet, "groups.json", url.Values{"name": {name}}, nil, &p); err != nil {
		return Group{}, fmt.Errorf("get group %q: %w", name, err)
	}
	for _, g := range p.Results {
		if g.Name == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("group %q: %w", name, ErrNotFound)
}

func (c *Client) CreateGroup(ctx context.Context, name string) (Group, error) {
	var out Group
	if _, err := c.rc.Do(ctx, http.MethodPost, "groups.json", nil, map[string]string{"name": name}, &out); err != nil {
		return Group{}, fmt.Errorf("create group %q: %w", name, err)
	}
	return out, nil
}

type Broadcast struct {
	ID       int64    `json:"id,omitempty"`
	Contacts []string `json:"contacts"`
	Text     string   `json:"text"`
}

// MaxBroadcastContacts is the most contacts the hub accepts in one broadcast.
const MaxBroadcastContacts = 100

// Broadcast sends text to the given contact uuids, split into as many
// broadcasts as the hub's per-request limit needs. The returned broadcast
// carries the first ID and every contact.
func (c *Client) Broadcast(ctx context.Context, contacts []string, text string) (Broadcast, error) {
	sent := Broadcast{Text: text}
	for chunk := range slices.Chunk(contacts, MaxBroadcastContacts) {
		var out Broadcast
		in := Broadcast{Contacts: chunk, Text: text}
		if _, err := c.rc.Do(ctx, http.MethodPost, "broadcasts.json", nil, in, &out); err != nil {
			return sent, fmt.Errorf("send broadcast (%d of %d contacts sent): %w", len(sent.Contacts), len(contacts), err)
		}
		if sent.ID == 0 {
			sent.ID = out.ID
		}
		sent.Contacts = append(sent.Contacts, chunk...)
	}
	return sent, nil
}

// Run is one contact's pass through a flow.
type Run struct {
	UUID       string                         `json:"uuid"`
	Flow       notification.Flow              `json:"flow"`
	Contact    notification.Contact           `json:"contact"`
	Values     map[string]notification.Result `json:"values"`
	ModifiedOn time.Time                      `json:"modified_on"`
	ExitedOn   *time.Time                     `json:"exited_on"`
}

// Payload renders the run in the inbound notification shape.
func (r Run) Payload() notification.Payload {
	mod := r.ModifiedOn
	flow := r.Flow
	return notification.Payload{
		Contact:    r.Contact,
		Flow:       &flow,
		Results:    r.Values,
		ModifiedOn: &mod,
		ExitedOn:   r.ExitedOn,
	}
}

// Runs streams runs of flow modified after the given instant.
func (c *Client) Runs(ctx context.Context, flow string, after time.Time) iter.Seq2[Run, error] {
	q := url.Values{"flow": {flow}}
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	return list[Run](ctx, c, "runs.json", q)
}
