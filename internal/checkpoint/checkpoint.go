// Package checkpoint holds failed deliveries until an operator replays them.
//
// A record is NotDelivered (failed, waiting for an operator), PendingReplay
// (released for the replayer) or Replaying (claimed by a replay in progress).
// Moves between states are atomic in every backend.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reportbridge/internal/notification"
)

var (
	ErrNotFound   = errors.New("checkpoint not found")
	ErrWrongState = errors.New("checkpoint in wrong state")
)

type State int

const (
	NotDelivered State = iota + 1
	PendingReplay
	Replaying
)

func (s State) String() string {
	switch s {
	case NotDelivered:
		return "not_delivered"
	case PendingReplay:
		return "pending_replay"
	case Replaying:
		return "replaying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState accepts the canonical names plus the short "failed"/"replay" aliases.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not_delivered", "failed":
		return NotDelivered, nil
	case "pending_replay", "replay":
		return PendingReplay, nil
	case "replaying":
		return Replaying, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint state %q", s)
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is a stored failed delivery. Context carries the classified failure message.
type Record struct {
	ID           string                    `json:"id"`
	State        State                     `json:"state"`
	Notification notification.Notification `json:"notification"`
	Context      string                    `json:"context"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// Store is the durable replay queue.
type Store interface {
	// Put stores rec as NotDelivered unless rec.State says otherwise.
	// An empty ID is assigned.
	Put(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// List returns up to limit records in state, oldest first. limit <= 0 means all.
	List(ctx context.Context, state State, limit int) ([]Record, error)
	// MarkForReplay moves a NotDelivered record to PendingReplay, optionally
	// replacing its payload with a corrected one.
	MarkForReplay(ctx context.Context, id string, payload json.RawMessage) (Record, error)
	// Claim moves up to limit records from one state to another, oldest
	// first, and returns them in their new state. A non-zero before limits
	// it to records last updated before that instant.
	Claim(ctx context.Context, from, to State, limit int, before time.Time) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// recordMeta is the serialized form of a record minus its payload, which
// backends store separately as raw bytes.
type recordMeta struct {
	ID                 string    `json:"id"`
	State              State     `json:"state"`
	DataSetCode        string    `json:"dataSetCode,omitempty"`
	OrgUnitID          string    `json:"orgUnitId,omitempty"`
	ReportPeriodOffset *int      `json:"reportPeriodOffset,omitempty"`
	NotificationID     string    `json:"notificationId,omitempty"`
	ReceivedAt         time.Time `json:"receivedAt"`
	Context            string    `json:"context"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func metaOf(r Record) recordMeta {
	return recordMeta{
		ID:                 r.ID,
		State:              r.State,
		DataSetCode:        r.Notification.DataSetCode,
		OrgUnitID:          r.Notification.OrgUnitID,
		ReportPeriodOffset: r.Notification.ReportPeriodOffset,
		NotificationID:     r.Notification.ID,
		ReceivedAt:         r.Notification.ReceivedAt,
		Context:            r.Context,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (m recordMeta) record(payload []byte) Record {
	return Record{
		ID:    m.ID,
		State: m.State,
		Notification: notification.Notification{
			ID:                 m.NotificationID,
			DataSetCode:        m.DataSetCode,
			OrgUnitID:          m.OrgUnitID,
			ReportPeriodOffset: m.ReportPeriodOffset,
			Payload:            payload,
			ReceivedAt:         m.ReceivedAt,
		},
		Context:   m.Context,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
