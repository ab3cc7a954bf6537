package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportbridge/internal/checkpoint"
)

const checkpointColumns = `id, state, notification_id, data_set_code, org_unit_id, report_period_offset,
	received_at, payload, context, created_at, updated_at`

// Checkpoints exposes the store as a checkpoint.Store.
func (s *Store) Checkpoints() checkpoint.Store { return checkpointStore{s} }

type checkpointStore struct{ s *Store }

func (c checkpointStore) Put(ctx context.Context, rec checkpoint.Record) (checkpoint.Record, error) {
	s := c.s
	if s == nil || s.db == nil {
		return checkpoint.Record{}, ErrDisabled
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == 0 {
		rec.State = checkpoint.NotDelivered
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	n := rec.Notification
	var offset any
	if n.ReportPeriodOffset != nil {
		offset = *n.ReportPeriodOffset
	}
	var receivedAt int64
	if !n.ReceivedAt.IsZero() {
		receivedAt = n.ReceivedAt.UnixNano()
	}
	payload := []byte(n.Payload)
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO checkpoint(`+checkpointColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		rec.ID, rec.State.String(), nullStr(n.ID), nullStr(n.DataSetCode), nullStr(n.OrgUnitID), offset,
		receivedAt, payload, rec.Context, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("put checkpoint: %w", err)
	}
	return rec, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCheckpoint(r rowScanner) (checkpoint.Record, error) {
	var (
		rec                              checkpoint.Record
		state                            string
		notifID, code, orgUnit           sql.NullString
		offset                           sql.NullInt64
		receivedAt, createdAt, updatedAt int64
		payload                          []byte
	)
	if err := r.Scan(&rec.ID, &state, &notifID, &code, &orgUnit, &offset, &receivedAt, &payload, &rec.Context, &createdAt, &updatedAt); err != nil {
		return checkpoint.Record{}, err
	}
	st, err := checkpoint.ParseState(state)
	if err != nil {
		return checkpoint.Record{}, err
	}
	rec.State = st
	rec.Notification.ID = notifID.String
	rec.Notification.DataSetCode = code.String
	rec.Notification.OrgUnitID = orgUnit.String
	if offset.Valid {
		v := int(offset.Int64)
		rec.Notification.ReportPeriodOffset = &v
	}
	rec.Notification.Payload = json.RawMessage(payload)
	if receivedAt != 0 {
		rec.Notification.ReceivedAt = time.Unix(0, receivedAt).UTC()
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func (c checkpointStore) Get(ctx context.Context, id string) (checkpoint.Record, error) {
	s := c.s
	if s == nil || s.db == nil {
		return checkpoint.Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+checkpointColumns+` FROM checkpoint WHERE id = ?`), id)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Record{}, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return rec, err
}

func (c checkpointStore) List(ctx context.Context, state checkpoint.State, limit int) ([]checkpoint.Record, error) {
	s := c.s
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return c.list(ctx, s.db, state, limit, time.Time{}, false)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (c checkpointStore) list(ctx context.Context, q querier, state checkpoint.State, limit int, before time.Time, lock bool) ([]checkpoint.Record, error) {
	s := c.s
	query := `SELECT ` + checkpointColumns + ` FROM checkpoint WHERE state = ?`
	args := []any{state.String()}
	if !before.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, before.UTC().UnixNano())
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	if lock && s.dialect == dialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.Record
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c checkpointStore) MarkForReplay(ctx context.Context, id string, payload json.RawMessage) (checkpoint.Record, error) {
	s := c.s
	if s == nil || s.db == nil {
		return checkpoint.Record{}, ErrDisabled
	}
	now := time.Now().UTC().UnixNano()
	var (
		res sql.Result
		err error
	)
	if len(payload) > 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE checkpoint SET state = ?, payload = ?, updated_at = ? WHERE id = ? AND state = ?`),
			checkpoint.PendingReplay.String(), []byte(payload), now, id, checkpoint.NotDelivered.String())
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE checkpoint SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
			checkpoint.PendingReplay.String(), now, id, checkpoint.NotDelivered.String())
	}
	if err != nil {
		return checkpoint.Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return checkpoint.Record{}, err
	}
	rec, gerr := c.Get(ctx, id)
	if gerr != nil {
		return checkpoint.Record{}, gerr
	}
	if n == 0 {
		return checkpoint.Record{}, fmt.Errorf("%w: %s is %s", checkpoint.ErrWrongState, id, rec.State)
	}
	return rec, nil
}

func (c checkpointStore) Claim(ctx context.Context, from, to checkpoint.State, limit int, before time.Time) ([]checkpoint.Record, error) {
	s := c.s
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	recs, err := c.list(ctx, tx, from, limit, before, true)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range recs {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE checkpoint SET state = ?, updated_at = ? WHERE id = ?`),
			to.String(), now.UnixNano(), recs[i].ID); err != nil {
			return nil, err
		}
		recs[i].State, recs[i].UpdatedAt = to, now
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c checkpointStore) Delete(ctx context.Context, id string) error {
	s := c.s
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM checkpoint WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return nil
}
