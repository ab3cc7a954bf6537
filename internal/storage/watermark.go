package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetWatermark returns the last-run time stored under name.
func (s *Store) GetWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ns int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT last_run_at FROM poll_watermark WHERE name = ?`), name).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns).UTC(), true, nil
}

// PutWatermark upserts the last-run time for name.
func (s *Store) PutWatermark(ctx context.Context, name string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO poll_watermark(name, last_run_at) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET last_run_at = excluded.last_run_at`),
		name, at.UTC().UnixNano(),
	)
	return err
}

// MarkRunPublished records runID under name. It reports false when the run
// was already recorded.
func (s *Store) MarkRunPublished(ctx context.Context, name, runID string, modifiedOn time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO poll_published(name, run_id, modified_on) VALUES(?,?,?)
		 ON CONFLICT(name, run_id) DO NOTHING`),
		name, runID, modifiedOn.UTC().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnmarkRunPublished forgets runID so the next poll offers it again.
func (s *Store) UnmarkRunPublished(ctx context.Context, name, runID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM poll_published WHERE name = ? AND run_id = ?`), name, runID)
	return err
}

// PrunePublished drops runs modified before the watermark; a poll never
// fetches those again.
func (s *Store) PrunePublished(ctx context.Context, name string, before time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM poll_published WHERE name = ? AND modified_on < ?`),
		name, before.UTC().UnixNano())
	return err
}
