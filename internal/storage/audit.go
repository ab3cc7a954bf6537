package storage

import (
	"context"
	"time"
)

// AppendReportSuccess writes one audit row for a completed delivery.
func (s *Store) AppendReportSuccess(ctx context.Context, e ReportSuccess) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO report_success_log(data_set_code, registry_request, registry_response, hub_payload, created_at)
		 VALUES(?,?,?,?,?)`),
		e.DataSetCode, e.RegistryRequest, e.RegistryResponse, e.HubPayload, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListReportSuccess returns the most recent audit rows, newest first. An
// empty dataSetCode matches every row.
func (s *Store) ListReportSuccess(ctx context.Context, dataSetCode string, limit int) ([]ReportSuccess, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, data_set_code, registry_request, registry_response, hub_payload, created_at
	      FROM report_success_log`
	args := []any{}
	if dataSetCode != "" {
		q += ` WHERE data_set_code = ?`
		args = append(args, dataSetCode)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportSuccess
	for rows.Next() {
		var (
			r  ReportSuccess
			at string
		)
		if err := rows.Scan(&r.ID, &r.DataSetCode, &r.RegistryRequest, &r.RegistryResponse, &r.HubPayload, &at); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
