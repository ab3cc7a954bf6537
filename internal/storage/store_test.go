package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reportbridge/internal/checkpoint"
	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bridge.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind = %q", got)
	}
	s.dialect = dialectSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none driver: %v", err)
	}
}

func TestReportSuccessLog(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)

	for _, code := range []string{"MAL_YEARLY", "HIV_MONTHLY"} {
		err := st.AppendReportSuccess(ctx, ReportSuccess{
			DataSetCode:      code,
			RegistryRequest:  `{"dataSet":"` + code + `"}`,
			RegistryResponse: `{"status":"SUCCESS"}`,
			HubPayload:       `{"contact":{"uuid":"c1"}}`,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rows, err := st.ListReportSuccess(ctx, "MAL_YEARLY", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].DataSetCode != "MAL_YEARLY" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].CreatedAt.IsZero() {
		t.Fatal("created_at not parsed")
	}

	all, err := st.ListReportSuccess(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("all rows = %d, err = %v", len(all), err)
	}
	if all[0].DataSetCode != "HIV_MONTHLY" {
		t.Fatalf("expected newest first, got %s", all[0].DataSetCode)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	cp := openTest(t).Checkpoints()

	off := -1
	raw := json.RawMessage("{ \"contact\" : { \"uuid\" : \"c1\" } }")
	rec, err := cp.Put(ctx, checkpoint.Record{
		Notification: notification.Notification{ID: "n1", DataSetCode: "MAL_YEARLY", ReportPeriodOffset: &off, Payload: raw, ReceivedAt: time.Now()},
		Context:      "Import error",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec.ID == "" || rec.State != checkpoint.NotDelivered {
		t.Fatalf("unexpected record: %+v", rec)
	}

	failed, err := cp.List(ctx, checkpoint.NotDelivered, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("list failed = %d, err = %v", len(failed), err)
	}
	if string(failed[0].Notification.Payload) != string(raw) {
		t.Fatalf("payload changed: %s", failed[0].Notification.Payload)
	}
	if failed[0].Notification.Offset() != -1 || failed[0].Context != "Import error" {
		t.Fatalf("fields lost: %+v", failed[0])
	}

	// Nothing is pending until an operator releases it.
	if got, _ := cp.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, 10, time.Time{}); len(got) != 0 {
		t.Fatalf("claim before mark = %d", len(got))
	}

	moved, err := cp.MarkForReplay(ctx, rec.ID, json.RawMessage(`{"contact":{"uuid":"c2"}}`))
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if moved.State != checkpoint.PendingReplay {
		t.Fatalf("state = %s", moved.State)
	}
	if _, err := cp.MarkForReplay(ctx, rec.ID, nil); !errors.Is(err, checkpoint.ErrWrongState) {
		t.Fatalf("second mark err = %v", err)
	}
	if _, err := cp.MarkForReplay(ctx, "missing", nil); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("missing mark err = %v", err)
	}

	claimed, err := cp.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, 10, time.Time{})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %d, err = %v", len(claimed), err)
	}
	if string(claimed[0].Notification.Payload) != `{"contact":{"uuid":"c2"}}` {
		t.Fatalf("corrected payload not stored: %s", claimed[0].Notification.Payload)
	}
	if pending, _ := cp.List(ctx, checkpoint.PendingReplay, 0); len(pending) != 0 {
		t.Fatalf("claimed record still pending: %d", len(pending))
	}
}

func TestCheckpointDelete(t *testing.T) {
	ctx := context.Background()
	cp := openTest(t).Checkpoints()
	rec, err := cp.Put(ctx, checkpoint.Record{Context: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := cp.Delete(ctx, rec.ID); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestWatermark(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)

	if _, ok, err := st.GetWatermark(ctx, "flow:f1"); err != nil || ok {
		t.Fatalf("empty watermark ok=%v err=%v", ok, err)
	}
	at := time.Date(2025, 9, 17, 8, 30, 0, 0, time.UTC)
	if err := st.PutWatermark(ctx, "flow:f1", at); err != nil {
		t.Fatal(err)
	}
	if err := st.PutWatermark(ctx, "flow:f1", at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetWatermark(ctx, "flow:f1")
	if err != nil || !ok || !got.Equal(at.Add(time.Hour)) {
		t.Fatalf("watermark = %v ok=%v err=%v", got, ok, err)
	}
}

func TestPublishedRuns(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	at := time.Date(2025, 9, 17, 8, 30, 0, 0, time.UTC)

	if ok, err := st.MarkRunPublished(ctx, "flow:f1", "r1", at); err != nil || !ok {
		t.Fatalf("first mark ok=%v err=%v", ok, err)
	}
	if ok, err := st.MarkRunPublished(ctx, "flow:f1", "r1", at); err != nil || ok {
		t.Fatalf("second mark ok=%v err=%v", ok, err)
	}
	if ok, err := st.MarkRunPublished(ctx, "flow:f2", "r1", at); err != nil || !ok {
		t.Fatalf("other flow ok=%v err=%v", ok, err)
	}

	if err := st.UnmarkRunPublished(ctx, "flow:f2", "r1"); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.MarkRunPublished(ctx, "flow:f2", "r1", at); err != nil || !ok {
		t.Fatalf("mark after unmark ok=%v err=%v", ok, err)
	}

	if err := st.PrunePublished(ctx, "flow:f1", at); err != nil {
		t.Fatal(err)
	}
	if ok, _ := st.MarkRunPublished(ctx, "flow:f1", "r1", at); ok {
		t.Fatal("run at the watermark must survive pruning")
	}
	if err := st.PrunePublished(ctx, "flow:f1", at.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.MarkRunPublished(ctx, "flow:f1", "r1", at); err != nil || !ok {
		t.Fatalf("mark after prune ok=%v err=%v", ok, err)
	}
}

func TestCheckpointClaim(t *testing.T) {
	ctx := context.Background()
	cp := openTest(t).Checkpoints()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := cp.Put(ctx, checkpoint.Record{State: checkpoint.PendingReplay, Context: "x"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	if got, err := cp.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, 0, time.Now().Add(-time.Hour)); err != nil || len(got) != 0 {
		t.Fatalf("claim of fresh records = %d, err = %v", len(got), err)
	}

	claimed, err := cp.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, 2, time.Time{})
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim = %d, err = %v", len(claimed), err)
	}
	for _, rec := range claimed {
		if rec.State != checkpoint.Replaying {
			t.Fatalf("claimed record state = %s", rec.State)
		}
		stored, err := cp.Get(ctx, rec.ID)
		if err != nil || stored.State != checkpoint.Replaying {
			t.Fatalf("stored state = %s, err = %v", stored.State, err)
		}
	}

	if left, _ := cp.List(ctx, checkpoint.PendingReplay, 0); len(left) != 1 {
		t.Fatalf("pending left = %d", len(left))
	}
	if again, _ := cp.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, 10, time.Time{}); len(again) != 1 {
		t.Fatalf("second claim = %d", len(again))
	}

	back, err := cp.Claim(ctx, checkpoint.Replaying, checkpoint.NotDelivered, 0, time.Now().Add(time.Second))
	if err != nil || len(back) != len(ids) {
		t.Fatalf("recover = %d, err = %v", len(back), err)
	}
	if failed, _ := cp.List(ctx, checkpoint.NotDelivered, 0); len(failed) != len(ids) {
		t.Fatalf("not delivered = %d", len(failed))
	}
}
