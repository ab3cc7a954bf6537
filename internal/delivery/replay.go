package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reportbridge/internal/checkpoint"
	"reportbridge/internal/eventbus"
	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

// Deliverer runs one notification through the pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, n notification.Notification) (Outcome, error)
}

type ReplayReport struct {
	Taken     int `json:"taken"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// Replayer re-delivers checkpoints an operator released for replay.
type Replayer struct {
	store checkpoint.Store
	pipe  Deliverer
	batch int
	stale time.Duration
	bus   eventbus.Bus
	log   logx.Logger
}

func NewReplayer(store checkpoint.Store, pipe Deliverer, batch int, bus eventbus.Bus, log logx.Logger) *Replayer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if batch <= 0 {
		batch = 50
	}
	return &Replayer{store: store, pipe: pipe, batch: batch, stale: staleReplay, bus: bus, log: log.With(logx.String("comp", "replay"))}
}

// staleReplay is how long a Replaying claim may sit before it is taken for
// a replay that died mid-batch.
const staleReplay = 30 * time.Minute

// Run claims up to one batch of PendingReplay records and delivers each from
// RECEIVED. A claimed record is removed only once its outcome is settled: a
// failed replay leaves a new NotDelivered checkpoint behind, and a record
// that no longer validates is put back as NotDelivered.
//
// Claims older than the stale limit are returned to NotDelivered first, not
// replayed: the registry may already hold their values.
func (r *Replayer) Run(ctx context.Context) (ReplayReport, error) {
	r.recoverStale(ctx)

	recs, err := r.store.Claim(ctx, checkpoint.PendingReplay, checkpoint.Replaying, r.batch, time.Time{})
	if err != nil {
		return ReplayReport{}, fmt.Errorf("claim pending replays: %w", err)
	}
	rep := ReplayReport{Taken: len(recs)}
	if len(recs) == 0 {
		return rep, nil
	}
	r.log.Info("replaying checkpoints", logx.Int("count", len(recs)))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ReplayStarted, Time: time.Now(), Data: len(recs)})
	}

	var errs []error
	for _, rec := range recs {
		out, err := r.pipe.Deliver(ctx, rec.Notification)
		switch {
		case err == nil && out.Completed:
			rep.Completed++
		case err == nil:
			rep.Failed++
		case IsValidation(err):
			rep.Rejected++
			r.log.Warn("replayed notification rejected", logx.String("checkpoint", rec.ID), logx.Err(err))
			if perr := r.restore(ctx, rec, err.Error()); perr != nil {
				errs = append(errs, perr)
				continue
			}
		default:
			rep.Failed++
			if perr := r.restore(ctx, rec, err.Error()); perr != nil {
				errs = append(errs, fmt.Errorf("checkpoint %s: %w", rec.ID, errors.Join(err, perr)))
				continue
			}
		}
		if derr := r.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			r.log.Error("replayed checkpoint not removed", logx.String("checkpoint", rec.ID), logx.Err(derr))
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", rec.ID, derr))
		}
	}
	r.log.Info("replay finished",
		logx.Int("completed", rep.Completed),
		logx.Int("failed", rep.Failed),
		logx.Int("rejected", rep.Rejected),
	)
	return rep, errors.Join(errs...)
}

func (r *Replayer) recoverStale(ctx context.Context) {
	back, err := r.store.Claim(ctx, checkpoint.Replaying, checkpoint.NotDelivered, 0, time.Now().Add(-r.stale))
	if err != nil {
		r.log.Warn("stale replay claims not recovered", logx.Err(err))
		return
	}
	for _, rec := range back {
		r.log.Warn("interrupted replay returned to operator", logx.String("checkpoint", rec.ID))
	}
}

// restore stores a fresh NotDelivered copy of rec. The claimed original is
// removed by the caller.
func (r *Replayer) restore(ctx context.Context, rec checkpoint.Record, cause string) error {
	rec.ID = ""
	rec.State = checkpoint.NotDelivered
	rec.Context = cause
	_, err := r.store.Put(context.WithoutCancel(ctx), rec)
	return err
}
