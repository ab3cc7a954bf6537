package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"reportbridge/internal/eventbus"
	logx "reportbridge/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: max(start.Sub(qt.enqueuedAt), 0)}
	s.publish(eventbus.TaskStarted, item)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", item.QueueDelay))

	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempts = attempt
		err = s.runGuarded(ctx, qt, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt == maxAttempts {
			break
		}
		delay := backoffDelay(qt.opt, attempt, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxAttempts
		case <-time.After(delay):
		}
	}

	item.Duration = time.Since(start)
	if err != nil {
		item.Error = err.Error()
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.publish(eventbus.TaskFailed, item)
	} else {
		log.Debug("task.completed", logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts))
		s.publish(eventbus.TaskFinished, item)
	}
	s.record(item)
}

// runGuarded converts a task panic into an error so one bad task cannot
// take a worker down.
func (s *Service) runGuarded(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryCap; i++ {
		d *= 2
	}
	d = min(d, opt.RetryCap)
	// 20% jitter either way.
	d = time.Duration(float64(d) * (0.8 + 0.4*rng.Float64()))
	return min(d, opt.RetryCap)
}
