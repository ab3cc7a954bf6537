package delivery

import (
	"context"
	"errors"
	"time"

	"reportbridge/internal/queue"
	"reportbridge/internal/task/engine"
	logx "reportbridge/pkg/logx"
)

// Submitter hands a task to the worker pool, blocking while it is full.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Consumer moves notifications from the inbound queue into the pipeline.
type Consumer struct {
	q       queue.Queue
	eng     Submitter
	pipe    Deliverer
	timeout time.Duration
	log     logx.Logger
}

func NewConsumer(q queue.Queue, eng Submitter, pipe Deliverer, timeout time.Duration, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{q: q, eng: eng, pipe: pipe, timeout: timeout, log: log.With(logx.String("comp", "consumer"))}
}

// Run receives continuously and runs each delivery as its own engine task.
// It returns when ctx is done or the queue closes.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consuming notifications")
	for {
		msg, err := c.q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		task := engine.Task{
			ID:      msg.Notification.ID,
			Name:    "deliver",
			Timeout: c.timeout,
			Run:     func(tctx context.Context) error { return c.Handle(tctx, msg) },
		}
		if err := c.eng.Submit(ctx, task); err != nil {
			_ = msg.Nack(context.WithoutCancel(ctx))
			if ctx.Err() != nil || errors.Is(err, engine.ErrStopped) {
				return nil
			}
			c.log.Warn("delivery not scheduled", logx.String("notification", msg.Notification.ID), logx.Err(err))
		}
	}
}

// Drain delivers everything currently queued, one at a time, and reports
// how many messages it handled. It is the scheduled alternative to Run.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		msgs, err := c.q.Poll(ctx, 16)
		for _, msg := range msgs {
			hctx, cancel := c.deliveryContext(ctx)
			_ = c.Handle(hctx, msg)
			cancel()
			handled++
		}
		if err != nil {
			return handled, err
		}
		if len(msgs) == 0 {
			return handled, nil
		}
	}
}

func (c *Consumer) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// Handle delivers one message and settles it. The message is acknowledged
// once the outcome is terminal: completed, checkpointed, or rejected as
// invalid. If the checkpoint could not be stored it is given back instead.
// The returned error is always marked NoRetry.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	n := msg.Notification
	out, err := c.pipe.Deliver(ctx, n)
	settle := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if aerr := msg.Ack(settle); aerr != nil {
			c.log.Error("ack failed", logx.String("notification", n.ID), logx.Err(aerr))
		}
		if !out.Completed {
			if out.Err != nil {
				return engine.NoRetry(out.Err)
			}
			return engine.NoRetry(errors.New(out.Cause))
		}
		return nil
	case IsValidation(err):
		c.log.Warn("notification rejected", logx.String("notification", n.ID), logx.Err(err))
		if aerr := msg.Ack(settle); aerr != nil {
			c.log.Error("ack failed", logx.String("notification", n.ID), logx.Err(aerr))
		}
		return engine.NoRetry(err)
	default:
		c.log.Error("delivery left unacknowledged", logx.String("notification", n.ID), logx.Err(err))
		if nerr := msg.Nack(settle); nerr != nil {
			c.log.Error("nack failed", logx.String("notification", n.ID), logx.Err(nerr))
		}
		return engine.NoRetry(err)
	}
}
