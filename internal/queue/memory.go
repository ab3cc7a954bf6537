package queue

import (
	"context"
	"sync"
	"time"

	"reportbridge/internal/notification"
)

// Memory is a bounded in-process queue. Nacked messages go back to the tail,
// after RedeliveryDelay when it is set.
type Memory struct {
	RedeliveryDelay time.Duration

	ch   chan notification.Notification
	once sync.Once
	done chan struct{}
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{ch: make(chan notification.Notification, size), done: make(chan struct{})}
}

// Publish blocks while the buffer is full.
func (m *Memory) Publish(ctx context.Context, n notification.Notification) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- stamp(n):
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) message(n notification.Notification) Message {
	return Message{
		Notification: n,
		nack: func(ctx context.Context) error {
			if m.RedeliveryDelay <= 0 {
				return m.Publish(ctx, n)
			}
			time.AfterFunc(m.RedeliveryDelay, func() {
				_ = m.Publish(context.Background(), n)
			})
			return nil
		},
	}
}

func (m *Memory) Receive(ctx context.Context) (Message, error) {
	select {
	case n := <-m.ch:
		return m.message(n), nil
	case <-m.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (m *Memory) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for len(out) < max {
		select {
		case n := <-m.ch:
			out = append(out, m.message(n))
		case <-ctx.Done():
			return out, ctx.Err()
		default:
			return out, nil
		}
	}
	return out, nil
}

// Len reports buffered messages.
func (m *Memory) Len() int { return len(m.ch) }

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
