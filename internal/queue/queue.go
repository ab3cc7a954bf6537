// Package queue carries inbound report notifications from their producers
// (webhook, flow poller) to the delivery consumer.
//
// Delivery is at-least-once: a message that is not acknowledged may be seen
// again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

var ErrClosed = errors.New("queue closed")

// Message is one received notification.
type Message struct {
	Notification notification.Notification
	ack          func(ctx context.Context) error
	nack         func(ctx context.Context) error
}

// Ack marks the message as handled.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Nack gives the message back for redelivery.
func (m Message) Nack(ctx context.Context) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(ctx)
}

type Queue interface {
	Publish(ctx context.Context, n notification.Notification) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Message, error)
	// Poll returns up to max messages that are available without waiting long.
	Poll(ctx context.Context, max int) ([]Message, error)
	Close() error
}

type Config struct {
	Driver     string // "memory" or "kafka"
	Brokers    []string
	Topic      string
	GroupID    string
	BufferSize int
}

// Open returns the backend named by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "queue"))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		q := NewMemory(cfg.BufferSize)
		q.RedeliveryDelay = 5 * time.Second
		return q, nil
	case "kafka":
		k, err := NewKafka(cfg.Brokers, cfg.Topic, cfg.GroupID, log)
		if err != nil {
			return nil, err
		}
		k.RedeliveryDelay = 5 * time.Second
		return k, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// stamp assigns an id to notifications that arrive without one.
func stamp(n notification.Notification) notification.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	return n
}
