package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka carries notifications as messages whose headers hold the routing
// fields and whose value is the raw payload.
//
// A commit covers every earlier offset of its partition, so offsets are
// committed only up to the oldest message not yet settled. Nack writes the
// message back to the topic after RedeliveryDelay and settles the original
// once that write succeeds.
type Kafka struct {
	RedeliveryDelay time.Duration

	reader kafkaReader
	writer kafkaWriter
	topic  string
	log    logx.Logger

	commitMu sync.Mutex
	offsets  *offsets
	done     chan struct{}
	once     sync.Once
}

func NewKafka(brokers []string, topic, groupID string, log logx.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka queue requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka queue requires a topic")
	}
	if groupID == "" {
		return nil, errors.New("kafka queue requires a group id")
	}
	return &Kafka{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic:   topic,
		log:     log,
		offsets: newOffsets(),
		done:    make(chan struct{}),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, n notification.Notification) error {
	n = stamp(n)
	return k.writer.WriteMessages(ctx, encode(n))
}

func encode(n notification.Notification) kafka.Message {
	h := n.Headers()
	headers := make([]kafka.Header, 0, len(h))
	for key, v := range h {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(n.DataSetCode),
		Value:   n.Payload,
		Headers: headers,
		Time:    n.ReceivedAt,
	}
}

func decode(m kafka.Message) (notification.Notification, error) {
	get := func(key string) string {
		for _, h := range m.Headers {
			if h.Key == key {
				return string(h.Value)
			}
		}
		return ""
	}
	n, err := notification.FromHeaders(get, m.Value)
	if err != nil {
		return n, err
	}
	n.ReceivedAt = m.Time.UTC()
	if n.ID == "" {
		n.ID = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}
	return n, nil
}

func (k *Kafka) message(m kafka.Message) (Message, error) {
	n, err := decode(m)
	msg := Message{
		Notification: n,
		ack:          func(ctx context.Context) error { return k.settle(ctx, m) },
		nack:         func(context.Context) error { k.requeue(m, n.ID); return nil },
	}
	return msg, err
}

// settle marks m handled and commits the partition's settled prefix.
func (k *Kafka) settle(ctx context.Context, m kafka.Message) error {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	upto, ok := k.offsets.settle(m)
	if !ok {
		return nil
	}
	return k.reader.CommitMessages(ctx, upto)
}

// requeue writes m back to the topic in the background, retrying until the
// write succeeds or the queue closes. Until then m stays unsettled and holds
// back its partition's commits. The copy carries id so a notification
// whose id came from its offset keeps it.
func (k *Kafka) requeue(m kafka.Message, id string) {
	headers := slices.Clone(m.Headers)
	if !slices.ContainsFunc(headers, func(h kafka.Header) bool { return h.Key == notification.HeaderID }) && id != "" {
		headers = append(headers, kafka.Header{Key: notification.HeaderID, Value: []byte(id)})
	}
	again := kafka.Message{Key: m.Key, Value: m.Value, Headers: headers, Time: m.Time}
	delay := k.RedeliveryDelay
	go func() {
		for {
			select {
			case <-k.done:
				return
			case <-time.After(delay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := k.writer.WriteMessages(ctx, again)
			if err == nil {
				err = k.settle(ctx, m)
				cancel()
				if err != nil {
					k.log.Warn("commit after requeue failed", logx.Int64("offset", m.Offset), logx.Err(err))
				}
				return
			}
			cancel()
			k.log.Error("requeue failed", logx.Int64("offset", m.Offset), logx.Err(err))
			delay = max(delay, time.Second)
		}
	}()
}

// Receive fetches the next message. A message with malformed headers is
// committed and skipped since it can never be decoded.
func (k *Kafka) Receive(ctx context.Context) (Message, error) {
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Message{}, ErrClosed
			}
			return Message{}, err
		}
		k.offsets.track(m)
		msg, err := k.message(m)
		if err == nil {
			return msg, nil
		}
		k.log.Warn("dropping undecodable message", logx.Int64("offset", m.Offset), logx.Err(err))
		if cerr := k.settle(ctx, m); cerr != nil {
			return Message{}, cerr
		}
	}
}

func (k *Kafka) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for len(out) < max {
		readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := k.Receive(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return out, nil
			case errors.Is(err, context.Canceled):
				return out, ctx.Err()
			default:
				return out, err
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (k *Kafka) Close() error {
	k.once.Do(func() { close(k.done) })
	return errors.Join(k.reader.Close(), k.writer.Close())
}

// offsets tracks fetched offsets per partition until they are settled.
type offsets struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // ascending
	settled  map[int64]kafka.Message
}

func newOffsets() *offsets { return &offsets{parts: map[int]*partitionOffsets{}} }

func (o *offsets) track(m kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.parts[m.Partition]
	if p == nil {
		p = &partitionOffsets{settled: map[int64]kafka.Message{}}
		o.parts[m.Partition] = p
	}
	if i, found := slices.BinarySearch(p.inflight, m.Offset); !found {
		p.inflight = slices.Insert(p.inflight, i, m.Offset)
	}
}

// settle records m as handled. It returns the newest message of the settled
// prefix when that prefix grew, which is what to commit.
func (o *offsets) settle(m kafka.Message) (kafka.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.parts[m.Partition]
	if p == nil {
		return kafka.Message{}, false
	}
	if _, found := slices.BinarySearch(p.inflight, m.Offset); !found {
		return kafka.Message{}, false
	}
	p.settled[m.Offset] = m
	var upto kafka.Message
	grew := false
	for len(p.inflight) > 0 {
		sm, ok := p.settled[p.inflight[0]]
		if !ok {
			break
		}
		delete(p.settled, p.inflight[0])
		p.inflight = p.inflight[1:]
		upto, grew = sm, true
	}
	return upto, grew
}
