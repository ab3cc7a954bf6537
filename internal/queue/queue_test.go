package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbridge/internal/notification"
	logx "reportbridge/pkg/logx"
)

func TestMemoryPublishReceiveNack(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, notification.Notification{DataSetCode: "MAL_YEARLY", Payload: json.RawMessage(`{}`)}))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Notification.ID)
	assert.False(t, msg.Notification.ReceivedAt.IsZero())

	require.NoError(t, msg.Nack(ctx))
	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Notification.ID, again.Notification.ID)
	require.NoError(t, again.Ack(ctx))
	assert.Zero(t, q.Len())
}

func TestMemoryPollDoesNotWait(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, q.Publish(ctx, notification.Notification{DataSetCode: "X"}))
	}
	got, err := q.Poll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = q.Poll(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = q.Poll(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), notification.Notification{}), ErrClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.Receive(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestKafkaEncodingKeepsRoutingAndPayload(t *testing.T) {
	off := -2
	n := notification.Notification{
		ID:                 "n1",
		DataSetCode:        "MAL_YEARLY",
		OrgUnitID:          "DiszpKrYNg8",
		ReportPeriodOffset: &off,
		Payload:            json.RawMessage(`{"contact":{"uuid":"c1"}}`),
		ReceivedAt:         time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m := encode(n)
	assert.Equal(t, []byte("MAL_YEARLY"), m.Key)

	got, err := decode(m)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestKafkaDecodeAssignsOffsetID(t *testing.T) {
	got, err := decode(kafka.Message{Topic: "t", Partition: 1, Offset: 42, Value: []byte(`{}`),
		Headers: []kafka.Header{{Key: notification.HeaderDataSetCode, Value: []byte("X")}}})
	require.NoError(t, err)
	assert.Equal(t, "t-1-42", got.ID)

	_, err = decode(kafka.Message{Headers: []kafka.Header{{Key: notification.HeaderReportPeriodOffset, Value: []byte("abc")}}})
	assert.Error(t, err)
}

func TestOpenDrivers(t *testing.T) {
	q, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, q)

	_, err = Open(Config{Driver: "kafka"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqs"}, logx.Nop())
	assert.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.committed)
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu      sync.Mutex
	fail    int
	written []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("broker unavailable")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func newTestKafka(r *fakeReader, w *fakeWriter) *Kafka {
	return &Kafka{reader: r, writer: w, topic: "reports", log: logx.Nop(), offsets: newOffsets(), done: make(chan struct{})}
}

func kafkaMsg(offset int64) kafka.Message {
	return kafka.Message{Topic: "reports", Partition: 0, Offset: offset, Value: []byte(`{}`),
		Headers: []kafka.Header{{Key: notification.HeaderDataSetCode, Value: []byte("MAL_YEARLY")}}}
}

func TestKafkaCommitsOnlySettledPrefix(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pending: []kafka.Message{kafkaMsg(10), kafkaMsg(11), kafkaMsg(12)}}
	k := newTestKafka(r, &fakeWriter{})

	var msgs []Message
	for range 3 {
		m, err := k.Receive(ctx)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	require.NoError(t, msgs[2].Ack(ctx))
	require.NoError(t, msgs[1].Ack(ctx))
	assert.Empty(t, r.commits(), "offset 10 is still in flight")

	require.NoError(t, msgs[0].Ack(ctx))
	assert.Equal(t, []int64{12}, r.commits())

	require.NoError(t, msgs[0].Ack(ctx))
	assert.Equal(t, []int64{12}, r.commits())
}

func TestKafkaNackRequeuesBeforeCommitting(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pending: []kafka.Message{kafkaMsg(20), kafkaMsg(21)}}
	w := &fakeWriter{fail: 1}
	k := newTestKafka(r, w)
	t.Cleanup(func() { _ = k.Close() })

	first, err := k.Receive(ctx)
	require.NoError(t, err)
	second, err := k.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Nack(ctx))
	require.NoError(t, second.Ack(ctx))
	assert.Empty(t, r.commits(), "a nacked message must hold back later commits")

	require.Eventually(t, func() bool { return w.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return slices.Equal(r.commits(), []int64{21}) }, time.Second, 10*time.Millisecond)

	w.mu.Lock()
	again := w.written[0]
	w.mu.Unlock()
	n, err := decode(again)
	require.NoError(t, err)
	assert.Equal(t, first.Notification.ID, n.ID)
	assert.Equal(t, "MAL_YEARLY", n.DataSetCode)
}
