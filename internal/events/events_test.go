package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := eventMessage(IndexEvent{Reason: ReasonIngest, PaperCount: 42, At: at, Origin: "node-1"})
	require.NoError(t, err)

	assert.Equal(t, []byte(ReasonIngest), msg.Key)
	assert.JSONEq(t, `{"reason":"ingest","paper_count":42,"at":"2026-03-01T12:00:00Z","origin":"node-1"}`, string(msg.Value))
}

func TestEventMessage_StampsTime(t *testing.T) {
	msg, err := eventMessage(IndexEvent{Reason: ReasonReload})
	require.NoError(t, err)

	ev, err := Decode(msg.Value)
	require.NoError(t, err)
	assert.False(t, ev.At.IsZero())
}

func TestConsumer_Handle(t *testing.T) {
	var got []IndexEvent
	c := newConsumer(nil, "self", func(_ context.Context, ev IndexEvent) error {
		got = append(got, ev)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, kafka.Message{Value: []byte(`{"reason":"ingest","paper_count":3,"origin":"other"}`)}))
	require.NoError(t, c.handle(ctx, kafka.Message{Value: []byte(`{"reason":"reload","origin":"self"}`)}))
	require.NoError(t, c.handle(ctx, kafka.Message{Value: []byte(`not json`)}))

	require.Len(t, got, 1)
	assert.Equal(t, ReasonIngest, got[0].Reason)
	assert.Equal(t, 3, got[0].PaperCount)
}

func TestConsumer_HandlerError(t *testing.T) {
	c := newConsumer(nil, "", func(context.Context, IndexEvent) error { return assert.AnError })
	err := c.handle(context.Background(), kafka.Message{Value: []byte(`{"reason":"ingest"}`)})
	assert.ErrorIs(t, err, assert.AnError)
}

// brokenReader fails every fetch and records when each attempt happened.
type brokenReader struct {
	mu       sync.Mutex
	attempts []time.Time
}

func (r *brokenReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, time.Now())
	return kafka.Message{}, errors.New("broker unreachable")
}

func (r *brokenReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (r *brokenReader) Close() error                                           { return nil }

func (r *brokenReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func TestConsumer_FetchErrorsBackOff(t *testing.T) {
	reader := &brokenReader{}
	c := newConsumer(reader, "", func(context.Context, IndexEvent) error { return nil })
	c.retryDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	n := reader.count()
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 5, "fetch retries must be spaced by the retry delay")
}

func TestConsumer_StopsWhileWaitingToRetry(t *testing.T) {
	reader := &brokenReader{}
	c := newConsumer(reader, "", func(context.Context, IndexEvent) error { return nil })
	c.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop while backing off")
	}
	assert.Equal(t, 1, reader.count())
}
