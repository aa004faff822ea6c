package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// DefaultTopic carries IndexEvent messages.
	DefaultTopic = "papers.index"

	// fetchRetryDelay spaces fetch attempts while the broker is failing.
	fetchRetryDelay = time.Second
)

// KafkaPublisher writes index events to a topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	origin string
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher; origin is stamped on every event.
func NewKafkaPublisher(brokers []string, topic, origin string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{
		writer: w,
		origin: origin,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish writes one event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, event IndexEvent) error {
	if event.Origin == "" {
		event.Origin = p.origin
	}
	msg, err := eventMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish index event", "reason", event.Reason, "error", err)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("index event published", "reason", event.Reason, "papers", event.PaperCount)
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func eventMessage(event IndexEvent) (kafka.Message, error) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling index event: %w", err)
	}
	return kafka.Message{Key: []byte(event.Reason), Value: value}, nil
}

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads index events from a topic within a consumer group.
type Consumer struct {
	reader     messageReader
	origin     string
	handler    Handler
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewConsumer creates a consumer. Events stamped with origin are skipped.
func NewConsumer(brokers []string, topic, groupID, origin string, handler Handler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.LastOffset,
	})
	return newConsumer(r, origin, handler)
}

func newConsumer(r messageReader, origin string, handler Handler) *Consumer {
	return &Consumer{
		reader:     r,
		origin:     origin,
		handler:    handler,
		retryDelay: fetchRetryDelay,
		logger:     slog.Default().With("component", "kafka-consumer"),
	}
}

// Start consumes until ctx is cancelled. Messages are committed after their handler
// returns, including undecodable ones.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err, "retry_in", c.retryDelay)
			select {
			case <-ctx.Done():
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := Decode(msg.Value)
	if err != nil {
		c.logger.Error("dropping undecodable message", "offset", msg.Offset, "error", err)
		return nil
	}
	if c.origin != "" && event.Origin == c.origin {
		return nil
	}
	c.logger.Info("index event received", "reason", event.Reason, "papers", event.PaperCount, "origin", event.Origin)
	return c.handler(ctx, event)
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
