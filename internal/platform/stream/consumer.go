// Package stream provides Kafka producer and consumer clients for the batch
// pipeline, backed by segmentio/kafka-go. Producers serialise events as
// JSON; consumers dispatch raw messages to a MessageHandler callback.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageHandler is a callback invoked for each message. Returning an error
// keeps the message uncommitted and it is retried in place.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

const defaultRetryDelay = 5 * time.Second

// Consumer reads messages from a topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader  *kafka.Reader
	logger  zerolog.Logger
	handler MessageHandler

	// RetryDelay is the wait between attempts at a failing message.
	RetryDelay time.Duration
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(brokers []string, group, topic string, handler MessageHandler, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:     r,
		logger:     logger.With().Str("component", "consumer").Str("topic", topic).Logger(),
		handler:    handler,
		RetryDelay: defaultRetryDelay,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().AnErr("reason", ctx.Err()).Msg("consumer stopping")
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to fetch message")
			continue
		}

		// Commits are cumulative per partition, so a failed offset must
		// never be skipped: retry the same message until it resolves or
		// the consumer stops.
		if err := handleWithRetry(ctx, c.handler, msg.Key, msg.Value, c.RetryDelay, c.logger.With().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Logger()); err != nil {
			c.logger.Info().AnErr("reason", err).Msg("consumer stopping")
			return c.reader.Close()
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error().
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Err(err).
				Msg("failed to commit message")
		}
	}
}

// handleWithRetry invokes the handler until it succeeds, waiting delay
// between attempts. Returns the context error when cancelled mid-retry.
func handleWithRetry(ctx context.Context, handler MessageHandler, key, value []byte, delay time.Duration, logger zerolog.Logger) error {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, key, value)
		if err == nil {
			return nil
		}
		logger.Error().
			Int("attempt", attempt).
			Err(err).
			Msg("failed to process message, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding message: %w", err)
	}
	return result, nil
}
