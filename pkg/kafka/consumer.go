// Package kafka provides the record consumer and the index event producer,
// both backed by segmentio/kafka-go with JSON payloads.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
)

// ErrPoison marks a message that can never be processed. The consumer
// commits it and moves on instead of stalling the partition.
var ErrPoison = errors.New("unprocessable message")

// MessageHandler is invoked for each fetched message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of the configured consumer group.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	handler MessageHandler
	backoff time.Duration
}

// NewConsumer creates a Consumer for topic. New groups start at the oldest
// offset so that no record published before the first run is missed.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		backoff: time.Second,
	}
}

// Start consumes until ctx is cancelled. A message is committed once its
// handler succeeds or reports ErrPoison; any other failure is retried after
// a pause without committing. Fetch failures also pause before the next
// fetch.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			c.pause(ctx)
			continue
		}
		for {
			err = c.handler(ctx, msg.Key, msg.Value)
			if err == nil || errors.Is(err, ErrPoison) || ctx.Err() != nil {
				break
			}
			c.logger.Error("failed to process message, retrying",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			c.pause(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("skipping message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) pause(ctx context.Context) {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T. Decode failures wrap
// ErrPoison.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("%w: decoding kafka message: %v", ErrPoison, err)
	}
	return result, nil
}
