// Package stream records view events published to Kafka.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sportsfeed/internal/ledger"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const pollTimeout = 500 * time.Millisecond

// Recorder is the ledger as seen by the consumer.
type Recorder interface {
	Record(ctx context.Context, e ledger.Event) (ledger.Outcome, error)
}

// Config selects the broker, consumer group and topic.
type Config struct {
	Broker  string
	GroupID string
	Topic   string
}

// Consumer reads view events and commits each offset after the event has
// been handled, malformed ones included.
type Consumer struct {
	consumer *kafka.Consumer
	rec      Recorder
	logger   *slog.Logger
}

func NewConsumer(cfg Config, rec Recorder, logger *slog.Logger) (*Consumer, error) {
	logger.Info("initializing kafka consumer", "broker", cfg.Broker, "group_id", cfg.GroupID, "topic", cfg.Topic)

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Broker,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Topic, err)
	}
	return &Consumer{consumer: c, rec: rec, logger: logger}, nil
}

// Run consumes until ctx is cancelled or every broker is down.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := c.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				switch kerr.Code() {
				case kafka.ErrTimedOut:
					continue
				case kafka.ErrAllBrokersDown:
					return fmt.Errorf("all kafka brokers are down: %w", err)
				}
			}
			c.logger.Warn("failed to read message", "error", err)
			continue
		}

		outcome, err := HandleMessage(ctx, c.rec, msg.Value)
		if err != nil {
			c.logger.Warn("skipping malformed view event", "partition", msg.TopicPartition.Partition,
				"offset", msg.TopicPartition.Offset, "error", err)
		} else {
			c.logger.Debug("view event consumed", "outcome", outcome)
		}

		if _, err := c.consumer.CommitMessage(msg); err != nil {
			c.logger.Warn("failed to commit offset", "partition", msg.TopicPartition.Partition,
				"offset", msg.TopicPartition.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}

// HandleMessage decodes one message and records it. Events published on
// the stream without a source are server-observed.
func HandleMessage(ctx context.Context, rec Recorder, value []byte) (ledger.Outcome, error) {
	var e ledger.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return ledger.Dropped, fmt.Errorf("%w: %v", ledger.ErrMalformed, err)
	}
	if e.Source == "" {
		e.Source = ledger.SourceServer
	}
	return rec.Record(ctx, e)
}
