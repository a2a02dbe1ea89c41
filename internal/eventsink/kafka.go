// Package eventsink publishes call events to Kafka for downstream archival
// and analytics. The sink is optional: with no brokers configured the
// gateway runs without it.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/radio-stream-lab/internal/logging"
)

// Event is one call lifecycle record published to the topic.
type Event struct {
	Type        string `json:"type"`
	CallID      string `json:"callId,omitempty"`
	TalkgroupID int    `json:"talkgroupId,omitempty"`
	Source      int    `json:"source,omitempty"`
	Frequency   int64  `json:"frequency,omitempty"`
	Emergency   bool   `json:"emergency,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// KafkaSink writes events to one topic, keyed by talkgroup so a consumer
// partition sees each talkgroup's events in order.
type KafkaSink struct {
	writer *kafka.Writer

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewKafkaSink creates a sink for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			MaxAttempts:  3,
		},
	}
}

// Publish sends one event. Failures are logged and counted; call handling
// never depends on the broker being up.
func (s *KafkaSink) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	value, err := json.Marshal(evt)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.Itoa(evt.TalkgroupID)),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.errors.Add(1)
		logging.Warnw("EventSink: kafka write failed", "type", evt.Type, "err", err)
		return fmt.Errorf("kafka write: %w", err)
	}
	s.published.Add(1)
	return nil
}

// Close flushes pending messages and shuts the writer down.
func (s *KafkaSink) Close() error {
	err := s.writer.Close()
	logging.Infow("EventSink: stopped",
		"published", s.published.Load(), "errors", s.errors.Load())
	return err
}
