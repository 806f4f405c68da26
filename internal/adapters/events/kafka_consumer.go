package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerEventID   = "event_id"
	headerEventType = "event_type"
)

// KafkaConsumer reads the payout topics as a consumer group. Offsets move only through
// Commit, so a record is redelivered until the worker has settled it.
type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

// Poll fetches up to max records without committing them, stopping early once the
// topics have been idle for 250ms.
func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		fetchCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		record, err := c.reader.FetchMessage(fetchCtx)
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
		out = append(out, messageFromRecord(record))
	}
	return out, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.reader.CommitMessages(ctx, commitRecords(msgs)...)
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

func messageFromRecord(record kafka.Message) Message {
	msg := Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       string(record.Key),
		Payload:   record.Value,
	}
	for _, h := range record.Headers {
		switch h.Key {
		case headerEventID:
			msg.EventID = string(h.Value)
		case headerEventType:
			msg.EventType = string(h.Value)
		}
	}
	return msg
}

func commitRecords(msgs []Message) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
	}
	return out
}

func envelopeHeaders(eventID, eventType string) []kafka.Header {
	return []kafka.Header{
		{Key: headerEventID, Value: []byte(eventID)},
		{Key: headerEventType, Value: []byte(eventType)},
	}
}
