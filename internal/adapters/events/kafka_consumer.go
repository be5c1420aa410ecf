package events

import (
	"context"
	"fmt"
	"time"

	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"github.com/segmentio/kafka-go"
)

// KafkaConsumer is a manual-commit reader over the channels of one consumer
// group. Offsets advance only through Commit, so everything fetched but not
// committed comes back after a crash or shutdown.
type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string, channels []string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one channel")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: channels,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (ports.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ports.Message{}, ctx.Err()
		}
		return ports.Message{}, fmt.Errorf("%w: fetch: %v", domain.ErrTransport, err)
	}
	return ports.Message{
		Channel:   msg.Topic,
		Partition: msg.Partition,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Ref:       msg,
	}, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg ports.Message) error {
	raw, ok := msg.Ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("commit: message has no kafka position")
	}
	if err := c.reader.CommitMessages(ctx, raw); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrTransport, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
