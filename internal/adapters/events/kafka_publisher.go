package events

import (
	"context"
	"fmt"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher hands envelopes to Kafka and only returns success once every
// in-sync replica acknowledged the write. It never retries on its own: a
// transport failure surfaces wrapped in domain.ErrTransport and the caller
// decides (outbox sweep, local retry, or propagate).
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel string, env contracts.Envelope) error {
	msg, err := toKafkaMessage(channel, env)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %v", domain.ErrTransport, env.EventID, channel, err)
	}
	return nil
}

// PublishBatch writes each envelope individually so acceptance is reported
// per index instead of all-or-nothing.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, channel string, envs []contracts.Envelope) ([]error, error) {
	outcomes := make([]error, len(envs))
	var failed bool
	for i, env := range envs {
		outcomes[i] = p.Publish(ctx, channel, env)
		if outcomes[i] != nil {
			failed = true
		}
	}
	if failed {
		return outcomes, fmt.Errorf("%w: batch publish to %s partially failed", domain.ErrTransport, channel)
	}
	return outcomes, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(channel string, env contracts.Envelope) (kafka.Message, error) {
	raw, err := env.Encode()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: encode %s: %v", domain.ErrInvalidEnvelope, env.EventID, err)
	}
	return kafka.Message{
		Topic: channel,
		Key:   []byte(env.PartitionKey),
		Value: raw,
		Time:  env.OccurredAt,
	}, nil
}
