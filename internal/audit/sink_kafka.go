package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink publishes audit events to a Kafka topic, keyed by anonymous id so
// one identity's trail stays ordered within a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(outboxPayload{
		ID:            event.ID.String(),
		Category:      string(event.Action.Category()),
		Timestamp:     event.Timestamp.Format(timestampLayout),
		AnonymousID:   event.AnonymousID.String(),
		CaseID:        caseIDOrEmpty(event),
		Action:        string(event.Action),
		Actor:         event.Actor,
		Justification: event.Justification,
		Detail:        event.Detail,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.AnonymousID.String()),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() { s.client.Close() }

const timestampLayout = "2006-01-02T15:04:05.999999999Z07:00"

func caseIDOrEmpty(event Event) string {
	if event.CaseID.IsNil() {
		return ""
	}
	return event.CaseID.String()
}
