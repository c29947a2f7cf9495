package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qpesapay/internal/core/domain"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// AuditPublisher implements ports.AuditPublisher by writing each event to
// a Kafka topic, keyed by the transaction or settlement it describes so
// one subject's events stay ordered within a partition.
type AuditPublisher struct {
	writer MessageWriter
	log    zerolog.Logger
	mu     sync.Mutex
}

// NewAuditPublisher creates a publisher for topic on brokers.
func NewAuditPublisher(brokers []string, topic string, log zerolog.Logger) *AuditPublisher {
	return NewAuditPublisherWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, log)
}

func NewAuditPublisherWithWriter(w MessageWriter, log zerolog.Logger) *AuditPublisher {
	return &AuditPublisher{writer: w, log: log.With().Str("component", "kafka_audit").Logger()}
}

func (p *AuditPublisher) Publish(ctx context.Context, event domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return fmt.Errorf("audit publisher closed")
	}
	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(event.SubjectID().String()),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("write audit event to kafka: %w", err)
	}

	p.log.Debug().
		Str("event", string(event.Type)).
		Str("subject_id", event.SubjectID().String()).
		Msg("audit event published")
	return nil
}

func (p *AuditPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		err := p.writer.Close()
		p.writer = nil
		return err
	}
	return nil
}
