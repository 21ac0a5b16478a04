// Package publisher pushes committed anomaly events straight to the alert topic.
// It is optional; the outbox row stays the source of truth for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
)

const flushTimeoutMs = 5000

type Publisher interface {
	Publish(ctx context.Context, event *domain.AnomalyEvent) error
	Close() error
}

// New picks the publisher named by ALERT_PUBLISHER.
func New(cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.AlertPublisher {
	case "", "none":
		return Noop{}, nil
	case "kafka":
		p, err := NewKafkaPublisher(cfg.Stream.BootstrapServers, cfg.Stream.AlertTopic, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "nats":
		p, err := NewNATSPublisher(cfg.Stream.NATSURL, cfg.Stream.AlertTopic, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown alert publisher %q", cfg.AlertPublisher)
	}
}

type Noop struct{}

func (Noop) Publish(context.Context, *domain.AnomalyEvent) error {
	return nil
}

func (Noop) Close() error {
	return nil
}

func encode(event *domain.AnomalyEvent) (key, value []byte, err error) {
	value, err = json.Marshal(event.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode alert: %w", err)
	}
	return []byte(strconv.FormatInt(event.Payload.MachineID, 10)), value, nil
}

// KafkaProducer is the subset of *kafka.Producer the publisher needs.
type KafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

type KafkaPublisher struct {
	producer KafkaProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaPublisher(bootstrapServers, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(p, topic, logger), nil
}

func NewKafkaPublisherWithProducer(p KafkaProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic, logger: logger}
}

// Publish sends the payload keyed by machine id and waits for the delivery report.
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.AnomalyEvent) error {
	key, value, err := encode(event)
	if err != nil {
		return err
	}

	delivery := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver alert: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) Close() error {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.Warn("[Publisher] Unflushed alerts on close", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	return nil
}

// NATSConn is the subset of *nats.Conn the publisher needs.
type NATSConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type NATSPublisher struct {
	conn    NATSConn
	subject string
	logger  *zap.Logger
}

func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("anomaly-ingest-publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisherWithConn(conn, subject, logger), nil
}

func NewNATSPublisherWithConn(conn NATSConn, subject string, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, event *domain.AnomalyEvent) error {
	_, value, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, value); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
