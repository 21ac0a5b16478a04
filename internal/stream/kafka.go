package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
)

// after the first message of a batch only already-buffered records are drained
const drainWait = 10 * time.Millisecond

// KafkaConsumer is the subset of *kafka.Consumer the source uses.
type KafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

type KafkaSource struct {
	consumer    KafkaConsumer
	pollTimeout time.Duration
	uncommitted bool
	logger      *zap.Logger
}

func NewKafkaSource(cfg config.StreamConfig, logger *zap.Logger) (*KafkaSource, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.SensorTopic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.SensorTopic, err)
	}

	logger.Info("[Stream] Kafka consumer subscribed",
		zap.String("topic", cfg.SensorTopic),
		zap.String("group_id", cfg.GroupID),
		zap.String("bootstrap_servers", cfg.BootstrapServers))
	return NewKafkaSourceWithConsumer(c, cfg.PollTimeout, logger), nil
}

func NewKafkaSourceWithConsumer(c KafkaConsumer, pollTimeout time.Duration, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{consumer: c, pollTimeout: pollTimeout, logger: logger}
}

// Poll waits up to the poll timeout for the first record, then drains what is already buffered,
// returning at most max records.
func (s *KafkaSource) Poll(ctx context.Context, max int) ([]Message, error) {
	deadline := time.Now().Add(s.pollTimeout)
	var out []Message

	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, nil
		}
		wait := time.Until(deadline)
		if len(out) > 0 && wait > drainWait {
			wait = drainWait
		}
		if wait <= 0 {
			break
		}

		msg, err := s.consumer.ReadMessage(wait)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.IsTimeout() {
					break
				}
				if !kerr.IsFatal() {
					s.logger.Warn("[Stream] Kafka consumer error", zap.Error(err))
					break
				}
			}
			return out, fmt.Errorf("read kafka: %w", err)
		}

		out = append(out, fromKafka(msg))
		s.uncommitted = true
	}
	return out, nil
}

func fromKafka(msg *kafka.Message) Message {
	m := Message{
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Key:       msg.Key,
		Value:     msg.Value,
	}
	if msg.TopicPartition.Topic != nil {
		m.Topic = *msg.TopicPartition.Topic
	}
	return m
}

func (s *KafkaSource) Commit(_ context.Context) error {
	if !s.uncommitted {
		return nil
	}
	if _, err := s.consumer.Commit(); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
			s.uncommitted = false
			return nil
		}
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	s.uncommitted = false
	return nil
}

func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}
