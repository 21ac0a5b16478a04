package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
)

// Fetcher is the part of jetstream.Consumer the source uses.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// JetStreamSource reads from a durable pull consumer with explicit acks.
// The consumer name plays the role of the Kafka group id.
type JetStreamSource struct {
	conn        *nats.Conn
	consumer    Fetcher
	pollTimeout time.Duration
	pending     []jetstream.Msg
	logger      *zap.Logger
}

func NewJetStreamSource(ctx context.Context, cfg config.StreamConfig, logger *zap.Logger) (*JetStreamSource, error) {
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("anomaly-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.NATSStream,
		Subjects: []string{cfg.SensorTopic},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.NATSStream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.NATSStream, jetstream.ConsumerConfig{
		Durable:       cfg.GroupID,
		FilterSubject: cfg.SensorTopic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       cfg.PollTimeout + 30*time.Second,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create consumer %s: %w", cfg.GroupID, err)
	}

	logger.Info("[Stream] JetStream consumer ready",
		zap.String("stream", cfg.NATSStream),
		zap.String("subject", cfg.SensorTopic),
		zap.String("durable", cfg.GroupID))

	s := NewJetStreamSourceWithConsumer(consumer, cfg.PollTimeout, logger)
	s.conn = conn
	return s, nil
}

func NewJetStreamSourceWithConsumer(consumer Fetcher, pollTimeout time.Duration, logger *zap.Logger) *JetStreamSource {
	return &JetStreamSource{consumer: consumer, pollTimeout: pollTimeout, logger: logger}
}

func (s *JetStreamSource) Poll(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil
	}

	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(s.pollTimeout))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var out []Message
	for msg := range batch.Messages() {
		m := Message{Topic: msg.Subject(), Value: msg.Data()}
		if meta, err := msg.Metadata(); err == nil {
			m.Offset = int64(meta.Sequence.Stream)
		}
		out = append(out, m)
		s.pending = append(s.pending, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch batch: %w", err)
	}
	return out, nil
}

// Commit acks every message handed out since the previous commit.
func (s *JetStreamSource) Commit(ctx context.Context) error {
	var errs []error
	for _, msg := range s.pending {
		if err := msg.DoubleAck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.pending = s.pending[:0]
	if len(errs) > 0 {
		return fmt.Errorf("ack %d messages: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (s *JetStreamSource) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
