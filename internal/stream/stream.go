// Package stream polls sensor telemetry from a broker in bounded batches with manual commit.
package stream

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/config"
)

// Message is one raw telemetry record and its broker position.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Source delivers batches. Commit acknowledges everything returned by Poll so far.
type Source interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context) error
	Close() error
}

// New builds the source selected by STREAM_DRIVER.
func New(ctx context.Context, cfg config.StreamConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Driver {
	case "kafka":
		src, err := NewKafkaSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "nats":
		src, err := NewJetStreamSource(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown stream driver %q", cfg.Driver)
	}
}
