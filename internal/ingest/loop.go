// Package ingest runs the consume → score → record loop over a stream source.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/stream"
)

type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

const pollErrorBackoff = time.Second

var ErrAlreadyStarted = errors.New("ingestion loop already started")

type Detector interface {
	Detect(ctx context.Context, reading domain.SensorReading) (*domain.PredictionResult, *domain.AnomalyEvent, error)
	ReplaySpool(ctx context.Context) (int, error)
}

// Resource is released when the loop stops, after the stream source.
type Resource struct {
	Name   string
	Closer io.Closer
}

type Options struct {
	BatchSize      int
	MessageTimeout time.Duration
}

type Loop struct {
	source    stream.Source
	detector  Detector
	resources []Resource
	opts      Options
	logger    *zap.Logger

	state    atomic.Int32
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLoop builds a stopped loop. Resources are released in the given order.
func NewLoop(source stream.Source, detector Detector, opts Options, logger *zap.Logger, resources ...Resource) *Loop {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 5 * time.Second
	}
	return &Loop{
		source:    source,
		detector:  detector,
		resources: resources,
		opts:      opts,
		logger:    logger,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	metrics.IngestState.Set(float64(s))
}

// Done is closed once Run has returned and resources are released.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run consumes until Stop is called, ctx is cancelled or a fatal error occurs. Only a fatal
// error is returned; per-message failures are logged and the loop continues. A loop runs once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	l.setState(Running)
	l.logger.Info("[Ingest] Loop started",
		zap.Int("batch_size", l.opts.BatchSize),
		zap.Duration("message_timeout", l.opts.MessageTimeout))

	err := l.consume(ctx)

	l.setState(Stopping)
	l.release()
	l.setState(Stopped)
	close(l.done)

	if err != nil {
		l.logger.Error("[Ingest] Loop stopped on fatal error", zap.Error(err))
		return err
	}
	l.logger.Info("[Ingest] Loop stopped")
	return nil
}

// Stop asks the loop to finish the in-flight message and waits until resources are released.
// It is safe to call more than once and before Run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			metrics.IngestState.Set(float64(Stopping))
		}
		close(l.stopCh)
	})
	if l.started.Load() {
		<-l.done
	}
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (l *Loop) consume(ctx context.Context) error {
	for !l.stopping(ctx) {
		if n, err := l.detector.ReplaySpool(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("[Ingest] Spool replay incomplete", zap.Int("replayed", n), zap.Error(err))
		}

		// records returned together with an error are still handled and committed
		batch, pollErr := l.source.Poll(ctx, l.opts.BatchSize)
		if pollErr != nil {
			l.logger.Error("[Ingest] Poll failed", zap.Int("returned", len(batch)), zap.Error(pollErr))
		}

		if len(batch) > 0 {
			done, err := l.processBatch(ctx, batch)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}

		if pollErr != nil {
			select {
			case <-time.After(pollErrorBackoff):
			case <-l.stopCh:
			case <-ctx.Done():
			}
		}
	}
	return nil
}

// processBatch handles every message of a batch and commits its position. done reports a stop
// request that left the batch partially attempted; that batch is not committed.
func (l *Loop) processBatch(ctx context.Context, batch []stream.Message) (done bool, err error) {
	metrics.IngestBatchSize.Observe(float64(len(batch)))

	attempted := 0
	for i := range batch {
		if l.stopping(ctx) {
			break
		}
		if err := l.handle(ctx, batch[i]); err != nil {
			return true, err
		}
		attempted++
	}

	// a partially attempted batch is redelivered after restart
	if attempted < len(batch) {
		l.logger.Info("[Ingest] Stop requested mid-batch, position not committed",
			zap.Int("attempted", attempted), zap.Int("batch", len(batch)))
		return true, nil
	}
	if err := l.source.Commit(ctx); err != nil {
		metrics.IngestCommitFailures.Inc()
		l.logger.Error("[Ingest] Commit failed", zap.Int("batch", len(batch)), zap.Error(err))
	}
	return false, nil
}

// handle processes one message. It returns an error only when the failure is fatal.
func (l *Loop) handle(parent context.Context, msg stream.Message) error {
	metrics.IngestMessagesReceived.Inc()
	start := time.Now()
	defer func() {
		metrics.IngestProcessingTime.Observe(time.Since(start).Seconds())
	}()

	position := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}

	var reading domain.SensorReading
	if err := json.Unmarshal(msg.Value, &reading); err != nil {
		metrics.IngestMessagesFailed.WithLabelValues(apperrors.ClassInvalid.String()).Inc()
		l.logger.Error("[Ingest] Undecodable message",
			append(position, zap.ByteString("payload", msg.Value), zap.Error(err))...)
		return nil
	}
	if reading.MachineID == nil {
		metrics.IngestMessagesSkipped.WithLabelValues("missing_machine_id").Inc()
		l.logger.Warn("[Ingest] Message without machineId skipped", position...)
		return nil
	}
	machineID := *reading.MachineID

	// the in-flight message completes even when the run context is cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.opts.MessageTimeout)
	defer cancel()

	result, event, err := l.detector.Detect(ctx, reading)
	if err != nil {
		return l.fail(machineID, msg, position, err)
	}

	if result.IsAnomaly {
		sev := "none"
		if result.Severity != nil {
			sev = string(*result.Severity)
		}
		metrics.IngestAnomalies.WithLabelValues(sev).Inc()
	}
	if event != nil {
		l.logger.Info("[Ingest] Anomaly recorded",
			append(position,
				zap.Int64("machine_id", machineID),
				zap.String("aggregate_id", event.AggregateID),
				zap.String("severity", string(event.Payload.Prediction.Severity)))...)
	}
	return nil
}

func (l *Loop) fail(machineID int64, msg stream.Message, position []zap.Field, err error) error {
	class := apperrors.ClassOf(err)
	fields := append(position, zap.Int64("machine_id", machineID), zap.Error(err))

	switch class {
	case apperrors.ClassNotFound:
		metrics.IngestMessagesSkipped.WithLabelValues("unknown_machine").Inc()
		l.logger.Warn("[Ingest] Unknown machine, message skipped", fields...)
		return nil
	case apperrors.ClassFatal:
		metrics.IngestMessagesFailed.WithLabelValues(class.String()).Inc()
		return fmt.Errorf("machine %d at %s/%d/%d: %w", machineID, msg.Topic, msg.Partition, msg.Offset, err)
	default:
		metrics.IngestMessagesFailed.WithLabelValues(class.String()).Inc()
		l.logger.Error("[Ingest] Message processing failed",
			append(fields, zap.String("class", class.String()), zap.ByteString("payload", msg.Value))...)
		return nil
	}
}

// release closes the stream source and then each resource, best-effort.
func (l *Loop) release() {
	if err := l.source.Close(); err != nil {
		l.logger.Warn("[Ingest] Failed to close stream", zap.Error(err))
	}
	for _, r := range l.resources {
		if r.Closer == nil {
			continue
		}
		if err := r.Closer.Close(); err != nil {
			l.logger.Warn("[Ingest] Failed to release resource", zap.String("resource", r.Name), zap.Error(err))
			continue
		}
		l.logger.Debug("[Ingest] Resource released", zap.String("resource", r.Name))
	}
}
