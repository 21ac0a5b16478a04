// Package outbox turns a tiered anomaly into a durable outbox row plus its history row.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/publisher"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/spool"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/pkg/utils"
)

// Store persists an outbox row and its history row atomically.
type Store interface {
	SaveAnomaly(ctx context.Context, event *domain.AnomalyEvent, history *domain.AnomalyHistory) (int64, error)
}

type Spool interface {
	Append(e *spool.Entry) (uint64, error)
	Iterate(fn func(id uint64, e *spool.Entry) error) error
	Commit(upto uint64) error
	Stats() spool.Stats
}

type Writer struct {
	store     Store
	spool     Spool
	publisher publisher.Publisher
	clock     *utils.MonotonicClock
	logger    *zap.Logger
}

// NewWriter wires the writer. sp and pub may be nil.
func NewWriter(store Store, sp Spool, pub publisher.Publisher, clock *utils.MonotonicClock, logger *zap.Logger) *Writer {
	if pub == nil {
		pub = publisher.Noop{}
	}
	if clock == nil {
		clock = utils.NewMonotonicClock(nil, nil)
	}
	return &Writer{
		store:     store,
		spool:     sp,
		publisher: pub,
		clock:     clock,
		logger:    logger,
	}
}

// Build assembles the outbox and history rows without touching storage.
func (w *Writer) Build(machineID int64, reading domain.SensorReading, prediction domain.PredictionResult) (*domain.AnomalyEvent, *domain.AnomalyHistory, error) {
	if prediction.Severity == nil {
		return nil, nil, apperrors.Validation("anomaly has no severity tier", "severity")
	}
	severity := *prediction.Severity

	sensor, err := json.Marshal(reading)
	if err != nil {
		return nil, nil, apperrors.Validation(fmt.Sprintf("encode sensor data: %v", err), "sensor_data")
	}

	detected := w.clock.Next()
	event := &domain.AnomalyEvent{
		AggregateID: utils.AggregateID(machineID, detected),
		EventType:   domain.EventTypeAnomalyDetected,
		Payload: domain.AnomalyPayload{
			MachineID:  machineID,
			SensorData: reading,
			Prediction: domain.PayloadPrediction{
				IsAnomaly:          prediction.IsAnomaly,
				AnomalyProbability: prediction.AnomalyProbability,
				MachineType:        prediction.MachineType,
				Severity:           severity,
			},
			DetectedAt: utils.FormatLocal(detected, w.clock.Location()),
		},
		CreatedAt: detected,
	}
	history := &domain.AnomalyHistory{
		MachineID:          machineID,
		DetectedAt:         detected,
		AnomalyProbability: prediction.AnomalyProbability,
		SensorData:         sensor,
		Severity:           severity,
		CreatedAt:          detected,
	}
	return event, history, nil
}

// Record writes one anomaly. On a store failure the rows go to the local spool (when
// configured) and a StorageError is returned; nothing is partially written.
func (w *Writer) Record(ctx context.Context, machineID int64, reading domain.SensorReading, prediction domain.PredictionResult) (*domain.AnomalyEvent, error) {
	event, history, err := w.Build(machineID, reading, prediction)
	if err != nil {
		return nil, err
	}

	if _, err := w.store.SaveAnomaly(ctx, event, history); err != nil {
		metrics.OutboxWriteFailures.Inc()
		w.spoolFailed(event, history, err)
		return nil, asStorage(err)
	}

	metrics.OutboxEventsWritten.WithLabelValues(string(event.Payload.Prediction.Severity)).Inc()
	w.logger.Info("[Outbox] Anomaly recorded",
		zap.Int64("outbox_id", event.ID),
		zap.String("aggregate_id", event.AggregateID),
		zap.String("severity", string(event.Payload.Prediction.Severity)),
		zap.Float64("anomaly_probability", event.Payload.Prediction.AnomalyProbability),
	)
	w.publish(ctx, event)
	return event, nil
}

func (w *Writer) spoolFailed(event *domain.AnomalyEvent, history *domain.AnomalyHistory, cause error) {
	if w.spool == nil {
		w.logger.Error("[Outbox] Failed to record anomaly",
			zap.String("aggregate_id", event.AggregateID), zap.Error(cause))
		return
	}

	id, err := w.spool.Append(&spool.Entry{Event: *event, History: history})
	if err != nil {
		w.logger.Error("[Outbox] Failed to record anomaly and to spool it",
			zap.String("aggregate_id", event.AggregateID),
			zap.NamedError("store_error", cause),
			zap.Error(err))
		return
	}
	metrics.SpoolPending.Set(float64(w.spool.Stats().Pending))
	w.logger.Warn("[Outbox] Store unavailable, anomaly spooled",
		zap.String("aggregate_id", event.AggregateID),
		zap.Uint64("spool_id", id),
		zap.Error(cause))
}

// ReplaySpool writes spooled anomalies to the store oldest first. It stops at the first store
// failure and leaves the rest pending. Returns the number written.
func (w *Writer) ReplaySpool(ctx context.Context) (int, error) {
	if w.spool == nil || w.spool.Stats().Pending == 0 {
		return 0, nil
	}

	replayed := 0
	err := w.spool.Iterate(func(id uint64, e *spool.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		event := e.Event
		if _, err := w.store.SaveAnomaly(ctx, &event, e.History); err != nil {
			return asStorage(err)
		}
		if err := w.spool.Commit(id); err != nil {
			return apperrors.Storage("spool_commit", err)
		}
		replayed++
		metrics.SpoolReplayed.Inc()
		metrics.OutboxEventsWritten.WithLabelValues(string(event.Payload.Prediction.Severity)).Inc()
		w.publish(ctx, &event)
		return nil
	})
	metrics.SpoolPending.Set(float64(w.spool.Stats().Pending))

	if replayed > 0 {
		w.logger.Info("[Outbox] Spool replayed", zap.Int("count", replayed))
	}
	return replayed, err
}

func (w *Writer) SpoolStats() (spool.Stats, bool) {
	if w.spool == nil {
		return spool.Stats{}, false
	}
	return w.spool.Stats(), true
}

func (w *Writer) publish(ctx context.Context, event *domain.AnomalyEvent) {
	if _, ok := w.publisher.(publisher.Noop); ok {
		return
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		metrics.AlertsPublished.WithLabelValues("error").Inc()
		w.logger.Warn("[Outbox] Alert publish failed",
			zap.String("aggregate_id", event.AggregateID), zap.Error(err))
		return
	}
	metrics.AlertsPublished.WithLabelValues("ok").Inc()
}

func asStorage(err error) error {
	var se *apperrors.StorageError
	if errors.As(err, &se) {
		return err
	}
	return apperrors.Storage("save_anomaly", err)
}
