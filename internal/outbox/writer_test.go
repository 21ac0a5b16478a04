package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/spool"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/pkg/utils"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveAnomaly(ctx context.Context, event *domain.AnomalyEvent, history *domain.AnomalyHistory) (int64, error) {
	args := m.Called(ctx, event, history)
	id := int64(args.Int(0))
	if args.Error(1) == nil {
		event.ID = id
	}
	return id, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event *domain.AnomalyEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

var detectedAt = time.Date(2025, 3, 1, 9, 30, 15, 123_000_000, time.UTC)

func fixedClock(t *testing.T) *utils.MonotonicClock {
	t.Helper()
	kst := time.FixedZone("KST", 9*3600)
	return utils.NewMonotonicClock(kst, func() time.Time { return detectedAt })
}

func reading() domain.SensorReading {
	id := int64(42)
	return domain.SensorReading{
		MachineID:          &id,
		AirTemperature:     domain.Float(300),
		ProcessTemperature: domain.Float(310),
		RotationalSpeed:    domain.Float(1500),
		Torque:             domain.Float(40),
		ToolWear:           domain.Float(100),
	}
}

func alertPrediction() domain.PredictionResult {
	sev := domain.SeverityAlert
	return domain.PredictionResult{
		IsAnomaly:          true,
		Prediction:         1,
		NormalProbability:  0.38,
		AnomalyProbability: 0.62,
		MachineType:        "M",
		Severity:           &sev,
	}
}

func openSpool(t *testing.T) *spool.FileSpool {
	t.Helper()
	sp, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

func TestRecordWritesPayload(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).Return(7, nil)

	w := NewWriter(store, nil, nil, fixedClock(t), logger)
	event, err := w.Record(context.Background(), 42, reading(), alertPrediction())
	require.NoError(t, err)

	assert.Equal(t, int64(7), event.ID)
	assert.Equal(t, "42_1740821415123", event.AggregateID)
	assert.Equal(t, domain.EventTypeAnomalyDetected, event.EventType)
	assert.Equal(t, "2025-03-01T18:30:15.123", event.Payload.DetectedAt)
	assert.Equal(t, domain.SeverityAlert, event.Payload.Prediction.Severity)
	assert.Equal(t, "M", event.Payload.Prediction.MachineType)

	raw, err := json.Marshal(event.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"severity":"ALERT"`)
	assert.Contains(t, string(raw), `"machine_id":42`)

	history := store.Calls[0].Arguments.Get(2).(*domain.AnomalyHistory)
	assert.Equal(t, int64(42), history.MachineID)
	assert.Equal(t, domain.SeverityAlert, history.Severity)
	assert.True(t, history.DetectedAt.Equal(detectedAt))
	assert.JSONEq(t, `{"machineId":42,"airTemperature":300,"processTemperature":310,"rotationalSpeed":1500,"torque":40,"toolWear":100}`,
		string(history.SensorData))
}

func TestRecordAggregateIDsStrictlyIncrease(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)

	w := NewWriter(store, nil, nil, fixedClock(t), logger)
	first, err := w.Record(context.Background(), 42, reading(), alertPrediction())
	require.NoError(t, err)
	second, err := w.Record(context.Background(), 42, reading(), alertPrediction())
	require.NoError(t, err)

	assert.NotEqual(t, first.AggregateID, second.AggregateID)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestRecordRequiresSeverity(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)

	w := NewWriter(store, nil, nil, fixedClock(t), logger)
	prediction := alertPrediction()
	prediction.Severity = nil

	_, err := w.Record(context.Background(), 42, reading(), prediction)
	assert.True(t, apperrors.IsValidation(err))
	store.AssertNotCalled(t, "SaveAnomaly", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordStoreFailureSpools(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).
		Return(0, apperrors.Storage("save_anomaly", errors.New("connection refused"))).Once()

	sp := openSpool(t)
	w := NewWriter(store, sp, nil, fixedClock(t), logger)
	failuresBefore := testutil.ToFloat64(metrics.OutboxWriteFailures)

	event, err := w.Record(context.Background(), 42, reading(), alertPrediction())
	assert.Nil(t, event)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.OutboxWriteFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SpoolPending))

	var se *apperrors.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save_anomaly", se.Op)

	stats, ok := w.SpoolStats()
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Pending)
}

func TestRecordWrapsForeignErrors(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).Return(0, context.DeadlineExceeded)

	w := NewWriter(store, nil, nil, fixedClock(t), logger)
	_, err := w.Record(context.Background(), 42, reading(), alertPrediction())

	var se *apperrors.StorageError
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplaySpoolDrainsInOrder(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).
		Return(0, errors.New("down")).Twice()

	sp := openSpool(t)
	w := NewWriter(store, sp, nil, fixedClock(t), logger)

	_, _ = w.Record(context.Background(), 42, reading(), alertPrediction())
	_, _ = w.Record(context.Background(), 43, reading(), alertPrediction())

	var order []string
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			order = append(order, args.Get(1).(*domain.AnomalyEvent).AggregateID)
		}).Return(11, nil)

	n, err := w.ReplaySpool(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, order, 2)
	assert.Contains(t, order[0], "42_")
	assert.Contains(t, order[1], "43_")

	stats, _ := w.SpoolStats()
	assert.Equal(t, uint64(0), stats.Pending)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SpoolPending))
}

func TestReplaySpoolStopsOnFailure(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("down"))

	sp := openSpool(t)
	w := NewWriter(store, sp, nil, fixedClock(t), logger)
	_, _ = w.Record(context.Background(), 42, reading(), alertPrediction())
	_, _ = w.Record(context.Background(), 43, reading(), alertPrediction())

	n, err := w.ReplaySpool(context.Background())
	assert.Equal(t, 0, n)
	assert.True(t, apperrors.IsTransient(err))

	stats, _ := w.SpoolStats()
	assert.Equal(t, uint64(2), stats.Pending)
}

func TestReplaySpoolWithoutSpool(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	w := NewWriter(new(MockStore), nil, nil, fixedClock(t), logger)

	n, err := w.ReplaySpool(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishFailureDoesNotFailRecord(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := new(MockStore)
	store.On("SaveAnomaly", mock.Anything, mock.Anything, mock.Anything).Return(3, nil)
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	w := NewWriter(store, nil, pub, fixedClock(t), logger)
	event, err := w.Record(context.Background(), 42, reading(), alertPrediction())
	require.NoError(t, err)
	assert.Equal(t, int64(3), event.ID)
	pub.AssertCalled(t, "Publish", mock.Anything, event)
}
