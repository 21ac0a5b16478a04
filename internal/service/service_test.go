package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/classifier"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/features"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/machinecache"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/severity"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/spool"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ListHistories(ctx context.Context, filter domain.HistoryFilter) ([]*domain.AnomalyHistory, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AnomalyHistory), args.Error(1)
}

func (m *MockRepository) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockMachines struct {
	mock.Mock
}

func (m *MockMachines) Lookup(ctx context.Context, machineID int64) (string, error) {
	args := m.Called(ctx, machineID)
	return args.String(0), args.Error(1)
}

func (m *MockMachines) Invalidate(machineID int64) bool {
	return m.Called(machineID).Bool(0)
}

func (m *MockMachines) Clear() int {
	return m.Called().Int(0)
}

func (m *MockMachines) Info() machinecache.Info {
	return m.Called().Get(0).(machinecache.Info)
}

func (m *MockMachines) Warmup(ctx context.Context, machineIDs []int64) machinecache.WarmupResult {
	return m.Called(ctx, machineIDs).Get(0).(machinecache.WarmupResult)
}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) MachineIDs(ctx context.Context, limit int) ([]int64, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockRegistry) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockScorer struct {
	mock.Mock
}

func (m *MockScorer) Score(ctx context.Context, b *artifacts.Bundle, v *features.Vector) (classifier.Score, error) {
	args := m.Called(ctx, b, v)
	return args.Get(0).(classifier.Score), args.Error(1)
}

func (m *MockScorer) Backend() string {
	return "file"
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, machineID int64, reading domain.SensorReading, prediction domain.PredictionResult) (*domain.AnomalyEvent, error) {
	args := m.Called(ctx, machineID, reading, prediction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AnomalyEvent), args.Error(1)
}

func (m *MockRecorder) ReplaySpool(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockRecorder) SpoolStats() (spool.Stats, bool) {
	return spool.Stats{}, false
}

var trainingOrder = []string{
	features.TypeEncoded, features.AirTemperature, features.ProcessTemperature, features.RotationalSpeed,
	features.Torque, features.ToolWear, features.TempDiff, features.Power, features.ToolWearRate,
	features.TorqueSpeedRatio, features.TempToolwear,
}

func testBundle() *artifacts.Bundle {
	mean := make([]float64, len(trainingOrder))
	scale := make([]float64, len(trainingOrder))
	for i := range scale {
		scale[i] = 1
	}
	return &artifacts.Bundle{
		Scaler:       artifacts.Scaler{Mean: mean, Scale: scale},
		Encoder:      artifacts.Encoder{Classes: []string{"L", "M", "H"}},
		FeatureNames: trainingOrder,
		Model:        &artifacts.TreeModel{Objective: "binary:logistic"},
		Paths:        artifacts.Paths{Model: "models/model.json"},
		LoadedAt:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleReading(id int64) domain.SensorReading {
	return domain.SensorReading{
		MachineID:          &id,
		AirTemperature:     domain.Float(300),
		ProcessTemperature: domain.Float(310),
		RotationalSpeed:    domain.Float(1500),
		Torque:             domain.Float(40),
		ToolWear:           domain.Float(100),
	}
}

type fixture struct {
	repo     *MockRepository
	machines *MockMachines
	registry *MockRegistry
	scorer   *MockScorer
	recorder *MockRecorder
	svc      *DetectionService
}

func newFixture(t *testing.T, bundle *artifacts.Bundle) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	tiers, err := severity.New(severity.DefaultThresholds())
	require.NoError(t, err)

	f := &fixture{
		repo:     new(MockRepository),
		machines: new(MockMachines),
		registry: new(MockRegistry),
		scorer:   new(MockScorer),
		recorder: new(MockRecorder),
	}
	f.svc = NewDetectionService(Deps{
		Repo:      f.repo,
		Machines:  f.machines,
		Registry:  f.registry,
		Artifacts: artifacts.NewStaticRegistry(bundle, logger),
		Scorer:    f.scorer,
		Severity:  tiers,
		Recorder:  f.recorder,
	}, logger)
	return f
}

func TestDetect_AnomalyRecordedWithSeverity(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("M", nil)
	f.scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).
		Return(classifier.Score{Label: classifier.Anomalous, PNormal: 0.38, PAnomaly: 0.62}, nil)

	event := &domain.AnomalyEvent{ID: 1, AggregateID: "42_1"}
	f.recorder.On("Record", mock.Anything, int64(42), mock.Anything, mock.MatchedBy(func(p domain.PredictionResult) bool {
		return p.Severity != nil && *p.Severity == domain.SeverityAlert && p.MachineType == "M"
	})).Return(event, nil)

	result, got, err := f.svc.Detect(context.Background(), sampleReading(42))
	require.NoError(t, err)
	assert.Same(t, event, got)
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, 1, result.Prediction)
	assert.Equal(t, 10.0, result.Features[features.TempDiff])
	f.recorder.AssertExpectations(t)
}

func TestDetect_NormalReadingNotRecorded(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("L", nil)
	f.scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).
		Return(classifier.Score{Label: classifier.Normal, PNormal: 0.9, PAnomaly: 0.1}, nil)

	result, event, err := f.svc.Detect(context.Background(), sampleReading(42))
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.False(t, result.IsAnomaly)
	assert.Nil(t, result.Severity)
	f.recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDetect_AnomalyBelowLowestTierNotRecorded(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("H", nil)
	// a backend label can mark a reading anomalous below the WARNING tier
	f.scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).
		Return(classifier.Score{Label: classifier.Anomalous, PNormal: 0.8, PAnomaly: 0.2}, nil)

	result, event, err := f.svc.Detect(context.Background(), sampleReading(42))
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.True(t, result.IsAnomaly)
	assert.Nil(t, result.Severity)
}

func TestDetect_UnknownMachine(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(9999)).
		Return("", fmt.Errorf("machine 9999: %w", apperrors.ErrNotFound))

	_, event, err := f.svc.Detect(context.Background(), sampleReading(9999))
	assert.True(t, apperrors.IsNotFound(err))
	assert.Nil(t, event)
	f.scorer.AssertNotCalled(t, "Score", mock.Anything, mock.Anything, mock.Anything)
}

func TestDetect_MissingMachineID(t *testing.T) {
	f := newFixture(t, testBundle())
	reading := sampleReading(1)
	reading.MachineID = nil

	_, _, err := f.svc.Detect(context.Background(), reading)
	assert.True(t, apperrors.IsValidation(err))
	f.machines.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestPredict_InvalidReading(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("M", nil)
	reading := sampleReading(42)
	reading.Torque = domain.Measurement{}

	_, err := f.svc.Predict(context.Background(), 42, reading)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPredict_NoArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("M", nil)

	_, err := f.svc.Predict(context.Background(), 42, sampleReading(42))
	assert.True(t, apperrors.IsFatal(err))
}

func TestDetect_RecordFailurePropagates(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Lookup", mock.Anything, int64(42)).Return("M", nil)
	f.scorer.On("Score", mock.Anything, mock.Anything, mock.Anything).
		Return(classifier.Score{Label: classifier.Anomalous, PNormal: 0.2, PAnomaly: 0.8}, nil)
	f.recorder.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.Storage("save_anomaly", errors.New("db down")))

	result, event, err := f.svc.Detect(context.Background(), sampleReading(42))
	assert.True(t, apperrors.IsTransient(err))
	assert.Nil(t, event)
	require.NotNil(t, result)
	assert.Equal(t, domain.SeverityCritical, *result.Severity)
}

func TestHealth(t *testing.T) {
	info := machinecache.Info{CurrentSize: 3, MaxSize: 1000}

	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, testBundle())
		f.machines.On("Info").Return(info)
		f.repo.On("HealthCheck", mock.Anything).Return(nil)
		f.registry.On("Ping", mock.Anything).Return(nil)

		report := f.svc.Health(context.Background())
		assert.Equal(t, "healthy", report.Status)
		assert.True(t, report.Serving())
		assert.True(t, report.PredictorReady)
		require.NotNil(t, report.ModelInfo)
		assert.Equal(t, "models/model.json", report.ModelInfo.ModelPath)
		assert.Equal(t, 3, report.CacheInfo.CurrentSize)
	})

	t.Run("reference db down degrades", func(t *testing.T) {
		f := newFixture(t, testBundle())
		f.machines.On("Info").Return(info)
		f.repo.On("HealthCheck", mock.Anything).Return(nil)
		f.registry.On("Ping", mock.Anything).Return(errors.New("refused"))

		report := f.svc.Health(context.Background())
		assert.Equal(t, "degraded", report.Status)
		assert.True(t, report.Serving())
	})

	t.Run("outbox db down", func(t *testing.T) {
		f := newFixture(t, testBundle())
		f.machines.On("Info").Return(info)
		f.repo.On("HealthCheck", mock.Anything).Return(errors.New("refused"))
		f.registry.On("Ping", mock.Anything).Return(nil)

		report := f.svc.Health(context.Background())
		assert.False(t, report.Serving())
		assert.Equal(t, "down", report.Database)
	})

	t.Run("no model", func(t *testing.T) {
		f := newFixture(t, nil)
		f.machines.On("Info").Return(info)
		f.repo.On("HealthCheck", mock.Anything).Return(nil)
		f.registry.On("Ping", mock.Anything).Return(nil)

		report := f.svc.Health(context.Background())
		assert.False(t, report.PredictorReady)
		assert.False(t, report.Serving())
	})
}

func TestWarmupCache(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Warmup", mock.Anything, []int64{1, 2}).Return(machinecache.WarmupResult{Success: 2, Total: 2})
	f.registry.On("MachineIDs", mock.Anything, defaultWarmupLimit).Return([]int64{1, 2}, nil)

	res, err := f.svc.WarmupCache(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)

	res, err = f.svc.WarmupCache(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	f.registry.AssertNumberOfCalls(t, "MachineIDs", 1)
}

func TestCacheAdmin(t *testing.T) {
	f := newFixture(t, testBundle())
	f.machines.On("Invalidate", int64(7)).Return(true)
	f.machines.On("Clear").Return(4)

	assert.True(t, f.svc.InvalidateMachine(7))
	assert.Equal(t, 4, f.svc.ClearCache())
}

func TestReloadArtifactsWithoutSource(t *testing.T) {
	f := newFixture(t, testBundle())

	info, err := f.svc.ReloadArtifacts(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Loaded)
}

func TestSearchHistories(t *testing.T) {
	f := newFixture(t, testBundle())
	rows := []*domain.AnomalyHistory{{ID: 1, MachineID: 42, Severity: domain.SeverityAlert}}
	f.repo.On("ListHistories", mock.Anything, domain.HistoryFilter{Limit: defaultHistoryLimit, Severity: domain.SeverityAlert}).
		Return(rows, nil)

	got, err := f.svc.RecentHistories(context.Background(), 0, domain.SeverityAlert)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestSearchHistoriesValidation(t *testing.T) {
	f := newFixture(t, testBundle())
	start := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	_, err := f.svc.SearchHistories(context.Background(), domain.HistoryFilter{Start: &start, End: &end})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.SearchHistories(context.Background(), domain.HistoryFilter{Severity: "SEVERE"})
	assert.True(t, apperrors.IsValidation(err))
	f.repo.AssertNotCalled(t, "ListHistories", mock.Anything, mock.Anything)
}

func TestMachineHistories(t *testing.T) {
	f := newFixture(t, testBundle())
	f.repo.On("ListHistories", mock.Anything, mock.MatchedBy(func(fl domain.HistoryFilter) bool {
		return fl.MachineID != nil && *fl.MachineID == 42 && fl.Limit == 10
	})).Return([]*domain.AnomalyHistory{}, nil)

	_, err := f.svc.MachineHistories(context.Background(), 42, 10)
	require.NoError(t, err)
	f.repo.AssertExpectations(t)
}
