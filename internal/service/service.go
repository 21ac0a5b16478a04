package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/classifier"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/features"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/machinecache"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/spool"
)

const (
	defaultHistoryLimit = 100
	defaultWarmupLimit  = 1000
)

// Repository is the read side of the outbox database.
type Repository interface {
	ListHistories(ctx context.Context, filter domain.HistoryFilter) ([]*domain.AnomalyHistory, error)
	HealthCheck(ctx context.Context) error
}

type MachineTypes interface {
	Lookup(ctx context.Context, machineID int64) (string, error)
	Invalidate(machineID int64) bool
	Clear() int
	Info() machinecache.Info
	Warmup(ctx context.Context, machineIDs []int64) machinecache.WarmupResult
}

// MachineRegistry lists known machines and reports reachability of the reference database.
type MachineRegistry interface {
	MachineIDs(ctx context.Context, limit int) ([]int64, error)
	Ping(ctx context.Context) error
}

type Artifacts interface {
	Current() *artifacts.Bundle
	Reload(ctx context.Context) (*artifacts.Bundle, error)
}

type Scorer interface {
	Score(ctx context.Context, b *artifacts.Bundle, v *features.Vector) (classifier.Score, error)
	Backend() string
}

type Tiering interface {
	Classify(p float64) *domain.Severity
}

type Recorder interface {
	Record(ctx context.Context, machineID int64, reading domain.SensorReading, prediction domain.PredictionResult) (*domain.AnomalyEvent, error)
	ReplaySpool(ctx context.Context) (int, error)
	SpoolStats() (spool.Stats, bool)
}

type Deps struct {
	Repo      Repository
	Machines  MachineTypes
	Registry  MachineRegistry
	Artifacts Artifacts
	Scorer    Scorer
	Severity  Tiering
	Recorder  Recorder
}

// DetectionService scores readings and records anomalies. It backs both the ingestion loop
// and the HTTP surface.
type DetectionService struct {
	repo      Repository
	machines  MachineTypes
	registry  MachineRegistry
	artifacts Artifacts
	scorer    Scorer
	severity  Tiering
	recorder  Recorder
	logger    *zap.Logger
}

func NewDetectionService(deps Deps, logger *zap.Logger) *DetectionService {
	return &DetectionService{
		repo:      deps.Repo,
		machines:  deps.Machines,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		scorer:    deps.Scorer,
		severity:  deps.Severity,
		recorder:  deps.Recorder,
		logger:    logger,
	}
}

func (s *DetectionService) CheckDBConnection(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

// MachineType resolves the machine type through the read-through cache.
func (s *DetectionService) MachineType(ctx context.Context, machineID int64) (string, error) {
	return s.machines.Lookup(ctx, machineID)
}

// Predict scores one reading for a known machine. Severity is set only for anomalous readings
// at or above the lowest tier.
func (s *DetectionService) Predict(ctx context.Context, machineID int64, reading domain.SensorReading) (*domain.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	machineType, err := s.machines.Lookup(ctx, machineID)
	if err != nil {
		return nil, err
	}

	// one snapshot for the whole prediction, a concurrent reload cannot mix artifacts
	bundle := s.artifacts.Current()
	vector, err := features.Transform(bundle, reading, machineType)
	if err != nil {
		return nil, err
	}

	score, err := s.scorer.Score(ctx, bundle, vector)
	if err != nil {
		return nil, err
	}

	result := &domain.PredictionResult{
		IsAnomaly:          score.Label == classifier.Anomalous,
		NormalProbability:  score.PNormal,
		AnomalyProbability: score.PAnomaly,
		MachineType:        machineType,
		Features:           vector.Raw,
	}
	if result.IsAnomaly {
		result.Prediction = 1
		result.Severity = s.severity.Classify(score.PAnomaly)
	}
	return result, nil
}

// Detect runs the full pipeline for one inbound reading. The returned event is nil unless an
// outbox row was written.
func (s *DetectionService) Detect(ctx context.Context, reading domain.SensorReading) (*domain.PredictionResult, *domain.AnomalyEvent, error) {
	if reading.MachineID == nil {
		return nil, nil, apperrors.Validation("missing machine id", "machineId")
	}
	machineID := *reading.MachineID

	result, err := s.Predict(ctx, machineID, reading)
	if err != nil {
		return nil, nil, err
	}

	if !result.IsAnomaly {
		s.logger.Debug("[DetectionService] Normal reading",
			zap.Int64("machine_id", machineID),
			zap.Float64("normal_probability", result.NormalProbability))
		return result, nil, nil
	}

	if result.Severity == nil {
		s.logger.Info("[DetectionService] Anomaly below lowest severity tier, not recorded",
			zap.Int64("machine_id", machineID),
			zap.Float64("anomaly_probability", result.AnomalyProbability))
		return result, nil, nil
	}

	s.logger.Warn("[DetectionService] Anomaly detected",
		zap.Int64("machine_id", machineID),
		zap.String("machine_type", result.MachineType),
		zap.Float64("anomaly_probability", result.AnomalyProbability),
		zap.String("severity", string(*result.Severity)))

	event, err := s.recorder.Record(ctx, machineID, reading, *result)
	if err != nil {
		return result, nil, err
	}
	return result, event, nil
}

// ReplaySpool retries anomalies spooled while the outbox database was unavailable.
func (s *DetectionService) ReplaySpool(ctx context.Context) (int, error) {
	return s.recorder.ReplaySpool(ctx)
}

type HealthReport struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	PredictorReady bool                   `json:"predictor_ready"`
	Backend        string                 `json:"backend"`
	Database       string                 `json:"database"`
	ReferenceDB    string                 `json:"reference_db"`
	CacheInfo      machinecache.Info      `json:"cache_info"`
	ModelInfo      *artifacts.ModelInfo   `json:"model_info,omitempty"`
	FeatureInfo    *artifacts.FeatureInfo `json:"feature_info,omitempty"`
	Spool          *spool.Stats           `json:"spool,omitempty"`
}

// Serving reports whether the service can score readings and record anomalies.
// A degraded report still serves.
func (h HealthReport) Serving() bool {
	return h.Status != "unhealthy"
}

const Version = "1.0.0"

// Health checks the model and both databases. The reference database only degrades the report;
// cached machine types keep scoring alive while it is down.
func (s *DetectionService) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Version:     Version,
		Backend:     s.scorer.Backend(),
		Database:    "up",
		ReferenceDB: "up",
		CacheInfo:   s.machines.Info(),
	}

	if b := s.artifacts.Current(); b != nil {
		mi := b.ModelInfo()
		fi := b.FeatureInfo()
		report.ModelInfo = &mi
		report.FeatureInfo = &fi
		report.PredictorReady = mi.Loaded || s.scorer.Backend() != "file"
	}

	if err := s.repo.HealthCheck(ctx); err != nil {
		s.logger.Warn("[DetectionService] Outbox database unhealthy", zap.Error(err))
		report.Database = "down"
	}
	if s.registry != nil {
		if err := s.registry.Ping(ctx); err != nil {
			s.logger.Warn("[DetectionService] Reference database unhealthy", zap.Error(err))
			report.ReferenceDB = "down"
		}
	}
	if st, ok := s.recorder.SpoolStats(); ok {
		report.Spool = &st
	}

	switch {
	case !report.PredictorReady || report.Database == "down":
		report.Status = "unhealthy"
	case report.ReferenceDB == "down":
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}
	return report
}

// ModelInfo describes the active model, or nil when nothing is loaded.
func (s *DetectionService) ModelInfo() *artifacts.ModelInfo {
	b := s.artifacts.Current()
	if b == nil {
		return nil
	}
	mi := b.ModelInfo()
	return &mi
}

func (s *DetectionService) CacheInfo() machinecache.Info {
	return s.machines.Info()
}

func (s *DetectionService) InvalidateMachine(machineID int64) bool {
	removed := s.machines.Invalidate(machineID)
	s.logger.Info("[DetectionService] Cache entry invalidated",
		zap.Int64("machine_id", machineID), zap.Bool("removed", removed))
	return removed
}

func (s *DetectionService) ClearCache() int {
	n := s.machines.Clear()
	s.logger.Info("[DetectionService] Cache cleared", zap.Int("entries", n))
	return n
}

// WarmupCache preloads the given machines, or every registered machine when ids is empty.
func (s *DetectionService) WarmupCache(ctx context.Context, ids []int64) (machinecache.WarmupResult, error) {
	if len(ids) == 0 {
		if s.registry == nil {
			return machinecache.WarmupResult{}, apperrors.Validation("no machine ids given", "machine_ids")
		}
		var err error
		ids, err = s.registry.MachineIDs(ctx, defaultWarmupLimit)
		if err != nil {
			return machinecache.WarmupResult{}, err
		}
	}
	return s.machines.Warmup(ctx, ids), nil
}

// ReloadArtifacts swaps in a freshly loaded artifact bundle. The previous bundle stays active
// when loading fails.
func (s *DetectionService) ReloadArtifacts(ctx context.Context) (artifacts.ModelInfo, error) {
	b, err := s.artifacts.Reload(ctx)
	if err != nil {
		s.logger.Error("[DetectionService] Artifact reload failed", zap.Error(err))
		return artifacts.ModelInfo{}, err
	}
	if b == nil {
		return artifacts.ModelInfo{}, apperrors.Fatal("model", apperrors.ErrModelNotLoaded)
	}
	return b.ModelInfo(), nil
}

// RecentHistories returns the latest anomalies, optionally of one severity.
func (s *DetectionService) RecentHistories(ctx context.Context, limit int, severity domain.Severity) ([]*domain.AnomalyHistory, error) {
	return s.SearchHistories(ctx, domain.HistoryFilter{Limit: limit, Severity: severity})
}

// MachineHistories returns the latest anomalies of one machine.
func (s *DetectionService) MachineHistories(ctx context.Context, machineID int64, limit int) ([]*domain.AnomalyHistory, error) {
	return s.SearchHistories(ctx, domain.HistoryFilter{MachineID: &machineID, Limit: limit})
}

func (s *DetectionService) SearchHistories(ctx context.Context, filter domain.HistoryFilter) ([]*domain.AnomalyHistory, error) {
	if filter.Start != nil && filter.End != nil && filter.End.Before(*filter.Start) {
		return nil, apperrors.Validation("end time must be after start time", "start", "end")
	}
	if filter.Severity != "" && filter.Severity.Rank() == 0 {
		return nil, apperrors.Validation(fmt.Sprintf("unknown severity %q", filter.Severity), "severity")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}

	data, err := s.repo.ListHistories(ctx, filter)
	if err != nil {
		s.logger.Error("[DetectionService] Failed to query anomaly histories", zap.Error(err))
		return nil, err
	}
	return data, nil
}
