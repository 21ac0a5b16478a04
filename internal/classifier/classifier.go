// Package classifier scores feature vectors with the frozen anomaly model.
package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/features"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
)

type Label int

const (
	Normal Label = iota
	Anomalous
)

func (l Label) String() string {
	if l == Anomalous {
		return "anomalous"
	}
	return "normal"
}

// Score is the model output for one vector. PNormal + PAnomaly == 1.
type Score struct {
	Label    Label
	PNormal  float64
	PAnomaly float64
}

// Scorer is a scoring backend. It returns the anomaly probability and, when the backend
// decides it itself, the label.
type Scorer interface {
	Name() string
	Score(ctx context.Context, b *artifacts.Bundle, v *features.Vector) (pAnomaly float64, label *Label, err error)
}

// Adapter wraps a Scorer with the guarantees the pipeline relies on.
type Adapter struct {
	scorer    Scorer
	threshold float64
	logger    *zap.Logger
}

// NewAdapter creates an adapter. threshold labels a vector anomalous when the backend
// does not return a label itself.
func NewAdapter(scorer Scorer, threshold float64, logger *zap.Logger) *Adapter {
	return &Adapter{scorer: scorer, threshold: threshold, logger: logger}
}

func (a *Adapter) Backend() string { return a.scorer.Name() }

// Score fails with a FatalConfigurationError when no artifacts are loaded.
func (a *Adapter) Score(ctx context.Context, b *artifacts.Bundle, v *features.Vector) (Score, error) {
	if b == nil {
		return Score{}, apperrors.Fatal("model", apperrors.ErrModelNotLoaded)
	}

	start := time.Now()
	p, label, err := a.scorer.Score(ctx, b, v)
	metrics.ClassifierScoreDuration.WithLabelValues(a.scorer.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return Score{}, fmt.Errorf("score with %s: %w", a.scorer.Name(), err)
	}

	if math.IsNaN(p) || p < 0 || p > 1 {
		return Score{}, fmt.Errorf("score with %s: probability %v outside [0,1]", a.scorer.Name(), p)
	}

	s := Score{PNormal: 1 - p, PAnomaly: p}
	switch {
	case label != nil:
		s.Label = *label
	case p > a.threshold:
		s.Label = Anomalous
	default:
		s.Label = Normal
	}

	a.logger.Debug("[Classifier] Scored",
		zap.String("backend", a.scorer.Name()),
		zap.Float64("anomaly_probability", p),
		zap.Stringer("label", s.Label))
	return s, nil
}
