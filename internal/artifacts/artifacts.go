// Package artifacts loads the frozen preprocessing and model artifacts produced at training time.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
)

// Paths locates the four artifacts. Each path is a local file or an s3://bucket/key URL.
type Paths struct {
	Model        string
	Scaler       string
	Encoder      string
	FeatureNames string
	// ModelOptional allows an empty Model path when scoring happens remotely.
	ModelOptional bool
}

// Scaler holds fitted standard-scaler parameters in feature order.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Encoder holds the fitted machine-type classes; a type encodes to its index.
type Encoder struct {
	Classes []string `json:"classes"`
}

// Encode returns the index of machineType in the fitted classes.
func (e *Encoder) Encode(machineType string) (int, bool) {
	for i, c := range e.Classes {
		if c == machineType {
			return i, true
		}
	}
	return 0, false
}

// Bundle is one consistent, immutable set of loaded artifacts.
type Bundle struct {
	Scaler       Scaler
	Encoder      Encoder
	FeatureNames []string
	Model        *TreeModel
	Paths        Paths
	LoadedAt     time.Time
}

// FeatureInfo summarizes the preprocessing artifacts.
type FeatureInfo struct {
	FeatureCount int       `json:"feature_count"`
	FeatureNames []string  `json:"feature_names"`
	ScalerMean   []float64 `json:"scaler_mean"`
	ScalerScale  []float64 `json:"scaler_scale"`
	MachineTypes []string  `json:"valid_machine_types"`
	ScalerPath   string    `json:"scaler_path"`
	EncoderPath  string    `json:"encoder_path"`
}

func (b *Bundle) FeatureInfo() FeatureInfo {
	return FeatureInfo{
		FeatureCount: len(b.FeatureNames),
		FeatureNames: b.FeatureNames,
		ScalerMean:   b.Scaler.Mean,
		ScalerScale:  b.Scaler.Scale,
		MachineTypes: b.Encoder.Classes,
		ScalerPath:   b.Paths.Scaler,
		EncoderPath:  b.Paths.Encoder,
	}
}

// ModelInfo summarizes the loaded model for health reporting.
type ModelInfo struct {
	ModelPath string    `json:"model_path"`
	ModelType string    `json:"model_type"`
	NFeatures int       `json:"n_features"`
	NTrees    int       `json:"n_trees"`
	Loaded    bool      `json:"loaded"`
	LoadedAt  time.Time `json:"loaded_at"`
}

func (b *Bundle) ModelInfo() ModelInfo {
	info := ModelInfo{
		ModelPath: b.Paths.Model,
		NFeatures: len(b.FeatureNames),
		LoadedAt:  b.LoadedAt,
	}
	if b.Model != nil {
		info.ModelType = b.Model.Objective
		info.NTrees = len(b.Model.Trees)
		info.Loaded = true
	}
	return info
}

// Load reads and validates every artifact. Any failure is a FatalConfigurationError.
func Load(ctx context.Context, fetcher Fetcher, paths Paths) (*Bundle, error) {
	b := &Bundle{Paths: paths}

	if err := fetchJSON(ctx, fetcher, paths.FeatureNames, &b.FeatureNames); err != nil {
		return nil, apperrors.Fatal("feature_names", err)
	}
	if len(b.FeatureNames) == 0 {
		return nil, apperrors.Fatal("feature_names", errors.New("empty feature name list"))
	}
	seen := make(map[string]struct{}, len(b.FeatureNames))
	for _, name := range b.FeatureNames {
		if _, dup := seen[name]; dup {
			return nil, apperrors.Fatal("feature_names", fmt.Errorf("duplicate feature %q", name))
		}
		seen[name] = struct{}{}
	}

	if err := fetchJSON(ctx, fetcher, paths.Scaler, &b.Scaler); err != nil {
		return nil, apperrors.Fatal("scaler", err)
	}
	if err := b.Scaler.validate(len(b.FeatureNames)); err != nil {
		return nil, apperrors.Fatal("scaler", err)
	}

	if err := fetchJSON(ctx, fetcher, paths.Encoder, &b.Encoder); err != nil {
		return nil, apperrors.Fatal("encoder", err)
	}
	if err := b.Encoder.validate(); err != nil {
		return nil, apperrors.Fatal("encoder", err)
	}

	if paths.Model == "" {
		if !paths.ModelOptional {
			return nil, apperrors.Fatal("model", errors.New("model path is empty"))
		}
	} else {
		raw, err := fetcher.Fetch(ctx, paths.Model)
		if err != nil {
			return nil, apperrors.Fatal("model", err)
		}
		model, err := ParseTreeModel(raw, b.FeatureNames)
		if err != nil {
			return nil, apperrors.Fatal("model", err)
		}
		b.Model = model
	}

	b.LoadedAt = time.Now()
	return b, nil
}

func fetchJSON(ctx context.Context, fetcher Fetcher, path string, out any) error {
	if path == "" {
		return errors.New("path is empty")
	}
	raw, err := fetcher.Fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *Scaler) validate(n int) error {
	if len(s.Mean) != n || len(s.Scale) != n {
		return fmt.Errorf("scaler has %d means and %d scales for %d features", len(s.Mean), len(s.Scale), n)
	}
	for i := range s.Scale {
		// a zero scale is stored when a feature had no variance; it divides by one
		if s.Scale[i] == 0 {
			s.Scale[i] = 1
		}
	}
	return nil
}

func (e *Encoder) validate() error {
	if len(e.Classes) == 0 {
		return errors.New("encoder has no classes")
	}
	seen := make(map[string]struct{}, len(e.Classes))
	for _, c := range e.Classes {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate class %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}
