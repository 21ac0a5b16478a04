package artifacts

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
)

// Registry owns the current artifact bundle. Readers take a snapshot with Current and use it
// for a whole prediction, so a concurrent Reload never mixes artifacts from two bundles.
type Registry struct {
	fetcher Fetcher
	paths   Paths
	logger  *zap.Logger

	current  atomic.Pointer[Bundle]
	reloadMu sync.Mutex
}

// NewRegistry performs the initial load. The error is a FatalConfigurationError on failure.
func NewRegistry(ctx context.Context, fetcher Fetcher, paths Paths, logger *zap.Logger) (*Registry, error) {
	r := &Registry{fetcher: fetcher, paths: paths, logger: logger}

	bundle, err := Load(ctx, fetcher, paths)
	if err != nil {
		return nil, err
	}
	r.current.Store(bundle)

	logger.Info("[Artifacts] Loaded",
		zap.Int("features", len(bundle.FeatureNames)),
		zap.Strings("machine_types", bundle.Encoder.Classes),
		zap.String("model_path", paths.Model))
	return r, nil
}

// NewStaticRegistry wraps an already built bundle; b may be nil to model "nothing loaded".
func NewStaticRegistry(b *Bundle, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	if b != nil {
		r.current.Store(b)
	}
	return r
}

// Current returns the active bundle, or nil when nothing was loaded.
func (r *Registry) Current() *Bundle {
	return r.current.Load()
}

// Reload loads a complete new bundle and swaps it in. On failure the previous bundle stays active.
func (r *Registry) Reload(ctx context.Context) (*Bundle, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	if r.fetcher == nil {
		return r.Current(), nil
	}

	bundle, err := Load(ctx, r.fetcher, r.paths)
	if err != nil {
		metrics.ArtifactReloads.WithLabelValues("failure").Inc()
		r.logger.Error("[Artifacts] Reload failed, keeping previous bundle", zap.Error(err))
		return nil, err
	}

	r.current.Store(bundle)
	metrics.ArtifactReloads.WithLabelValues("success").Inc()
	r.logger.Info("[Artifacts] Reloaded", zap.Time("loaded_at", bundle.LoadedAt))
	return bundle, nil
}
