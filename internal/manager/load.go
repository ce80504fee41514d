package manager

import (
	"context"
	"errors"
	"time"

	"inferd/internal/engine"
	"inferd/internal/loader"
)

// LoadModel initializes the backend on first use and loads the configured
// model. Reloading is refused while contexts created from the current model
// are still open.
func (m *Manager) LoadModel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil && m.liveContexts > 0 {
		return ErrLoadingFailed("reload refused", errors.New("contexts still open"))
	}
	if m.backend == nil {
		b, err := engine.InitBackend()
		if err != nil {
			m.setErrLocked(err)
			return err
		}
		m.backend = b
	}
	if m.loader == nil {
		m.loader = loader.New(m.backend, m.cfg.Model.Retry, m.log)
	}
	m.state = StateLoading
	m.pub.Publish(Event{Name: "model_loading", Fields: map[string]any{"source": m.cfg.Model.Source}})

	before := residentMemoryBytes()
	res, err := m.loader.Load(ctx, m.cfg.Model.Source, engine.ModelParams{
		GPULayers: m.cfg.Model.GPULayers,
		UseMmap:   !m.cfg.Model.NoMmap,
	})
	if err != nil {
		switch {
		case errors.Is(err, loader.ErrSourceNotFound):
			err = ErrModelNotFound(m.cfg.Model.Source)
		case engine.IsDependencyUnavailable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			err = ErrLoadingFailed("load "+m.cfg.Model.Source, err)
		}
		m.setErrLocked(err)
		m.pub.Publish(Event{Name: "model_load_failed", Fields: map[string]any{"error": err.Error()}})
		return err
	}
	after := residentMemoryBytes()
	var footprint uint64
	if after > before {
		footprint = after - before
	}

	if m.model != nil && m.model != res.Model {
		_ = m.model.Close()
	}
	m.model = res.Model
	m.stats = &LoadStats{
		ModelPath:          res.Metadata.File.Path,
		ModelID:            res.Metadata.File.ID,
		Quant:              res.Metadata.File.Quant,
		LoadTime:           res.LoadTime,
		LoadedAt:           m.now(),
		Attempts:           res.Attempts,
		FootprintBytes:     footprint,
		SizeBytes:          res.Metadata.SizeBytes,
		TrainContextLength: res.Metadata.TrainContextLength,
		ContextLength:      m.contextLengthLocked(),
	}
	m.state = StateReady
	m.err = ""
	modelLoadSeconds.Observe(res.LoadTime.Seconds())
	m.log.Info().
		Str("model", res.Metadata.File.ID).
		Dur("load_time", res.LoadTime).
		Uint64("footprint_bytes", footprint).
		Int("n_ctx", m.stats.ContextLength).
		Msg("model ready")
	m.pub.Publish(Event{Name: "model_loaded", Fields: map[string]any{
		"model":    res.Metadata.File.ID,
		"load_ms":  res.LoadTime.Milliseconds(),
		"attempts": res.Attempts,
	}})
	return nil
}

func (m *Manager) setErrLocked(err error) {
	m.state = StateError
	m.err = err.Error()
	m.log.Error().Err(err).Str("source", m.cfg.Model.Source).Msg("model load failed")
}

// MemoryUsageBytes returns the resident memory growth observed while loading
// the model, or 0 when no model is loaded or the platform cannot report it.
func (m *Manager) MemoryUsageBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stats == nil {
		return 0
	}
	return m.stats.FootprintBytes
}

// LoadStats returns the stats of the current model, if any.
func (m *Manager) LoadStats() (LoadStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stats == nil {
		return LoadStats{}, false
	}
	return *m.stats, true
}

// LoadTime is a convenience accessor for the last load duration.
func (m *Manager) LoadTime() time.Duration {
	st, _ := m.LoadStats()
	return st.LoadTime
}
