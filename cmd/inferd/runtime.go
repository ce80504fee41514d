package main

import (
	"context"

	"github.com/rs/zerolog"

	"inferd/internal/generator"
	"inferd/internal/manager"
	"inferd/internal/service"
)

// logPublisher writes manager events to the log at debug level.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e manager.Event) {
	ev := p.log.Debug().Str("event", e.Name)
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	ev.Fields(e.Fields).Msg("manager event")
}

// newManager builds a manager from the loaded config without loading the
// model. A nil pub logs events.
func (a *app) newManager(pub manager.EventPublisher) (*manager.Manager, error) {
	if pub == nil {
		pub = logPublisher{log: a.log}
	}
	m, err := manager.NewWithConfig(manager.Config{
		Model:     a.cfg.Model,
		KVCache:   a.cfg.KVCache,
		Logger:    &a.log,
		Publisher: pub,
	})
	if err != nil {
		return nil, err
	}
	if n, err := m.RestoreKVIndex(""); err != nil {
		a.log.Warn().Err(err).Msg("restore kv cache index")
	} else if n > 0 {
		a.log.Info().Int("entries", n).Str("dir", a.cfg.KVCache.StorageDir).Msg("kv cache index restored")
	}
	return m, nil
}

// newService loads the model and wires the generator and service.
func (a *app) newService(ctx context.Context) (*service.Service, error) {
	m, err := a.newManager(nil)
	if err != nil {
		return nil, err
	}
	if err := m.LoadModel(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	gen := generator.New(m, generator.Config{
		Seed:   a.cfg.Generation.Seed,
		Batch:  a.cfg.Generation.Batch,
		Stream: a.cfg.Generation.Stream,
		Logger: &a.log,
	})
	return service.New(service.Config{
		Manager:   m,
		Generator: gen,
		Logger:    &a.log,
	})
}
