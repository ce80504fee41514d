// Package loader resolves a model source to a file and loads it through the
// native backend, retrying failed loads with exponential backoff.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// ErrSourceNotFound is returned when the model source does not exist or
// contains no model file.
var ErrSourceNotFound = errors.New("model source not found")

const defaultInitialDelay = 200 * time.Millisecond

// Metadata describes a loaded model.
type Metadata struct {
	File               types.Model
	TrainContextLength int
	SizeBytes          uint64
	KV                 map[string]string
}

// Result is the outcome of a successful load.
type Result struct {
	Model    engine.Model
	LoadTime time.Duration
	Metadata Metadata
	Attempts int
}

// Loader loads models from disk.
type Loader struct {
	backend engine.Backend
	retry   config.RetryConfig
	log     zerolog.Logger
}

func New(backend engine.Backend, rc config.RetryConfig, log zerolog.Logger) *Loader {
	return &Loader{backend: backend, retry: rc, log: log}
}

func (l *Loader) backoff() retry.Backoff {
	initial := l.retry.InitialDelay()
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	b := retry.NewExponential(initial)
	if d := l.retry.MaxDelay(); d > 0 {
		b = retry.WithCappedDuration(d, b)
	}
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(l.retry.MaxRetries), b)
}

// Load resolves source and loads the model it names. Resolution failures
// are not retried; native load failures are retried per the RetryConfig.
func (l *Loader) Load(ctx context.Context, source string, params engine.ModelParams) (Result, error) {
	file, err := registry.Resolve(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, registry.ErrNoModels) {
			return Result{}, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return Result{}, err
	}

	start := time.Now()
	attempts := 0
	var model engine.Model
	err = retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		attempts++
		m, err := l.backend.LoadModel(file.Path, params)
		if err != nil {
			if engine.IsDependencyUnavailable(err) {
				return err
			}
			l.log.Warn().Err(err).Str("path", file.Path).Int("attempt", attempts).Msg("model load failed")
			return retry.RetryableError(err)
		}
		model = m
		return nil
	})
	if err != nil {
		return Result{Attempts: attempts}, err
	}
	res := Result{
		Model:    model,
		LoadTime: time.Since(start),
		Attempts: attempts,
		Metadata: Metadata{
			File:               file,
			TrainContextLength: model.TrainContextLength(),
			SizeBytes:          model.SizeBytes(),
			KV:                 model.Metadata(),
		},
	}
	l.log.Info().Str("path", file.Path).Dur("load_time", res.LoadTime).Int("attempts", attempts).Msg("model loaded")
	return res, nil
}
