package manager

import (
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/engine"
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Model   config.ModelConfig
	KVCache config.KVCacheConfig
	// Backend overrides the process-wide native backend (tests inject fakes).
	Backend   engine.Backend
	Logger    *zerolog.Logger
	Publisher EventPublisher
	// Now is the clock used for cache access times.
	Now func() time.Time
}

// NewWithConfig validates cfg, applies defaults and constructs a Manager.
// KVCache.MaxCacheFiles 0 keeps every saved cache. The model is not loaded
// until LoadModel is called.
func NewWithConfig(cfg Config) (*Manager, error) {
	cfg.Model.ApplyDefaults()
	if err := cfg.Model.Validate(); err != nil {
		return nil, ErrInvalidConfig(err)
	}
	if cfg.KVCache.StorageDir == "" {
		cfg.KVCache.StorageDir = config.DefaultStorageDir
	}
	if cfg.KVCache.MaxCacheFiles < 0 {
		cfg.KVCache.MaxCacheFiles = 0
	}
	m := &Manager{
		cfg:     cfg,
		state:   StateIdle,
		backend: cfg.Backend,
		pub:     cfg.Publisher,
		now:     cfg.Now,
		kvMeta:  make(map[string]*KVCacheMetadata),
		saving:  make(map[string]int),
		seqs:    make(map[string]int),
	}
	if cfg.Logger != nil {
		m.log = *cfg.Logger
	} else {
		m.log = zerolog.Nop()
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}
