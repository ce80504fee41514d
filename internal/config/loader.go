package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when the corresponding field is zero.
const (
	DefaultAddr          = ":8080"
	DefaultLogLevel      = "info"
	DefaultBatchSize     = 512
	DefaultSeqMax        = 4
	DefaultStorageDir    = "~/.cache/inferd/kv"
	DefaultMaxCacheFiles = 64
	DefaultMaxTokens     = 256
	DefaultTemperature   = 0.8
	DefaultTopP          = 0.95
	DefaultSeed          = 1234
	DefaultMaxBodyBytes  = 1 << 20
	DefaultShutdownSecs  = 10
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults, except
// kv_cache.max_cache_files (0 is unlimited) and the generation temperatures
// (0 selects greedy sampling). Those take their defaults from Default, which
// Load decodes over, so only an omitted key gets the default.
type Config struct {
	Addr       string           `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel   string           `json:"log_level" yaml:"log_level" toml:"log_level"`
	Model      ModelConfig      `json:"model" yaml:"model" toml:"model"`
	KVCache    KVCacheConfig    `json:"kv_cache" yaml:"kv_cache" toml:"kv_cache"`
	Generation GenerationConfig `json:"generation" yaml:"generation" toml:"generation"`
	HTTP       HTTPConfig       `json:"http" yaml:"http" toml:"http"`
}

// ModelConfig describes which model to load and how to size its contexts.
type ModelConfig struct {
	// Source is a .gguf file or a directory containing one.
	Source        string      `json:"source" yaml:"source" toml:"source"`
	BatchSize     int         `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	NSeqMax       int         `json:"n_seq_max" yaml:"n_seq_max" toml:"n_seq_max"`
	NThreads      int         `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	NThreadsBatch int         `json:"n_threads_batch" yaml:"n_threads_batch" toml:"n_threads_batch"`
	GPULayers     int         `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	NoMmap        bool        `json:"no_mmap" yaml:"no_mmap" toml:"no_mmap"`
	Debug         bool        `json:"debug" yaml:"debug" toml:"debug"`
	Retry         RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
}

// RetryConfig controls retries of the native model load.
type RetryConfig struct {
	MaxRetries     int `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelayMS int `json:"initial_delay_ms" yaml:"initial_delay_ms" toml:"initial_delay_ms"`
	MaxDelayMS     int `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// KVCacheConfig controls on-disk session caches.
type KVCacheConfig struct {
	StorageDir    string `json:"storage_dir" yaml:"storage_dir" toml:"storage_dir"`
	MaxCacheFiles int    `json:"max_cache_files" yaml:"max_cache_files" toml:"max_cache_files"`
}

// GenerationConfig holds sampling defaults for the two generation modes.
type GenerationConfig struct {
	Seed   uint32         `json:"seed" yaml:"seed" toml:"seed"`
	Batch  DefaultsConfig `json:"batch" yaml:"batch" toml:"batch"`
	Stream DefaultsConfig `json:"stream" yaml:"stream" toml:"stream"`
}

// DefaultsConfig fills request fields the caller left unset.
type DefaultsConfig struct {
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature float32  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP        float32  `json:"top_p" yaml:"top_p" toml:"top_p"`
	StopTokens  []string `json:"stop_tokens" yaml:"stop_tokens" toml:"stop_tokens"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeoutSecs int64    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	ShutdownSecs       int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins        []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	Swagger            bool     `json:"swagger" yaml:"swagger" toml:"swagger"`
}

// Default returns a Config with every default applied.
func Default() Config {
	cfg := Config{
		KVCache: KVCacheConfig{MaxCacheFiles: DefaultMaxCacheFiles},
		Generation: GenerationConfig{
			Batch:  DefaultsConfig{Temperature: DefaultTemperature},
			Stream: DefaultsConfig{Temperature: DefaultTemperature},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a configuration file based on its extension, decoding it over
// Default so keys absent from the file keep their defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Model.ApplyDefaults()
	if c.KVCache.StorageDir == "" {
		c.KVCache.StorageDir = DefaultStorageDir
	}
	if c.KVCache.MaxCacheFiles < 0 {
		c.KVCache.MaxCacheFiles = 0
	}
	if c.Generation.Seed == 0 {
		c.Generation.Seed = DefaultSeed
	}
	c.Generation.Batch.applyDefaults()
	c.Generation.Stream.applyDefaults()
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.HTTP.ShutdownSecs <= 0 {
		c.HTTP.ShutdownSecs = DefaultShutdownSecs
	}
}

func (d *DefaultsConfig) applyDefaults() {
	if d.MaxTokens <= 0 {
		d.MaxTokens = DefaultMaxTokens
	}
	if d.Temperature < 0 {
		d.Temperature = 0
	}
	if d.TopP <= 0 {
		d.TopP = DefaultTopP
	}
}

// ApplyDefaults fills zero-valued model fields.
func (m *ModelConfig) ApplyDefaults() {
	if m.BatchSize == 0 {
		m.BatchSize = DefaultBatchSize
	}
	if m.NSeqMax == 0 {
		m.NSeqMax = DefaultSeqMax
	}
}

// Validate checks that the model configuration is usable.
func (m ModelConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Source) == "" {
		errs = append(errs, errors.New("model source is required"))
	}
	if m.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", m.BatchSize))
	}
	if m.NSeqMax <= 0 {
		errs = append(errs, fmt.Errorf("n_seq_max must be positive, got %d", m.NSeqMax))
	}
	if m.NThreads < 0 || m.NThreadsBatch < 0 {
		errs = append(errs, errors.New("thread counts must not be negative"))
	}
	if m.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}
