package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: ":9999"
log_level: debug
model:
  source: /models/tiny.gguf
  batch_size: 256
  n_seq_max: 2
  retry:
    max_retries: 3
    initial_delay_ms: 50
kv_cache:
  storage_dir: /var/cache/inferd
  max_cache_files: 8
generation:
  seed: 7
  stream:
    max_tokens: 64
    stop_tokens: ["</s>", "User:"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.LogLevel != "debug" || cfg.Model.Source != "/models/tiny.gguf" || cfg.Model.BatchSize != 256 || cfg.Model.NSeqMax != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Model.Retry.MaxRetries != 3 || cfg.Model.Retry.InitialDelay().Milliseconds() != 50 {
		t.Fatalf("unexpected retry: %+v", cfg.Model.Retry)
	}
	if cfg.KVCache.StorageDir != "/var/cache/inferd" || cfg.KVCache.MaxCacheFiles != 8 {
		t.Fatalf("unexpected kv_cache: %+v", cfg.KVCache)
	}
	if cfg.Generation.Seed != 7 || cfg.Generation.Stream.MaxTokens != 64 || len(cfg.Generation.Stream.StopTokens) != 2 {
		t.Fatalf("unexpected generation: %+v", cfg.Generation)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","model":{"source":"/m","batch_size":128},"kv_cache":{"max_cache_files":3},"http":{"cors_enabled":true,"cors_origins":["http://localhost:3000"]}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Model.Source != "/m" || cfg.Model.BatchSize != 128 || cfg.KVCache.MaxCacheFiles != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if !cfg.HTTP.CORSEnabled || len(cfg.HTTP.CORSOrigins) != 1 {
		t.Fatalf("unexpected http: %+v", cfg.HTTP)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\n[model]\nsource=\"/x\"\nn_threads=4\n[generation.batch]\ntemperature=0.2\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.Model.Source != "/x" || cfg.Model.NThreads != 4 || cfg.Generation.Batch.Temperature != 0.2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.Generation.Stream.MaxTokens = 32
	cfg.ApplyDefaults()
	if cfg.Addr != DefaultAddr || cfg.Model.BatchSize != DefaultBatchSize || cfg.Model.NSeqMax != DefaultSeqMax {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Generation.Stream.MaxTokens != 32 || cfg.Generation.Batch.MaxTokens != DefaultMaxTokens {
		t.Fatalf("generation defaults: %+v", cfg.Generation)
	}
	if cfg.KVCache.MaxCacheFiles != 0 || cfg.HTTP.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("kv/http defaults: %+v %+v", cfg.KVCache, cfg.HTTP)
	}
	if cfg.Generation.Batch.Temperature != 0 {
		t.Fatalf("zero temperature rewritten to %v", cfg.Generation.Batch.Temperature)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.KVCache.MaxCacheFiles != DefaultMaxCacheFiles || cfg.Model.BatchSize != DefaultBatchSize {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Generation.Batch.Temperature != DefaultTemperature || cfg.Generation.Stream.Temperature != DefaultTemperature {
		t.Fatalf("temperature defaults: %+v", cfg.Generation)
	}
}

func TestLoad_ExplicitZeroKeptOmittedDefaulted(t *testing.T) {
	d := t.TempDir()
	files := map[string]string{
		"zero.yaml": "kv_cache:\n  max_cache_files: 0\ngeneration:\n  batch:\n    temperature: 0\n",
		"zero.json": `{"kv_cache":{"max_cache_files":0},"generation":{"batch":{"temperature":0}}}`,
		"zero.toml": "[kv_cache]\nmax_cache_files = 0\n[generation.batch]\ntemperature = 0.0\n",
	}
	for name, body := range files {
		cfg, err := Load(writeTempFile(t, d, name, body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		cfg.ApplyDefaults()
		if cfg.KVCache.MaxCacheFiles != 0 {
			t.Fatalf("%s: max_cache_files=%d, want 0 (unlimited)", name, cfg.KVCache.MaxCacheFiles)
		}
		if cfg.Generation.Batch.Temperature != 0 {
			t.Fatalf("%s: batch temperature=%v, want 0", name, cfg.Generation.Batch.Temperature)
		}
		if cfg.Generation.Stream.Temperature != DefaultTemperature {
			t.Fatalf("%s: omitted stream temperature=%v, want default", name, cfg.Generation.Stream.Temperature)
		}
	}

	cfg, err := Load(writeTempFile(t, d, "empty.yaml", "addr: \":1\"\n"))
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if cfg.KVCache.MaxCacheFiles != DefaultMaxCacheFiles {
		t.Fatalf("omitted max_cache_files=%d, want default", cfg.KVCache.MaxCacheFiles)
	}
}

func TestModelConfigValidate(t *testing.T) {
	ok := ModelConfig{Source: "/m.gguf", BatchSize: 512, NSeqMax: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := ModelConfig{BatchSize: 0, NSeqMax: -1, NThreads: -2}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"source", "batch_size", "n_seq_max", "thread"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}
