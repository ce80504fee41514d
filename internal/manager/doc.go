// Package manager owns the native model and everything derived from it. It
// is structured into small files by concern:
//
//   - manager.go: core Manager type, vocabulary accessors, Close.
//   - config.go: Config; NewWithConfig validates and applies defaults.
//   - types.go: State, LoadStats, KVCacheMetadata, Snapshot.
//   - errors.go: error types and helpers (IsModelNotFound, IsKVCache, ...).
//   - load.go: LoadModel, memory footprint and load stats.
//   - context.go: Context and its lock, context length discovery.
//   - kvcache.go: save/load/has/delete of per-session KV caches.
//   - evict.go: LRU eviction of cache files.
//   - lru_persist.go: index.json persistence of cache access times.
//   - sessions.go: sequence id bookkeeping and session cleanup.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//
// The native backend is process-wide: a second Manager in the same process
// that has no injected Backend fails LoadModel with
// ErrBackendAlreadyInitialized.
package manager
