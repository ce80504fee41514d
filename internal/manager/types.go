package manager

import "time"

// State represents the lifecycle state of the loaded model.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// LoadStats records how the current model was loaded.
type LoadStats struct {
	ModelPath string
	ModelID   string
	Quant     string
	LoadTime  time.Duration
	LoadedAt  time.Time
	Attempts  int
	// FootprintBytes is the resident memory growth across the load; 0 where
	// the platform cannot report it.
	FootprintBytes     uint64
	SizeBytes          uint64
	TrainContextLength int
	ContextLength      int
}

// KVCacheMetadata describes one on-disk session cache.
type KVCacheMetadata struct {
	SessionID     string
	CacheFilePath string
	TokensPath    string
	LastAccessed  time.Time
	SizeBytes     int64
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State          State
	Err            string
	Stats          *LoadStats
	LiveContexts   int
	Sequences      int
	KVCacheEntries int
}
