package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Session to continue. Empty starts a new session; its id is returned.
	// example: chat-42
	SessionID string `json:"session_id,omitempty" example:"chat-42"`
	// Prompt text. Continuing a session should resend the whole conversation;
	// only the part that differs from the cached prefix is decoded.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// If true, stream results as NDJSON chunks.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature; 0 disables the temperature stage.
	// example: 0.7
	Temperature *float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability; 1 disables the top-p stage.
	// example: 0.9
	TopP *float32 `json:"top_p,omitempty" example:"0.9"`
	// Stop sequences. An empty list disables the configured defaults.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Seed for the distribution sampler.
	// example: 42
	Seed *uint32 `json:"seed,omitempty" example:"42"`
	// Always pick the most likely token.
	Greedy bool `json:"greedy,omitempty"`
}

// GenerateResponse is returned by a non-streaming POST /generate.
type GenerateResponse struct {
	// example: chat-42
	SessionID string `json:"session_id" example:"chat-42"`
	// example: Waves fold into foam
	Text string `json:"text" example:"Waves fold into foam"`
	// example: 12
	TokensGenerated int `json:"tokens_generated" example:"12"`
	// example: 9
	PromptTokens int `json:"prompt_tokens" example:"9"`
	// Wall time spent generating, in milliseconds.
	// example: 350
	GenerationMS int64 `json:"generation_ms" example:"350"`
	// example: End of sequence token detected
	FinishReason string `json:"finish_reason" example:"End of sequence token detected"`
}

// StreamChunk is one NDJSON line of a streaming POST /generate.
// The last line has done set and carries the finish reason.
type StreamChunk struct {
	// example: chat-42
	SessionID string `json:"session_id" example:"chat-42"`
	// example: Waves
	Text string `json:"text,omitempty" example:"Waves"`
	// Tokens generated so far.
	// example: 1
	TokenCount int  `json:"token_count" example:"1"`
	Done       bool `json:"done"`
	// example: Maximum tokens reached
	FinishReason string `json:"finish_reason,omitempty" example:"Maximum tokens reached"`
	// Set when generation failed after the stream started.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// CacheEntry describes one saved session KV cache.
type CacheEntry struct {
	// example: chat-42
	SessionID string `json:"session_id" example:"chat-42"`
	// example: /home/me/.cache/inferd/kv/chat-42.bin
	Path string `json:"path" example:"/home/me/.cache/inferd/kv/chat-42.bin"`
	// example: 1048576
	SizeBytes int64 `json:"size_bytes" example:"1048576"`
	// example: 1700000000
	LastAccessedUnix int64 `json:"last_accessed_unix" example:"1700000000"`
}

// ModelStatus summarizes the loaded model for /status.
type ModelStatus struct {
	// example: tinyllama-1.1b.Q4_K_M.gguf
	ID string `json:"id" example:"tinyllama-1.1b.Q4_K_M.gguf"`
	// example: /models/tinyllama-1.1b.Q4_K_M.gguf
	Path string `json:"path" example:"/models/tinyllama-1.1b.Q4_K_M.gguf"`
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// example: 668788096
	SizeBytes int64 `json:"size_bytes" example:"668788096"`
	// Resident memory growth observed during the load.
	// example: 700000000
	FootprintBytes uint64 `json:"footprint_bytes" example:"700000000"`
	// example: 2048
	TrainContextLength int `json:"train_context_length" example:"2048"`
	// Context length new contexts are created with.
	// example: 2048
	ContextLength int `json:"context_length" example:"2048"`
	// example: 1520
	LoadTimeMS int64 `json:"load_time_ms" example:"1520"`
	// example: 1
	Attempts int `json:"attempts" example:"1"`
	// example: 1700000000
	LoadedAtUnix int64 `json:"loaded_at_unix" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Manager state: idle, loading, ready or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Present once a model has loaded.
	Model *ModelStatus `json:"model,omitempty"`
	// Last load error, if any.
	LastError string `json:"last_error,omitempty"`
	// Sessions with a live context.
	// example: 2
	ActiveSessions int `json:"active_sessions" example:"2"`
	// Maximum concurrent sessions.
	// example: 4
	MaxSessions int `json:"max_sessions" example:"4"`
	// Saved session caches, most recently used first.
	CacheEntries []CacheEntry `json:"cache_entries"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// DeleteSessionResponse is returned by DELETE /sessions/{id}.
type DeleteSessionResponse struct {
	// example: chat-42
	SessionID string `json:"session_id" example:"chat-42"`
	// Whether a live session was closed.
	Closed bool `json:"closed"`
	// Whether a saved cache was removed.
	CacheDeleted bool `json:"cache_deleted"`
}
