package generator

import (
	"time"

	"inferd/internal/engine"
)

// Finish reasons reported in FinishReason.Reason.
const (
	ReasonEOG          = "End of sequence token detected"
	ReasonStopToken    = "Stop token detected"
	ReasonMaxTokens    = "Maximum tokens reached"
	ReasonCancelled    = "Generation cancelled"
	ReasonContextFull  = "Context window full"
	ReasonDisconnected = "Stream receiver disconnected"
)

// FinishReason says why generation ended.
type FinishReason struct {
	Reason string
}

// Stopped builds a FinishReason.
func Stopped(reason string) FinishReason { return FinishReason{Reason: reason} }

func (f FinishReason) String() string { return f.Reason }

// Cancelled reports whether generation ended because the caller cancelled.
func (f FinishReason) Cancelled() bool { return f.Reason == ReasonCancelled }

// GenerationRequest overrides the per-mode defaults. Zero or nil fields use
// the default; an empty non-nil StopTokens disables stop tokens.
type GenerationRequest struct {
	MaxTokens   int
	Temperature *float32
	TopP        *float32
	StopTokens  []string
	Seed        *uint32
	// Greedy picks the most likely token at every step.
	Greedy bool
}

// GenerationResponse is the result of a batch generation.
type GenerationResponse struct {
	Text            string
	TokensGenerated int
	PromptTokens    int
	GenerationTime  time.Duration
	FinishReason    FinishReason
	// CompleteTokenSequence is the prompt tokens followed by every
	// generated token in emission order.
	CompleteTokenSequence []engine.Token
}

// StreamChunk is one message on a ChunkStream. The final chunk of a request
// has IsComplete set and a non-empty FinishReason.
type StreamChunk struct {
	Text         string
	IsComplete   bool
	TokenCount   int
	FinishReason *FinishReason
}

// ContextState tracks what a Context's KV cache holds for a session.
// ProcessedTokens is the tokenization of the last prompt fully decoded into
// the context; CurrentPosition is the next free position after generation.
// A failed or cancelled incremental decode cuts ProcessedTokens and
// CurrentPosition back to the prefix the cache still holds.
type ContextState struct {
	PromptText      string
	ProcessedTokens []engine.Token
	CurrentPosition int

	// stale is set when the cache holds the tokens but not their logits,
	// as after Restore.
	stale bool
}

// Reset forgets everything, forcing the next request to decode from 0.
func (s *ContextState) Reset() {
	s.PromptText = ""
	s.ProcessedTokens = nil
	s.CurrentPosition = 0
	s.stale = false
}

// Restore sets the state to a token sequence already resident in the
// context, e.g. after loading a saved session cache.
func (s *ContextState) Restore(tokens []engine.Token) {
	s.PromptText = ""
	s.ProcessedTokens = append([]engine.Token(nil), tokens...)
	s.CurrentPosition = len(tokens)
	s.stale = true
}

// CommonPrefix returns the length of the longest common prefix of a and b.
func CommonPrefix(a, b []engine.Token) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
