// Package engine is the boundary between inferd and the native inference
// library. Everything above this package talks to the interfaces declared
// here; the llama.cpp implementation lives in llama_cgo.go and is only
// compiled with -tags=llama. Without the tag, InitBackend reports the native
// runtime as unavailable.
//
// Threading: Model methods are safe for concurrent use. Context methods are
// not; the caller must serialize every call that touches a Context (the
// manager does this with its per-context lock).
package engine

import "errors"

// Token is a vocabulary id produced by the model's tokenizer.
type Token = int32

// ErrContextClosed is returned by operations on a context that has been freed.
var ErrContextClosed = errors.New("engine: context is closed")

// ErrBatchFull is returned by Batch.Add when the batch is at capacity.
var ErrBatchFull = errors.New("engine: batch is full")

// ModelParams configures how model weights are loaded.
type ModelParams struct {
	GPULayers int
	UseMmap   bool
}

// ContextParams configures an inference context.
type ContextParams struct {
	ContextSize  int
	BatchSize    int
	MicroBatch   int
	SeqMax       int
	Threads      int
	ThreadsBatch int
}

// Backend loads models. There is at most one live Backend per process.
// Close frees the native runtime and is only for process exit; managers
// never call it.
type Backend interface {
	LoadModel(path string, params ModelParams) (Model, error)
	Close()
}

// Model is a loaded set of weights plus its vocabulary.
type Model interface {
	// Tokenize converts text to tokens. addBOS prepends the
	// beginning-of-sequence marker.
	Tokenize(text string, addBOS bool) ([]Token, error)
	TokenToPiece(tok Token) (string, error)
	IsEOG(tok Token) bool
	// TrainContextLength is the context length the model was trained with.
	TrainContextLength() int
	// Metadata returns the model's key/value metadata (GGUF header).
	Metadata() map[string]string
	SizeBytes() uint64
	NewContext(params ContextParams) (Context, error)
	Close() error
}

// Context owns a KV cache bound to a model.
type Context interface {
	Size() int
	Decode(b *Batch) error
	NewSampler(chain SamplerChain) (Sampler, error)
	// Sample picks the next token from the logits at output index idx.
	// idx -1 selects the last output of the most recent decode.
	Sample(s Sampler, idx int) Token
	ClearMemory()
	// RemoveFrom drops every cached position >= pos.
	RemoveFrom(pos int) bool
	SaveState(path string, tokens []Token) error
	LoadState(path string, capacity int) ([]Token, error)
	Close() error
}

// Sampler is a native sampler chain built from a SamplerChain description.
type Sampler interface {
	Close()
}
