// Package enginetest provides an in-memory engine used by tests across the
// module. The tokenizer is byte level: BOS is 1, EOS is 2 and every byte b
// maps to token b+3, so prompt prefixes always tokenize to token prefixes.
package enginetest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"inferd/internal/engine"
)

const (
	BOS engine.Token = 1
	EOS engine.Token = 2
)

// Tokens tokenizes text the way the fake model does.
func Tokens(text string, addBOS bool) []engine.Token {
	out := make([]engine.Token, 0, len(text)+1)
	if addBOS {
		out = append(out, BOS)
	}
	for i := 0; i < len(text); i++ {
		out = append(out, engine.Token(text[i])+3)
	}
	return out
}

// Backend hands out a single fake model.
type Backend struct {
	mu       sync.Mutex
	Model    *Model
	LoadErrs []error // returned by successive LoadModel calls before succeeding
	Loads    int
	Paths    []string
	Closed   bool
}

func NewBackend(m *Model) *Backend {
	if m == nil {
		m = NewModel()
	}
	return &Backend{Model: m}
}

func (b *Backend) LoadModel(path string, _ engine.ModelParams) (engine.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Loads++
	b.Paths = append(b.Paths, path)
	if len(b.LoadErrs) > 0 {
		err := b.LoadErrs[0]
		b.LoadErrs = b.LoadErrs[1:]
		return nil, err
	}
	return b.Model, nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	b.Closed = true
	b.mu.Unlock()
}

// Model is a fake model. Script is copied into every new context and
// drives what Sample returns.
type Model struct {
	mu        sync.Mutex
	Meta      map[string]string
	TrainCtx  int
	Size      uint64
	BadPieces map[engine.Token]bool
	Script    []engine.Token
	Contexts  []*Context
	closed    bool
}

func NewModel() *Model {
	return &Model{
		Meta:      map[string]string{},
		TrainCtx:  4096,
		Size:      1 << 20,
		BadPieces: map[engine.Token]bool{},
	}
}

func (m *Model) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	if m.isClosed() {
		return nil, errors.New("enginetest: model closed")
	}
	return Tokens(text, addBOS), nil
}

func (m *Model) TokenToPiece(tok engine.Token) (string, error) {
	m.mu.Lock()
	bad := m.BadPieces[tok]
	m.mu.Unlock()
	if bad {
		return "", fmt.Errorf("enginetest: no piece for token %d", tok)
	}
	if tok < 3 || tok > 258 {
		return "", nil
	}
	return string([]byte{byte(tok - 3)}), nil
}

func (m *Model) IsEOG(tok engine.Token) bool { return tok == EOS }

func (m *Model) TrainContextLength() int { return m.TrainCtx }

func (m *Model) Metadata() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.Meta))
	for k, v := range m.Meta {
		out[k] = v
	}
	return out
}

func (m *Model) SizeBytes() uint64 { return m.Size }

func (m *Model) NewContext(p engine.ContextParams) (engine.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("enginetest: model closed")
	}
	c := &Context{
		Params: p,
		KV:     map[int]engine.Token{},
		Script: append([]engine.Token(nil), m.Script...),
	}
	m.Contexts = append(m.Contexts, c)
	return c, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Model) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LastContext returns the most recently created context.
func (m *Model) LastContext() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Contexts) == 0 {
		return nil
	}
	return m.Contexts[len(m.Contexts)-1]
}

// Context is a fake KV cache. It rejects decodes at positions that do not
// follow an occupied slot, which catches position bookkeeping bugs.
type Context struct {
	mu sync.Mutex

	Params engine.ContextParams
	KV     map[int]engine.Token

	// Script is consumed by Sample; when empty Sample returns Fill, or EOS
	// when Fill is zero.
	Script []engine.Token
	Fill   engine.Token

	DecodeCalls   int
	TokensDecoded int
	Removals      []int
	Chains        []engine.SamplerChain
	Samples       int

	// FailDecodeAt makes the n-th Decode call (1-based) fail.
	FailDecodeAt int
	// OnDecode runs after every successful Decode.
	OnDecode func(calls int)

	closed bool
}

type sampler struct{ chain engine.SamplerChain }

func (sampler) Close() {}

func (c *Context) Size() int { return c.Params.ContextSize }

func (c *Context) Decode(b *engine.Batch) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engine.ErrContextClosed
	}
	c.DecodeCalls++
	calls := c.DecodeCalls
	if c.FailDecodeAt > 0 && calls == c.FailDecodeAt {
		c.mu.Unlock()
		return errors.New("enginetest: injected decode failure")
	}
	if b.Len() == 0 {
		c.mu.Unlock()
		return errors.New("enginetest: empty batch")
	}
	if c.Params.BatchSize > 0 && b.Len() > c.Params.BatchSize {
		c.mu.Unlock()
		return fmt.Errorf("enginetest: batch of %d exceeds %d", b.Len(), c.Params.BatchSize)
	}
	for i, tok := range b.Tokens {
		pos := b.Positions[i]
		if pos > 0 {
			if _, ok := c.KV[pos-1]; !ok {
				c.mu.Unlock()
				return fmt.Errorf("enginetest: position %d decoded before %d", pos, pos-1)
			}
		}
		c.KV[pos] = tok
	}
	c.TokensDecoded += b.Len()
	hook := c.OnDecode
	c.mu.Unlock()
	if hook != nil {
		hook(calls)
	}
	return nil
}

func (c *Context) NewSampler(chain engine.SamplerChain) (engine.Sampler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Chains = append(c.Chains, chain)
	return sampler{chain: chain}, nil
}

func (c *Context) Sample(_ engine.Sampler, _ int) engine.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Samples++
	if len(c.Script) > 0 {
		t := c.Script[0]
		c.Script = c.Script[1:]
		return t
	}
	if c.Fill != 0 {
		return c.Fill
	}
	return EOS
}

func (c *Context) ClearMemory() {
	c.mu.Lock()
	c.KV = map[int]engine.Token{}
	c.mu.Unlock()
}

func (c *Context) RemoveFrom(pos int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Removals = append(c.Removals, pos)
	for p := range c.KV {
		if p >= pos {
			delete(c.KV, p)
		}
	}
	return true
}

// Cached returns the KV contents ordered by position.
func (c *Context) Cached() []engine.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := make([]int, 0, len(c.KV))
	for p := range c.KV {
		pos = append(pos, p)
	}
	sort.Ints(pos)
	out := make([]engine.Token, len(pos))
	for i, p := range pos {
		out[i] = c.KV[p]
	}
	return out
}

// SetScript replaces the sampling script.
func (c *Context) SetScript(toks ...engine.Token) {
	c.mu.Lock()
	c.Script = append([]engine.Token(nil), toks...)
	c.mu.Unlock()
}

// Stats returns decode counters under the lock.
func (c *Context) Stats() (calls, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DecodeCalls, c.TokensDecoded
}

type stateFile struct {
	Tokens []engine.Token `json:"tokens"`
}

func (c *Context) SaveState(path string, tokens []engine.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrContextClosed
	}
	b, err := json.Marshal(stateFile{Tokens: tokens})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Context) LoadState(path string, capacity int) ([]engine.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, engine.ErrContextClosed
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("enginetest: corrupt state file: %w", err)
	}
	if len(sf.Tokens) > capacity {
		return nil, fmt.Errorf("enginetest: state holds %d tokens, capacity %d", len(sf.Tokens), capacity)
	}
	c.KV = make(map[int]engine.Token, len(sf.Tokens))
	for i, t := range sf.Tokens {
		c.KV[i] = t
	}
	return sf.Tokens, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
