//go:build llama

package engine

// cgo link directives for the in-process llama.cpp engine.
// - rpath of $ORIGIN lets the runtime loader find libllama.so and
//   libggml*.so next to the built binary (./bin).
// - -L${SRCDIR}/../../bin lets the linker find libllama.so at link time.
// - Headers are expected under third_party/llama.cpp.

/*
#cgo CFLAGS: -I${SRCDIR}/../../third_party/llama.cpp/include -I${SRCDIR}/../../third_party/llama.cpp/ggml/include
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
#include <stdlib.h>
#include "llama.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

type llamaBackend struct {
	once sync.Once
}

func openLlamaBackend() (Backend, error) {
	C.llama_backend_init()
	return &llamaBackend{}, nil
}

func (b *llamaBackend) Close() {
	b.once.Do(func() { C.llama_backend_free() })
}

func (b *llamaBackend) LoadModel(path string, params ModelParams) (Model, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	mp := C.llama_model_default_params()
	mp.n_gpu_layers = C.int32_t(params.GPULayers)
	mp.use_mmap = C.bool(params.UseMmap)

	m := C.llama_model_load_from_file(cpath, mp)
	if m == nil {
		return nil, fmt.Errorf("llama: failed to load model %q", path)
	}
	return &llamaModel{model: m, vocab: C.llama_model_get_vocab(m)}, nil
}

type llamaModel struct {
	mu    sync.RWMutex
	model *C.struct_llama_model
	vocab *C.struct_llama_vocab
}

func (m *llamaModel) Tokenize(text string, addBOS bool) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, errors.New("llama: model is closed")
	}
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	// First pass sizes the output: a negative return is the required count.
	n := C.llama_tokenize(m.vocab, ctext, C.int32_t(len(text)), nil, 0, C.bool(addBOS), C.bool(false))
	if n == 0 {
		return nil, nil
	}
	if n > 0 {
		return nil, fmt.Errorf("llama: tokenize sizing returned %d", int(n))
	}
	need := -int(n)
	toks := make([]Token, need)
	n = C.llama_tokenize(m.vocab, ctext, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&toks[0])), C.int32_t(need), C.bool(addBOS), C.bool(false))
	if n < 0 {
		return nil, fmt.Errorf("llama: tokenize failed (%d)", int(n))
	}
	return toks[:int(n)], nil
}

func (m *llamaModel) TokenToPiece(tok Token) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return "", errors.New("llama: model is closed")
	}
	buf := make([]byte, 64)
	n := C.llama_token_to_piece(m.vocab, C.llama_token(tok), (*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(false))
	if n < 0 {
		buf = make([]byte, -int(n))
		n = C.llama_token_to_piece(m.vocab, C.llama_token(tok), (*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(false))
		if n < 0 {
			return "", fmt.Errorf("llama: token_to_piece failed for token %d", tok)
		}
	}
	return string(buf[:int(n)]), nil
}

func (m *llamaModel) IsEOG(tok Token) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return true
	}
	return bool(C.llama_vocab_is_eog(m.vocab, C.llama_token(tok)))
}

func (m *llamaModel) TrainContextLength() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return 0
	}
	return int(C.llama_model_n_ctx_train(m.model))
}

func (m *llamaModel) Metadata() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	if m.model == nil {
		return out
	}
	count := int(C.llama_model_meta_count(m.model))
	for i := 0; i < count; i++ {
		key, ok := metaString(func(buf *C.char, size C.size_t) C.int32_t {
			return C.llama_model_meta_key_by_index(m.model, C.int32_t(i), buf, size)
		})
		if !ok {
			continue
		}
		val, ok := metaString(func(buf *C.char, size C.size_t) C.int32_t {
			return C.llama_model_meta_val_str_by_index(m.model, C.int32_t(i), buf, size)
		})
		if !ok {
			continue
		}
		out[key] = val
	}
	return out
}

// metaString calls a snprintf-style accessor, growing the buffer once when
// the value was truncated.
func metaString(get func(buf *C.char, size C.size_t) C.int32_t) (string, bool) {
	buf := make([]byte, 256)
	n := int(get((*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
	if n < 0 {
		return "", false
	}
	if n >= len(buf) {
		buf = make([]byte, n+1)
		n = int(get((*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
		if n < 0 || n >= len(buf) {
			return "", false
		}
	}
	return string(buf[:n]), true
}

func (m *llamaModel) SizeBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return 0
	}
	return uint64(C.llama_model_size(m.model))
}

func (m *llamaModel) NewContext(p ContextParams) (Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, errors.New("llama: model is closed")
	}
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(p.ContextSize)
	cp.n_batch = C.uint32_t(p.BatchSize)
	cp.n_ubatch = C.uint32_t(p.MicroBatch)
	cp.n_seq_max = C.uint32_t(p.SeqMax)
	if p.Threads > 0 {
		cp.n_threads = C.int32_t(p.Threads)
	}
	if p.ThreadsBatch > 0 {
		cp.n_threads_batch = C.int32_t(p.ThreadsBatch)
	}
	ctx := C.llama_init_from_model(m.model, cp)
	if ctx == nil {
		return nil, fmt.Errorf("llama: failed to create context (n_ctx=%d n_batch=%d)", p.ContextSize, p.BatchSize)
	}
	return &llamaContext{
		ctx:      ctx,
		batch:    C.llama_batch_init(C.int32_t(p.BatchSize), 0, 1),
		batchCap: p.BatchSize,
	}, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		C.llama_model_free(m.model)
		m.model = nil
		m.vocab = nil
	}
	return nil
}

type llamaContext struct {
	ctx      *C.struct_llama_context
	batch    C.struct_llama_batch
	batchCap int
}

func (c *llamaContext) Size() int {
	if c.ctx == nil {
		return 0
	}
	return int(C.llama_n_ctx(c.ctx))
}

func (c *llamaContext) Decode(b *Batch) error {
	if c.ctx == nil {
		return ErrContextClosed
	}
	n := b.Len()
	if n == 0 {
		return nil
	}
	if n > c.batchCap {
		return fmt.Errorf("llama: batch of %d exceeds capacity %d", n, c.batchCap)
	}
	toks := unsafe.Slice(c.batch.token, c.batchCap)
	pos := unsafe.Slice(c.batch.pos, c.batchCap)
	nseq := unsafe.Slice(c.batch.n_seq_id, c.batchCap)
	seqs := unsafe.Slice(c.batch.seq_id, c.batchCap)
	logits := unsafe.Slice(c.batch.logits, c.batchCap)
	for i := 0; i < n; i++ {
		toks[i] = C.llama_token(b.Tokens[i])
		pos[i] = C.llama_pos(b.Positions[i])
		nseq[i] = 1
		*seqs[i] = 0
		if b.Logits[i] {
			logits[i] = 1
		} else {
			logits[i] = 0
		}
	}
	c.batch.n_tokens = C.int32_t(n)
	if rc := C.llama_decode(c.ctx, c.batch); rc != 0 {
		return fmt.Errorf("llama: decode returned %d", int(rc))
	}
	return nil
}

type llamaSampler struct {
	smpl *C.struct_llama_sampler
}

func (s *llamaSampler) Close() {
	if s.smpl != nil {
		C.llama_sampler_free(s.smpl)
		s.smpl = nil
	}
}

func (c *llamaContext) NewSampler(chain SamplerChain) (Sampler, error) {
	smpl := C.llama_sampler_chain_init(C.llama_sampler_chain_default_params())
	if smpl == nil {
		return nil, errors.New("llama: failed to create sampler chain")
	}
	for _, st := range chain.Stages {
		var stage *C.struct_llama_sampler
		switch st.Kind {
		case StageDist:
			stage = C.llama_sampler_init_dist(C.uint32_t(st.Seed))
		case StageGreedy:
			stage = C.llama_sampler_init_greedy()
		case StageTemperature:
			stage = C.llama_sampler_init_temp(C.float(st.Temperature))
		case StageTopP:
			stage = C.llama_sampler_init_top_p(C.float(st.TopP), C.size_t(st.MinKeep))
		default:
			C.llama_sampler_free(smpl)
			return nil, fmt.Errorf("llama: unknown sampler stage %v", st.Kind)
		}
		C.llama_sampler_chain_add(smpl, stage)
	}
	return &llamaSampler{smpl: smpl}, nil
}

func (c *llamaContext) Sample(s Sampler, idx int) Token {
	ls, ok := s.(*llamaSampler)
	if !ok || ls.smpl == nil || c.ctx == nil {
		return -1
	}
	return Token(C.llama_sampler_sample(ls.smpl, c.ctx, C.int32_t(idx)))
}

func (c *llamaContext) ClearMemory() {
	if c.ctx == nil {
		return
	}
	C.llama_memory_clear(C.llama_get_memory(c.ctx), C.bool(true))
}

func (c *llamaContext) RemoveFrom(pos int) bool {
	if c.ctx == nil {
		return false
	}
	return bool(C.llama_memory_seq_rm(C.llama_get_memory(c.ctx), 0, C.llama_pos(pos), -1))
}

func (c *llamaContext) SaveState(path string, tokens []Token) error {
	if c.ctx == nil {
		return ErrContextClosed
	}
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	var ptr *C.llama_token
	if len(tokens) > 0 {
		ptr = (*C.llama_token)(unsafe.Pointer(&tokens[0]))
	}
	if !bool(C.llama_state_save_file(c.ctx, cpath, ptr, C.size_t(len(tokens)))) {
		return fmt.Errorf("llama: state save to %s failed", path)
	}
	return nil
}

func (c *llamaContext) LoadState(path string, capacity int) ([]Token, error) {
	if c.ctx == nil {
		return nil, ErrContextClosed
	}
	if capacity < 1 {
		capacity = 1
	}
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	toks := make([]Token, capacity)
	var n C.size_t
	if !bool(C.llama_state_load_file(c.ctx, cpath, (*C.llama_token)(unsafe.Pointer(&toks[0])), C.size_t(capacity), &n)) {
		return nil, fmt.Errorf("llama: state load from %s failed", path)
	}
	return toks[:int(n)], nil
}

func (c *llamaContext) Close() error {
	if c.ctx != nil {
		C.llama_batch_free(c.batch)
		C.llama_free(c.ctx)
		c.ctx = nil
	}
	return nil
}
