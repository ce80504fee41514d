package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"inferd/internal/engine"
)

const (
	// Context lengths at or below this are only used when nothing larger
	// is advertised; some models report a conservative default here.
	smallContextLength = 8192
	maxContextLength   = 1 << 24
)

// discoverContextLength picks the context length advertised in model
// metadata. Keys may be vendor prefixed ("llama.context_length",
// "qwen2.context_length"). Falls back to the trained length.
func discoverContextLength(meta map[string]string, trained int) int {
	var large, small int
	for k, v := range meta {
		if !strings.HasSuffix(strings.ToLower(k), "context_length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 || n > maxContextLength {
			continue
		}
		if n > smallContextLength {
			if n > large {
				large = n
			}
		} else if n > small {
			small = n
		}
	}
	switch {
	case large > 0:
		return large
	case small > 0:
		return small
	default:
		return trained
	}
}

// contextLengthLocked returns the n_ctx contexts are created with. Caller
// holds mu.
func (m *Manager) contextLengthLocked() int {
	if m.model == nil {
		return 0
	}
	n := discoverContextLength(m.model.Metadata(), m.model.TrainContextLength())
	if n < m.cfg.Model.BatchSize {
		n = m.cfg.Model.BatchSize
	}
	return n
}

// Context is a native inference context plus the lock that serializes every
// operation on it. The lock is a one-slot channel so waiters can give up
// when their context.Context is cancelled.
type Context struct {
	mgr       *Manager
	native    engine.Context
	sem       chan struct{}
	size      int
	batchSize int

	closeOnce sync.Once
	closedMu  sync.RWMutex
	closed    bool
}

// CreateContext creates a context from the loaded model. n_ctx is the
// larger of the discovered context length and the batch size; the micro
// batch is a quarter of the batch.
func (m *Manager) CreateContext() (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, ErrModelNotLoaded
	}
	batch := m.cfg.Model.BatchSize
	ubatch := batch / 4
	if ubatch < 1 {
		ubatch = 1
	}
	nctx := m.contextLengthLocked()
	native, err := m.model.NewContext(engine.ContextParams{
		ContextSize:  nctx,
		BatchSize:    batch,
		MicroBatch:   ubatch,
		SeqMax:       m.cfg.Model.NSeqMax,
		Threads:      m.cfg.Model.NThreads,
		ThreadsBatch: m.cfg.Model.NThreadsBatch,
	})
	if err != nil {
		return nil, ErrLoadingFailed("create context", err)
	}
	m.liveContexts++
	m.log.Debug().Int("n_ctx", nctx).Int("n_batch", batch).Int("n_ubatch", ubatch).Msg("context created")
	return &Context{
		mgr:       m,
		native:    native,
		sem:       make(chan struct{}, 1),
		size:      nctx,
		batchSize: batch,
	}, nil
}

func (c *Context) isClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *Context) acquire(ctx context.Context) error {
	if c.isClosed() {
		return engine.ErrContextClosed
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.isClosed() {
		<-c.sem
		return engine.ErrContextClosed
	}
	return nil
}

func (c *Context) release() { <-c.sem }

// With runs fn while holding the context lock.
func (c *Context) With(ctx context.Context, fn func(engine.Context) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return fn(c.native)
}

func (c *Context) Size() int      { return c.size }
func (c *Context) BatchSize() int { return c.batchSize }

// Decode submits b under the context lock.
func (c *Context) Decode(ctx context.Context, b *engine.Batch) error {
	return c.With(ctx, func(n engine.Context) error { return n.Decode(b) })
}

// Sample draws the next token under the context lock.
func (c *Context) Sample(ctx context.Context, s engine.Sampler, idx int) (engine.Token, error) {
	var tok engine.Token
	err := c.With(ctx, func(n engine.Context) error {
		tok = n.Sample(s, idx)
		return nil
	})
	return tok, err
}

// NewSampler builds a native sampler chain. Samplers do not touch the KV
// cache, so no lock is taken.
func (c *Context) NewSampler(chain engine.SamplerChain) (engine.Sampler, error) {
	if c.isClosed() {
		return nil, engine.ErrContextClosed
	}
	return c.native.NewSampler(chain)
}

// Truncate drops cached positions >= pos.
func (c *Context) Truncate(ctx context.Context, pos int) error {
	return c.With(ctx, func(n engine.Context) error {
		if pos <= 0 {
			n.ClearMemory()
			return nil
		}
		if !n.RemoveFrom(pos) {
			return fmt.Errorf("remove kv from position %d failed", pos)
		}
		return nil
	})
}

// Close waits for the in-flight operation, then frees the native context.
// Later operations fail with engine.ErrContextClosed.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sem <- struct{}{}
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()
		err = c.native.Close()
		<-c.sem

		c.mgr.mu.Lock()
		c.mgr.liveContexts--
		c.mgr.mu.Unlock()
	})
	return err
}

// IsContextClosed reports whether err came from using a closed context.
func IsContextClosed(err error) bool { return errors.Is(err, engine.ErrContextClosed) }
