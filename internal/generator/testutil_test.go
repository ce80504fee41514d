package generator

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/engine/enginetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lockedCtx adapts an enginetest.Context to Context, honoring cancellation
// the way the manager's lock does.
type lockedCtx struct {
	n     *enginetest.Context
	size  int
	batch int
}

func (c *lockedCtx) Decode(ctx context.Context, b *engine.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.n.Decode(b)
}

func (c *lockedCtx) Sample(ctx context.Context, s engine.Sampler, idx int) (engine.Token, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.n.Sample(s, idx), nil
}

func (c *lockedCtx) NewSampler(chain engine.SamplerChain) (engine.Sampler, error) {
	return c.n.NewSampler(chain)
}

func (c *lockedCtx) Truncate(ctx context.Context, pos int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pos <= 0 {
		c.n.ClearMemory()
		return nil
	}
	c.n.RemoveFrom(pos)
	return nil
}

func (c *lockedCtx) Size() int      { return c.size }
func (c *lockedCtx) BatchSize() int { return c.batch }

type env struct {
	g     *TextGenerator
	c     *lockedCtx
	model *enginetest.Model
}

func newEnv(t *testing.T, batch int, cfg Config) *env {
	t.Helper()
	fm := enginetest.NewModel()
	nc, err := fm.NewContext(engine.ContextParams{ContextSize: 4096, BatchSize: batch})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return &env{
		g:     New(fm, cfg),
		c:     &lockedCtx{n: nc.(*enginetest.Context), size: 4096, batch: batch},
		model: fm,
	}
}

// script turns text into sampled tokens, optionally ending with EOS.
func script(text string, eos bool) []engine.Token {
	toks := enginetest.Tokens(text, false)
	if eos {
		toks = append(toks, enginetest.EOS)
	}
	return toks
}

func tok(ch byte) engine.Token { return engine.Token(ch) + 3 }

func streamCfg(maxTokens int) Config {
	return Config{
		Batch:  config.DefaultsConfig{MaxTokens: maxTokens, Temperature: 0.7, TopP: 0.9},
		Stream: config.DefaultsConfig{MaxTokens: maxTokens, Temperature: 0.7, TopP: 0.9},
	}
}

// drain collects every chunk until the stream closes.
func drain(s *ChunkStream) []StreamChunk {
	var out []StreamChunk
	for c := range s.C() {
		out = append(out, c)
	}
	return out
}
