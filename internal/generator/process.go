package generator

import (
	"context"
	"fmt"

	"inferd/internal/engine"
)

func (g *TextGenerator) tokenize(prompt string) ([]engine.Token, error) {
	toks, err := g.vocab.Tokenize(prompt, true)
	if err != nil {
		return nil, &Error{Kind: KindTokenization, Op: "tokenize", Err: err}
	}
	if len(toks) == 0 {
		return nil, &Error{Kind: KindTokenization, Op: "tokenize", Err: fmt.Errorf("prompt produced no tokens")}
	}
	return toks, nil
}

func checkFits(c Context, n int) error {
	if size := c.Size(); size > 0 && n > size {
		return &Error{Kind: KindBatch, Op: "process prompt", Err: fmt.Errorf("prompt of %d tokens exceeds context size %d", n, size)}
	}
	return nil
}

// decodeTokens decodes toks at positions start.. in chunks of the context's
// batch size. Only the final token of toks requests logits. Cancellation is
// checked before every chunk.
func (g *TextGenerator) decodeTokens(ctx context.Context, c Context, toks []engine.Token, start int) error {
	bs := c.BatchSize()
	if bs < 1 {
		bs = 1
	}
	b := engine.NewBatch(bs)
	for off := 0; off < len(toks); off += bs {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Op: "process prompt", Err: err}
		}
		end := min(off+bs, len(toks))
		b.Clear()
		for i := off; i < end; i++ {
			if err := b.Add(toks[i], start+i, i == len(toks)-1); err != nil {
				return &Error{Kind: KindBatch, Op: "process prompt", Err: err}
			}
		}
		if err := c.Decode(ctx, b); err != nil {
			return classify("process prompt", err)
		}
		promptTokensDecodedTotal.Add(float64(end - off))
	}
	return nil
}

// ProcessPrompt decodes the whole prompt from position 0 and returns its
// token count.
func (g *TextGenerator) ProcessPrompt(ctx context.Context, c Context, prompt string) (int, error) {
	toks, err := g.processPrompt(ctx, c, prompt)
	return len(toks), err
}

func (g *TextGenerator) processPrompt(ctx context.Context, c Context, prompt string) ([]engine.Token, error) {
	toks, err := g.tokenize(prompt)
	if err != nil {
		return nil, err
	}
	if err := checkFits(c, len(toks)); err != nil {
		return nil, err
	}
	if err := c.Truncate(ctx, 0); err != nil {
		return nil, classify("process prompt", err)
	}
	if err := g.decodeTokens(ctx, c, toks, 0); err != nil {
		return nil, err
	}
	return toks, nil
}

// ProcessPromptIncremental decodes only the part of prompt that differs from
// what state says is already in the context. An identical prompt does no
// decode work. A nil state processes every token. On failure state keeps
// only the prefix that is still valid in the cache.
func (g *TextGenerator) ProcessPromptIncremental(ctx context.Context, c Context, prompt string, state *ContextState) (int, error) {
	toks, err := g.processIncremental(ctx, c, prompt, state)
	return len(toks), err
}

func (g *TextGenerator) processIncremental(ctx context.Context, c Context, prompt string, state *ContextState) ([]engine.Token, error) {
	toks, err := g.tokenize(prompt)
	if err != nil {
		return nil, err
	}
	if err := checkFits(c, len(toks)); err != nil {
		return nil, err
	}
	prefix := 0
	if state != nil {
		prefix = CommonPrefix(state.ProcessedTokens, toks)
		identical := prefix == len(toks) && prefix == len(state.ProcessedTokens)
		if identical && !state.stale && state.CurrentPosition <= len(toks) {
			promptTokensReusedTotal.Add(float64(prefix))
			state.PromptText = prompt
			g.log.Debug().Int("tokens", len(toks)).Msg("prompt unchanged, skipping decode")
			return toks, nil
		}
	}
	// The last prompt token must be decoded to get fresh logits, even when
	// the cache already holds it.
	if prefix == len(toks) {
		prefix--
	}
	if err := c.Truncate(ctx, prefix); err != nil {
		return nil, classify("process prompt", err)
	}
	if err := g.decodeTokens(ctx, c, toks[prefix:], prefix); err != nil {
		if state != nil {
			state.ProcessedTokens = state.ProcessedTokens[:prefix]
			state.CurrentPosition = prefix
		}
		return nil, err
	}
	promptTokensReusedTotal.Add(float64(prefix))
	g.log.Debug().Int("tokens", len(toks)).Int("reused", prefix).Int("decoded", len(toks)-prefix).Msg("prompt processed incrementally")
	if state != nil {
		state.PromptText = prompt
		state.ProcessedTokens = toks
		state.CurrentPosition = len(toks)
		state.stale = false
	}
	return toks, nil
}

// ProcessPromptWithTemplateOffset decodes prompt assuming its first
// templateTokens tokens are already resident in the context. An offset at or
// past the end decodes nothing; an offset of 0 is ProcessPrompt.
func (g *TextGenerator) ProcessPromptWithTemplateOffset(ctx context.Context, c Context, prompt string, templateTokens int) (int, error) {
	toks, err := g.processWithTemplate(ctx, c, prompt, templateTokens)
	return len(toks), err
}

func (g *TextGenerator) processWithTemplate(ctx context.Context, c Context, prompt string, offset int) ([]engine.Token, error) {
	if offset <= 0 {
		return g.processPrompt(ctx, c, prompt)
	}
	toks, err := g.tokenize(prompt)
	if err != nil {
		return nil, err
	}
	if err := checkFits(c, len(toks)); err != nil {
		return nil, err
	}
	if offset >= len(toks) {
		return toks, nil
	}
	if err := c.Truncate(ctx, offset); err != nil {
		return nil, classify("process prompt", err)
	}
	if err := g.decodeTokens(ctx, c, toks[offset:], offset); err != nil {
		return nil, err
	}
	promptTokensReusedTotal.Add(float64(offset))
	return toks, nil
}

// PreloadTemplate decodes a fixed prompt prefix into a fresh cache and
// returns its token count, for use as templateTokens in later requests.
func (g *TextGenerator) PreloadTemplate(ctx context.Context, c Context, template string) (int, error) {
	return g.ProcessPrompt(ctx, c, template)
}
