package generator

import (
	"context"
	"time"
)

// GenerateText decodes prompt from scratch and generates a complete response.
func (g *TextGenerator) GenerateText(ctx context.Context, c Context, prompt string, req GenerationRequest) (*GenerationResponse, error) {
	started := time.Now()
	toks, err := g.processPrompt(ctx, c, prompt)
	if err != nil {
		return nil, err
	}
	resp, _, err := g.generate(ctx, c, toks, len(toks), g.resolve(g.cfg.Batch, req), started)
	return resp, err
}

// GenerateTextWithContext reuses whatever prefix of prompt state says is
// already cached, then generates. state.CurrentPosition is advanced past
// the decoded generated tokens.
func (g *TextGenerator) GenerateTextWithContext(ctx context.Context, c Context, state *ContextState, prompt string, req GenerationRequest) (*GenerationResponse, error) {
	started := time.Now()
	toks, err := g.processIncremental(ctx, c, prompt, state)
	if err != nil {
		return nil, err
	}
	resp, out, err := g.generate(ctx, c, toks, len(toks), g.resolve(g.cfg.Batch, req), started)
	if state != nil {
		state.CurrentPosition = out.pos
	}
	return resp, err
}

// GenerateTextWithTemplate generates with the first templateTokens prompt
// tokens assumed resident (see PreloadTemplate).
func (g *TextGenerator) GenerateTextWithTemplate(ctx context.Context, c Context, prompt string, templateTokens int, req GenerationRequest) (*GenerationResponse, error) {
	started := time.Now()
	toks, err := g.processWithTemplate(ctx, c, prompt, templateTokens)
	if err != nil {
		return nil, err
	}
	resp, _, err := g.generate(ctx, c, toks, len(toks), g.resolve(g.cfg.Batch, req), started)
	return resp, err
}
