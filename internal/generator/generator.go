package generator

import (
	"context"

	"github.com/rs/zerolog"

	"inferd/internal/config"
	"inferd/internal/engine"
)

// maxPieceFailures bounds consecutive token-to-text failures before the
// request is stopped; a greedy sampler would otherwise resample the same
// undecodable token forever.
const maxPieceFailures = 16

// Vocab is the read side of a loaded model.
type Vocab interface {
	Tokenize(text string, addBOS bool) ([]engine.Token, error)
	TokenToPiece(tok engine.Token) (string, error)
	IsEOG(tok engine.Token) bool
}

// Context is an inference context whose methods take its lock for the
// duration of the call. *manager.Context satisfies it.
type Context interface {
	Decode(ctx context.Context, b *engine.Batch) error
	Sample(ctx context.Context, s engine.Sampler, idx int) (engine.Token, error)
	NewSampler(chain engine.SamplerChain) (engine.Sampler, error)
	Truncate(ctx context.Context, pos int) error
	Size() int
	BatchSize() int
}

// Config holds generator defaults.
type Config struct {
	// Seed seeds the distribution sampler unless a request overrides it.
	Seed   uint32
	Batch  config.DefaultsConfig
	Stream config.DefaultsConfig
	// Stoppers are installed in addition to the max-tokens and EOG stoppers.
	Stoppers []Stopper
	Logger   *zerolog.Logger
}

// TextGenerator runs prompt processing and sampling loops.
type TextGenerator struct {
	vocab Vocab
	cfg   Config
	log   zerolog.Logger
}

// New constructs a TextGenerator. Missing defaults fall back to the
// config package defaults.
func New(vocab Vocab, cfg Config) *TextGenerator {
	if cfg.Seed == 0 {
		cfg.Seed = config.DefaultSeed
	}
	cfg.Batch = withDefaults(cfg.Batch)
	cfg.Stream = withDefaults(cfg.Stream)
	g := &TextGenerator{vocab: vocab, cfg: cfg}
	if cfg.Logger != nil {
		g.log = *cfg.Logger
	} else {
		g.log = zerolog.Nop()
	}
	return g
}

func withDefaults(d config.DefaultsConfig) config.DefaultsConfig {
	if d.MaxTokens <= 0 {
		d.MaxTokens = config.DefaultMaxTokens
	}
	if d.Temperature < 0 {
		d.Temperature = 0
	}
	if d.TopP <= 0 || d.TopP > 1 {
		d.TopP = 1
	}
	return d
}

// params is a request resolved against a mode's defaults.
type params struct {
	maxTokens   int
	temperature float32
	topP        float32
	stopTokens  []string
	seed        uint32
	greedy      bool
}

func (g *TextGenerator) resolve(d config.DefaultsConfig, req GenerationRequest) params {
	p := params{
		maxTokens:   d.MaxTokens,
		temperature: d.Temperature,
		topP:        d.TopP,
		stopTokens:  d.StopTokens,
		seed:        g.cfg.Seed,
		greedy:      req.Greedy,
	}
	if req.MaxTokens > 0 {
		p.maxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		p.temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.topP = *req.TopP
	}
	if req.StopTokens != nil {
		p.stopTokens = req.StopTokens
	}
	if req.Seed != nil {
		p.seed = *req.Seed
	}
	return p
}
