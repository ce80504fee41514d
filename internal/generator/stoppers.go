package generator

import (
	"strings"

	"inferd/internal/engine"
)

// StopState is what a Stopper sees after each generated token.
type StopState struct {
	Token           engine.Token
	TokensGenerated int
	MaxTokens       int
	Position        int
	ContextSize     int
	Text            string
}

// Stopper decides whether generation should end after the current token.
type Stopper interface {
	ShouldStop(s StopState) (bool, string)
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func(s StopState) (bool, string)

func (f StopperFunc) ShouldStop(s StopState) (bool, string) { return f(s) }

// MaxTokensStopper fires once the requested number of tokens exists.
type MaxTokensStopper struct{}

func (MaxTokensStopper) ShouldStop(s StopState) (bool, string) {
	if s.MaxTokens > 0 && s.TokensGenerated >= s.MaxTokens {
		return true, ReasonMaxTokens
	}
	return false, ""
}

// EOGStopper fires on end-of-generation tokens.
type EOGStopper struct{ Vocab Vocab }

func (e EOGStopper) ShouldStop(s StopState) (bool, string) {
	if e.Vocab != nil && e.Vocab.IsEOG(s.Token) {
		return true, ReasonEOG
	}
	return false, ""
}

// ContextFullStopper fires when the next decode would not fit the context.
type ContextFullStopper struct{}

func (ContextFullStopper) ShouldStop(s StopState) (bool, string) {
	if s.ContextSize > 0 && s.Position >= s.ContextSize {
		return true, ReasonContextFull
	}
	return false, ""
}

// matchStopToken reports whether text contains any of the stop strings.
func matchStopToken(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func (g *TextGenerator) stoppers() []Stopper {
	out := []Stopper{MaxTokensStopper{}, EOGStopper{Vocab: g.vocab}, ContextFullStopper{}}
	return append(out, g.cfg.Stoppers...)
}
