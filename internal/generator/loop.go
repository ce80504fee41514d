package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inferd/internal/engine"
)

const (
	initialOutputCapacity = 256
	outputGrowthFactor    = 2
)

// errReceiverGone is returned by an emit func when the stream reader left.
var errReceiverGone = errors.New("stream receiver disconnected")

// outcome is the result of one run of the sampling loop.
type outcome struct {
	text      string
	generated []engine.Token
	finish    FinishReason
	// pos is the next free position; everything below it is in the cache.
	pos int
	// receiverGone is set when emit reported a disconnected reader.
	receiverGone bool
	// err is set for failures that must surface as errors rather than a
	// finish reason (lock failures).
	err error
}

// outputBuffer grows by outputGrowthFactor whenever a piece would not fit.
type outputBuffer struct {
	b strings.Builder
}

func (o *outputBuffer) append(piece string) {
	if o.b.Cap()-o.b.Len() < len(piece) {
		o.b.Grow(max(o.b.Cap()*(outputGrowthFactor-1), len(piece)))
	}
	o.b.WriteString(piece)
}

func longestStop(stops []string) int {
	n := 0
	for _, s := range stops {
		n = max(n, len(s))
	}
	return n
}

// run samples tokens starting at position pos until a stop condition.
// emit, when non-nil, receives every piece as soon as it is produced.
func (g *TextGenerator) run(ctx context.Context, c Context, p params, pos int, mode string, emit func(piece string, count int) error) outcome {
	out := outcome{pos: pos}
	smpl, err := c.NewSampler(BuildSamplerChain(p.temperature, p.topP, p.seed, p.greedy))
	if err != nil {
		out.err = classify("create sampler", err)
		out.finish = Stopped("Sampler creation failed: " + err.Error())
		return out
	}
	defer smpl.Close()

	var buf outputBuffer
	buf.b.Grow(initialOutputCapacity)
	stoppers := g.stoppers()
	stopWindow := longestStop(p.stopTokens)
	batch := engine.NewBatch(1)
	failures := 0

	for len(out.generated) < p.maxTokens {
		if ctx.Err() != nil {
			out.finish = Stopped(ReasonCancelled)
			break
		}
		tok, err := c.Sample(ctx, smpl, -1)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				out.finish = Stopped(ReasonCancelled)
			} else {
				out.err = classify("sample", err)
				out.finish = Stopped("Sampling failed: " + err.Error())
			}
			break
		}
		if g.vocab.IsEOG(tok) {
			out.finish = Stopped(ReasonEOG)
			break
		}
		piece, err := g.vocab.TokenToPiece(tok)
		if err != nil {
			failures++
			g.log.Warn().Err(err).Int32("token", tok).Int("consecutive", failures).Msg("token to text failed, skipping")
			if failures >= maxPieceFailures {
				out.finish = Stopped(fmt.Sprintf("Token conversion failed %d times in a row", failures))
				break
			}
			continue
		}
		failures = 0
		out.generated = append(out.generated, tok)
		tokensGeneratedTotal.WithLabelValues(mode).Inc()
		prevLen := buf.b.Len()
		buf.append(piece)

		if emit != nil {
			if err := emit(piece, len(out.generated)); err != nil {
				out.receiverGone = true
				out.finish = Stopped(ReasonDisconnected)
				break
			}
		}

		st := StopState{
			Token:           tok,
			TokensGenerated: len(out.generated),
			MaxTokens:       p.maxTokens,
			Position:        out.pos,
			ContextSize:     c.Size(),
			Text:            buf.b.String(),
		}
		if reason, stop := firstStop(stoppers, st); stop {
			out.finish = Stopped(reason)
			break
		}
		if stopWindow > 0 {
			from := max(0, prevLen-stopWindow+1)
			if matchStopToken(st.Text[from:], p.stopTokens) {
				out.finish = Stopped(ReasonStopToken)
				break
			}
		}

		batch.Clear()
		if err := batch.Add(tok, out.pos, true); err != nil {
			out.finish = Stopped("Batch add failed: " + err.Error())
			break
		}
		if err := c.Decode(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				out.finish = Stopped(ReasonCancelled)
			} else {
				if errors.Is(err, engine.ErrContextClosed) {
					out.err = classify("decode", err)
				}
				out.finish = Stopped("Decode failed: " + err.Error())
			}
			break
		}
		out.pos++
	}
	if out.finish.Reason == "" {
		out.finish = Stopped(ReasonMaxTokens)
	}
	out.text = buf.b.String()
	finishTotal.WithLabelValues(reasonLabel(out.finish)).Inc()
	return out
}

func firstStop(stoppers []Stopper, st StopState) (string, bool) {
	for _, s := range stoppers {
		if stop, reason := s.ShouldStop(st); stop {
			return reason, true
		}
	}
	return "", false
}

// reasonLabel keeps the metric label set bounded.
func reasonLabel(f FinishReason) string {
	switch f.Reason {
	case ReasonEOG:
		return "eog"
	case ReasonStopToken:
		return "stop_token"
	case ReasonMaxTokens:
		return "max_tokens"
	case ReasonCancelled:
		return "cancelled"
	case ReasonContextFull:
		return "context_full"
	case ReasonDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// generate runs the loop after the prompt has been decoded and packages
// the batch response.
func (g *TextGenerator) generate(ctx context.Context, c Context, promptToks []engine.Token, pos int, p params, started time.Time) (*GenerationResponse, outcome, error) {
	out := g.run(ctx, c, p, pos, "batch", nil)
	if out.err != nil {
		return nil, out, out.err
	}
	seq := make([]engine.Token, 0, len(promptToks)+len(out.generated))
	seq = append(seq, promptToks...)
	seq = append(seq, out.generated...)
	resp := &GenerationResponse{
		Text:                  out.text,
		TokensGenerated:       len(out.generated),
		PromptTokens:          len(promptToks),
		GenerationTime:        time.Since(started),
		FinishReason:          out.finish,
		CompleteTokenSequence: seq,
	}
	g.log.Debug().
		Int("prompt_tokens", resp.PromptTokens).
		Int("generated", resp.TokensGenerated).
		Dur("elapsed", resp.GenerationTime).
		Str("finish", resp.FinishReason.Reason).
		Msg("generation finished")
	return resp, out, nil
}
