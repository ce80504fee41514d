package generator

import (
	"context"
	"sync"

	"inferd/internal/engine"
)

// ChunkStream is an unbounded queue of StreamChunks drained by a pump
// goroutine into C. The producer never blocks on a slow reader. A reader
// that stops early calls Close so the producer can stop generating.
type ChunkStream struct {
	mu       sync.Mutex
	queue    []StreamChunk
	finished bool

	notify chan struct{}
	out    chan StreamChunk
	done   chan struct{}
	once   sync.Once
}

// NewChunkStream starts the pump goroutine. It exits once the producer has
// finished and every queued chunk was received, or when Close is called.
func NewChunkStream() *ChunkStream {
	s := &ChunkStream{
		notify: make(chan struct{}, 1),
		out:    make(chan StreamChunk),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// C yields chunks in order and is closed after the last one.
func (s *ChunkStream) C() <-chan StreamChunk { return s.out }

// Close marks the receiver as gone. Safe to call more than once.
func (s *ChunkStream) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *ChunkStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ChunkStream) send(c StreamChunk) error {
	if s.closed() {
		return errReceiverGone
	}
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.signal()
	return nil
}

// finish tells the pump no more chunks will be sent.
func (s *ChunkStream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *ChunkStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *ChunkStream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = StreamChunk{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
			continue
		}
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// StreamResult carries the token bookkeeping that batch callers get from
// GenerationResponse.
type StreamResult struct {
	TokensGenerated       int
	PromptTokens          int
	FinishReason          FinishReason
	CompleteTokenSequence []engine.Token
}

// GenerateStream decodes prompt from scratch and streams the generation to
// out. It returns when generation ends; out is finished on return. A reader
// that closed out early ends generation without error.
func (g *TextGenerator) GenerateStream(ctx context.Context, c Context, prompt string, req GenerationRequest, out *ChunkStream) (*StreamResult, error) {
	defer out.finish()
	toks, err := g.processPrompt(ctx, c, prompt)
	if err != nil {
		return nil, err
	}
	res, _, err := g.stream(ctx, c, toks, req, out)
	return res, err
}

// GenerateStreamWithContext is the streaming form of GenerateTextWithContext.
func (g *TextGenerator) GenerateStreamWithContext(ctx context.Context, c Context, state *ContextState, prompt string, req GenerationRequest, out *ChunkStream) (*StreamResult, error) {
	defer out.finish()
	toks, err := g.processIncremental(ctx, c, prompt, state)
	if err != nil {
		return nil, err
	}
	res, o, err := g.stream(ctx, c, toks, req, out)
	if state != nil {
		state.CurrentPosition = o.pos
	}
	return res, err
}

// GenerateStreamWithTemplate is the streaming form of GenerateTextWithTemplate.
func (g *TextGenerator) GenerateStreamWithTemplate(ctx context.Context, c Context, prompt string, templateTokens int, req GenerationRequest, out *ChunkStream) (*StreamResult, error) {
	defer out.finish()
	toks, err := g.processWithTemplate(ctx, c, prompt, templateTokens)
	if err != nil {
		return nil, err
	}
	res, _, err := g.stream(ctx, c, toks, req, out)
	return res, err
}

func (g *TextGenerator) stream(ctx context.Context, c Context, toks []engine.Token, req GenerationRequest, out *ChunkStream) (*StreamResult, outcome, error) {
	p := g.resolve(g.cfg.Stream, req)
	o := g.run(ctx, c, p, len(toks), "stream", func(piece string, count int) error {
		return out.send(StreamChunk{Text: piece, TokenCount: count})
	})
	if o.err != nil {
		return nil, o, o.err
	}
	seq := make([]engine.Token, 0, len(toks)+len(o.generated))
	seq = append(seq, toks...)
	seq = append(seq, o.generated...)
	res := &StreamResult{
		TokensGenerated:       len(o.generated),
		PromptTokens:          len(toks),
		FinishReason:          o.finish,
		CompleteTokenSequence: seq,
	}
	if o.receiverGone {
		g.log.Debug().Int("generated", len(o.generated)).Msg("stream receiver gone, stopping")
		return res, o, nil
	}
	fr := o.finish
	if err := out.send(StreamChunk{IsComplete: true, TokenCount: len(o.generated), FinishReason: &fr}); err != nil {
		return res, o, &Error{Kind: KindStreamClosed, Op: "send completion", Err: err}
	}
	return res, o, nil
}
