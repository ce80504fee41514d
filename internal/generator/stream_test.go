package generator

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateStream_ChunksThenSingleCompletion(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.n.SetScript(script("abc", true)...)
	out := NewChunkStream()
	res, err := e.g.GenerateStream(context.Background(), e.c, "p", GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	chunks := drain(out)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	var text strings.Builder
	for i, c := range chunks[:3] {
		if c.IsComplete || c.TokenCount != i+1 {
			t.Fatalf("chunk %d: %+v", i, c)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "abc" {
		t.Fatalf("streamed text %q", text.String())
	}
	last := chunks[3]
	if !last.IsComplete || last.FinishReason == nil || last.FinishReason.Reason != ReasonEOG || last.TokenCount != 3 {
		t.Fatalf("completion chunk %+v", last)
	}
	if res.TokensGenerated != 3 || res.FinishReason.Reason != ReasonEOG {
		t.Fatalf("result %+v", res)
	}
}

func TestGenerateStream_ConcurrentReader(t *testing.T) {
	e := newEnv(t, 64, streamCfg(20))
	e.c.n.Fill = tok('z')
	out := NewChunkStream()
	got := make(chan []StreamChunk, 1)
	go func() { got <- drain(out) }()

	if _, err := e.g.GenerateStream(context.Background(), e.c, "p", GenerationRequest{}, out); err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	chunks := <-got
	complete := 0
	for i, c := range chunks {
		if c.IsComplete {
			complete++
			if i != len(chunks)-1 {
				t.Fatalf("completion chunk at %d of %d", i, len(chunks))
			}
		}
	}
	if complete != 1 || len(chunks) != 21 {
		t.Fatalf("complete=%d chunks=%d", complete, len(chunks))
	}
	if r := chunks[20].FinishReason; r == nil || r.Reason != ReasonMaxTokens {
		t.Fatalf("finish %+v", r)
	}
}

func TestGenerateStream_ReceiverClosedBeforeStart(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.n.Fill = tok('a')
	out := NewChunkStream()
	out.Close()
	res, err := e.g.GenerateStream(context.Background(), e.c, "p", GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if res.FinishReason.Reason != ReasonDisconnected || res.TokensGenerated != 1 {
		t.Fatalf("result %+v", res)
	}
	drain(out)
}

func TestGenerateStream_ReceiverLeavesMidGeneration(t *testing.T) {
	e := newEnv(t, 64, streamCfg(1000))
	e.c.n.Fill = tok('a')
	out := NewChunkStream()
	e.c.n.OnDecode = func(n int) {
		if n == 3 {
			out.Close()
		}
	}
	res, err := e.g.GenerateStream(context.Background(), e.c, "p", GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if res.FinishReason.Reason != ReasonDisconnected || res.TokensGenerated != 3 {
		t.Fatalf("result %+v", res)
	}
	for _, c := range drain(out) {
		if c.IsComplete {
			t.Fatalf("completion chunk sent to a closed receiver")
		}
	}
}

func TestGenerateStream_CompletionSendFails(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.n.SetScript(script("a", true)...)
	out := NewChunkStream()
	// Close after the only generated token is decoded; EOS then ends the
	// loop without emitting, so the completion send is the first to fail.
	e.c.n.OnDecode = func(n int) {
		if n == 2 {
			out.Close()
		}
	}
	_, err := e.g.GenerateStream(context.Background(), e.c, "p", GenerationRequest{}, out)
	if !IsStreamClosed(err) {
		t.Fatalf("want stream closed, got %v", err)
	}
	drain(out)
}

func TestGenerateStream_Cancelled(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.n.Fill = tok('a')
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.c.n.OnDecode = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	out := NewChunkStream()
	res, err := e.g.GenerateStream(ctx, e.c, "p", GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	chunks := drain(out)
	if res.TokensGenerated != 0 || len(chunks) != 1 || !chunks[0].FinishReason.Cancelled() {
		t.Fatalf("result %+v chunks %+v", res, chunks)
	}
}

func TestGenerateStream_PromptErrorFinishesStream(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.size = 2
	out := NewChunkStream()
	if _, err := e.g.GenerateStream(context.Background(), e.c, "too long", GenerationRequest{}, out); !IsBatch(err) {
		t.Fatalf("want batch error, got %v", err)
	}
	if chunks := drain(out); len(chunks) != 0 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestGenerateStreamWithContext_AdvancesState(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	e.c.n.SetScript(script("yo", true)...)
	var st ContextState
	out := NewChunkStream()
	res, err := e.g.GenerateStreamWithContext(context.Background(), e.c, &st, "hey", GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStreamWithContext: %v", err)
	}
	drain(out)
	if st.CurrentPosition != res.PromptTokens+2 || st.PromptText != "hey" {
		t.Fatalf("state %+v", st)
	}
}

func TestGenerateStreamWithTemplate(t *testing.T) {
	e := newEnv(t, 64, streamCfg(32))
	n, err := e.g.PreloadTemplate(context.Background(), e.c, "T:")
	if err != nil {
		t.Fatalf("PreloadTemplate: %v", err)
	}
	e.c.n.SetScript(script("k", true)...)
	out := NewChunkStream()
	res, err := e.g.GenerateStreamWithTemplate(context.Background(), e.c, "T:q", n, GenerationRequest{}, out)
	if err != nil {
		t.Fatalf("GenerateStreamWithTemplate: %v", err)
	}
	drain(out)
	if res.PromptTokens != 4 || res.TokensGenerated != 1 {
		t.Fatalf("result %+v", res)
	}
}
