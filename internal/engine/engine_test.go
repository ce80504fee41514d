package engine

import (
	"errors"
	"testing"
)

type nopBackend struct{}

func (nopBackend) LoadModel(string, ModelParams) (Model, error) { return nil, errors.New("unused") }
func (nopBackend) Close()                                       {}

func resetBackend(t *testing.T, open func() (Backend, error)) {
	t.Helper()
	backendMu.Lock()
	prevInit, prevOpen := backendInit, openNative
	backendInit = false
	openNative = open
	backendMu.Unlock()
	t.Cleanup(func() {
		backendMu.Lock()
		backendInit, openNative = prevInit, prevOpen
		backendMu.Unlock()
	})
}

func TestInitBackend_SecondCallFails(t *testing.T) {
	resetBackend(t, func() (Backend, error) { return nopBackend{}, nil })
	if _, err := InitBackend(); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := InitBackend(); !errors.Is(err, ErrBackendAlreadyInitialized) {
		t.Fatalf("second init: want ErrBackendAlreadyInitialized, got %v", err)
	}
}

func TestInitBackend_FailureDoesNotConsumeSlot(t *testing.T) {
	calls := 0
	resetBackend(t, func() (Backend, error) {
		calls++
		if calls == 1 {
			return nil, ErrDependencyUnavailable("no runtime")
		}
		return nopBackend{}, nil
	})
	_, err := InitBackend()
	if !IsDependencyUnavailable(err) {
		t.Fatalf("want dependency unavailable, got %v", err)
	}
	if _, err := InitBackend(); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestBatch_AddRespectsCapacity(t *testing.T) {
	b := NewBatch(2)
	if err := b.Add(10, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(11, 1, true); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(12, 2, false); !errors.Is(err, ErrBatchFull) {
		t.Fatalf("want ErrBatchFull, got %v", err)
	}
	if b.Len() != 2 || b.Positions[1] != 1 || !b.Logits[1] {
		t.Fatalf("unexpected batch contents: %+v", b)
	}
	b.Clear()
	if b.Len() != 0 || b.Capacity() != 2 {
		t.Fatalf("clear: len=%d cap=%d", b.Len(), b.Capacity())
	}
}

func TestSamplerChain_String(t *testing.T) {
	c := SamplerChain{Stages: []SamplerStage{{Kind: StageTemperature}, {Kind: StageTopP}, {Kind: StageDist}}}
	if got := c.String(); got != "temp -> top_p -> dist" {
		t.Fatalf("String() = %q", got)
	}
}
