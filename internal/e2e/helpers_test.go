package e2e

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"inferd/internal/config"
	"inferd/internal/engine/enginetest"
	"inferd/internal/generator"
	"inferd/internal/httpapi"
	"inferd/internal/manager"
	"inferd/internal/service"
	"inferd/pkg/types"
)

type stack struct {
	srv   *httptest.Server
	svc   *service.Service
	model *enginetest.Model
	kvDir string
}

// newStack serves the full HTTP stack over the fake engine with state kept
// under dir. Every new context samples script first, then EOS.
func newStack(t *testing.T, dir, script string) *stack {
	t.Helper()
	src := filepath.Join(dir, "tiny.Q4_K_M.gguf")
	if _, err := os.Stat(src); err != nil {
		if err := os.WriteFile(src, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
	fm := enginetest.NewModel()
	if script != "" {
		fm.Script = append(enginetest.Tokens(script, false), enginetest.EOS)
	}
	kv := filepath.Join(dir, "kv")
	m, err := manager.NewWithConfig(manager.Config{
		Model:   config.ModelConfig{Source: src, BatchSize: 16, NSeqMax: 2},
		KVCache: config.KVCacheConfig{StorageDir: kv, MaxCacheFiles: 8},
		Backend: enginetest.NewBackend(fm),
	})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if _, err := m.RestoreKVIndex(""); err != nil {
		t.Fatalf("RestoreKVIndex: %v", err)
	}
	if err := m.LoadModel(context.Background()); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	svc, err := service.New(service.Config{Manager: m, Generator: generator.New(m, generator.Config{})})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	st := &stack{srv: srv, svc: svc, model: fm, kvDir: kv}
	t.Cleanup(st.close)
	return st
}

func (s *stack) close() {
	s.srv.Close()
	_ = s.svc.Close()
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func generate(t *testing.T, base string, req types.GenerateRequest) types.GenerateResponse {
	t.Helper()
	resp, body := postJSON(t, base+"/generate", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status %d: %s", resp.StatusCode, body)
	}
	var out types.GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	return out
}

func status(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, body := do(t, http.MethodGet, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func ndjson(t *testing.T, body []byte) []types.StreamChunk {
	t.Helper()
	var chunks []types.StreamChunk
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var c types.StreamChunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}
