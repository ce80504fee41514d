package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/manager"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *service.Service satisfies it.
type Service interface {
	Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error)
	Stream(ctx context.Context, req types.GenerateRequest, emit func(types.StreamChunk) error) error
	DeleteSession(ctx context.Context, id string) (types.DeleteSessionResponse, error)
	Status() types.StatusResponse
	Ready() bool
}

func requestID(r *http.Request) string { return middleware.GetReqID(r.Context()) }

// NewMux builds the router: POST /generate, DELETE /sessions/{id},
// GET /status, /healthz, /readyz and /metrics.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/generate", generateHandler(svc))

	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		resp, err := svc.DeleteSession(r.Context(), id)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		if !resp.Closed && !resp.CacheDeleted {
			writeJSONError(w, http.StatusNotFound, "session not found: "+id)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func generateHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			// Oversized bodies land here too; 400 avoids leaking the limit.
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if generateTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, generateTimeout)
			defer tcancel()
		}

		lvl := requestLogLevel(r)
		log := requestLogger(r)
		start := time.Now()
		if lvl >= LevelInfo {
			log.Info().Str("session", req.SessionID).Bool("stream", req.Stream).Msg("generate start")
		}
		var status int
		if req.Stream {
			status = streamResponse(ctx, w, r, svc, req, lvl)
		} else {
			status = batchResponse(ctx, w, r, svc, req)
		}
		switch {
		case status >= 500 && lvl >= LevelError:
			log.Error().Int("status", status).Dur("dur", time.Since(start)).Msg("generate end")
		case lvl >= LevelInfo:
			log.Info().Int("status", status).Dur("dur", time.Since(start)).Msg("generate end")
		}
	}
}

// clientGone reports whether the request ended because the caller left or
// the server is shutting down, in which case nothing more can be written.
func clientGone(r *http.Request) bool {
	return r.Context().Err() != nil || serverBaseCtx.Err() != nil
}

func failed(w http.ResponseWriter, r *http.Request, err error) int {
	if clientGone(r) {
		return 499
	}
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		reason := "unspecified"
		if manager.IsTooBusy(err) {
			reason = "sequences"
		}
		IncrementBackpressure(reason)
	}
	writeJSONError(w, status, err.Error())
	return status
}

func batchResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, svc Service, req types.GenerateRequest) int {
	resp, err := svc.Generate(ctx, req)
	if err != nil {
		return failed(w, r, err)
	}
	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK
}

// streamResponse writes one NDJSON line per chunk. Headers are sent with
// the first chunk so errors before it still get a proper status.
func streamResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, svc Service, req types.GenerateRequest, lvl LogLevel) int {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	log := requestLogger(r)
	err := svc.Stream(ctx, req, func(c types.StreamChunk) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		if lvl >= LevelDebug {
			log.Debug().Str("text", c.Text).Int("tokens", c.TokenCount).Bool("done", c.Done).Msg("generate>")
		}
		return nil
	})
	if err == nil {
		return http.StatusOK
	}
	if !started {
		return failed(w, r, err)
	}
	if !clientGone(r) {
		_ = enc.Encode(types.StreamChunk{SessionID: req.SessionID, Done: true, Error: err.Error()})
		if flusher != nil {
			flusher.Flush()
		}
	}
	return http.StatusOK
}
