package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// zlog is the HTTP layer's logger; Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from INFERD_HTTP_LOG.
var defaultLogLevel = parseLevel(os.Getenv("INFERD_HTTP_LOG"))

// SetDefaultLogLevel overrides the per-request default.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

// requestLogLevel lets a caller raise logging for one request with
// ?log=<level> or the X-Log-Level header.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLogger tags zlog with the chi request id.
func requestLogger(r *http.Request) zerolog.Logger {
	l := zlog.With().Str("path", r.URL.Path)
	if rid := requestID(r); rid != "" {
		l = l.Str("request_id", rid)
	}
	return l.Logger()
}
