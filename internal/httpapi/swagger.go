//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// SwaggerInfo describes the API for swag; the template mirrors the
// annotations in cmd/inferd.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "inferd API",
	Description:      "Local LLM inference with per-session KV cache reuse.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the UI under /swagger/ and the spec at
// /swagger/doc.json.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "paths": {
        "/generate": {
            "post": {
                "summary": "Generate text for a session",
                "description": "Returns JSON, or NDJSON chunks when stream is true. The last chunk has done set.",
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerateResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "All sequence slots busy", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Model not loaded", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}": {
            "delete": {
                "summary": "Close a session and delete its cache",
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DeleteSessionResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "summary": "Model and session status",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
        "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "loading"}}}}
    },
    "definitions": {
        "types.GenerateRequest": {
            "type": "object",
            "required": ["prompt"],
            "properties": {
                "session_id": {"type": "string", "example": "chat-42"},
                "prompt": {"type": "string", "example": "Write a haiku about the ocean."},
                "stream": {"type": "boolean"},
                "max_tokens": {"type": "integer", "example": 128},
                "temperature": {"type": "number", "example": 0.7},
                "top_p": {"type": "number", "example": 0.9},
                "stop": {"type": "array", "items": {"type": "string"}},
                "seed": {"type": "integer", "example": 42},
                "greedy": {"type": "boolean"}
            }
        },
        "types.GenerateResponse": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "text": {"type": "string"},
                "tokens_generated": {"type": "integer"},
                "prompt_tokens": {"type": "integer"},
                "generation_ms": {"type": "integer"},
                "finish_reason": {"type": "string"}
            }
        },
        "types.DeleteSessionResponse": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "closed": {"type": "boolean"},
                "cache_deleted": {"type": "boolean"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "state": {"type": "string"},
                "last_error": {"type": "string"},
                "active_sessions": {"type": "integer"},
                "max_sessions": {"type": "integer"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "code": {"type": "integer"}
            }
        }
    }
}`
