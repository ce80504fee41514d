package main

// General API documentation for swaggo. The served spec lives in
// internal/httpapi/swagger.go (build with -tags=swagger).
//
// @title           inferd API
// @version         1.0
// @description     Local LLM inference with per-session KV cache reuse.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
