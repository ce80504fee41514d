// Package service ties the model manager and the text generator into
// sessions: each session owns an inference context and its ContextState,
// restores its KV cache from disk on first use and saves it after every
// request.
package service
