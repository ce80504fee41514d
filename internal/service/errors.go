package service

import "errors"

// ErrNotReady is returned while no model is loaded.
var ErrNotReady = errors.New("model not loaded")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("service closed")

type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err was caused by a malformed request.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}
