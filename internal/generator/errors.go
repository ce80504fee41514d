package generator

import (
	"context"
	"errors"
	"fmt"

	"inferd/internal/engine"
)

// Kind classifies generation errors.
type Kind int

const (
	KindTokenization Kind = iota + 1
	KindBatch
	KindDecoding
	KindContextLock
	KindCancelled
	KindStreamClosed
)

func (k Kind) String() string {
	switch k {
	case KindTokenization:
		return "tokenization"
	case KindBatch:
		return "batch"
	case KindDecoding:
		return "decoding"
	case KindContextLock:
		return "context lock"
	case KindCancelled:
		return "cancelled"
	case KindStreamClosed:
		return "stream closed"
	default:
		return "unknown"
	}
}

// Error is returned by generator operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTokenization(err error) bool { return kindOf(err) == KindTokenization }
func IsBatch(err error) bool        { return kindOf(err) == KindBatch }
func IsDecoding(err error) bool     { return kindOf(err) == KindDecoding }
func IsContextLock(err error) bool  { return kindOf(err) == KindContextLock }
func IsCancelled(err error) bool    { return kindOf(err) == KindCancelled }
func IsStreamClosed(err error) bool { return kindOf(err) == KindStreamClosed }

// classify maps an error from a Context call onto the taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrContextClosed):
		return &Error{Kind: KindContextLock, Op: op, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCancelled, Op: op, Err: err}
	case errors.Is(err, engine.ErrBatchFull):
		return &Error{Kind: KindBatch, Op: op, Err: err}
	default:
		return &Error{Kind: KindDecoding, Op: op, Err: err}
	}
}
