package connectors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a per-source failure.
type ErrorKind string

const (
	KindNotConfigured ErrorKind = "adapter_not_configured"
	KindTimeout       ErrorKind = "adapter_timeout"
	KindNonZeroExit   ErrorKind = "adapter_nonzero_exit"
	KindBadOutput     ErrorKind = "adapter_bad_output"
	KindReportedError ErrorKind = "adapter_reported_error"
	KindStoreWrite    ErrorKind = "store_write_failure"
	KindCancelled     ErrorKind = "cycle_cancelled"
)

// ErrNotConfigured is returned when a source has no runnable adapter.
var ErrNotConfigured = errors.New("adapter not configured")

// AdapterError is a classified failure of one source.
type AdapterError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewError builds an AdapterError.
func NewError(kind ErrorKind, source string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Source: source, Err: err}
}

// KindOf classifies any error returned by an adapter.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return ae.Kind
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindNonZeroExit
	}
}
