package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrTaskNotFound  = errors.New("task not found")
	ErrUnknownSource = errors.New("unknown source")
	ErrInvalidStage  = errors.New("invalid stage")
	ErrNoCycle       = errors.New("no cycle has run yet")
)
