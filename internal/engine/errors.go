package engine

import "errors"

var (
	// ErrModelUnavailable means the model file is missing or unreadable.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelLoadFailed means the serving process did not come up.
	ErrModelLoadFailed = errors.New("model load failed")
	// ErrContextWindow means the prompt did not fit the configured context.
	ErrContextWindow = errors.New("prompt exceeds context window")
	// ErrInferenceFailed wraps transport or server errors during a completion.
	ErrInferenceFailed = errors.New("inference failed")
)
