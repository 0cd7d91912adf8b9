// Package engine runs a local llama.cpp server as a child process and exposes
// text completion over its HTTP API. The process is the unit of model
// residency: closing an Instance kills the child and returns its memory to
// the OS.
package engine

import "context"

// GenerationParams controls a single completion call.
type GenerationParams struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
	Stop        []string
}

// DefaultParams returns conservative sampling settings for reply drafting.
func DefaultParams() GenerationParams {
	return GenerationParams{
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
	}
}

// Instance is a loaded, ready-to-serve model.
type Instance interface {
	// Infer runs one completion and returns the generated text.
	Infer(ctx context.Context, prompt string, params GenerationParams) (string, error)
	// Pid returns the OS process id of the serving child, or 0 when the
	// instance is not backed by a separate process.
	Pid() int
	// Close releases the model. Safe to call more than once.
	Close() error
}

// Loader produces Instances. Load is expected to be slow (seconds) and must
// honor ctx cancellation.
type Loader interface {
	Load(ctx context.Context) (Instance, error)
}
