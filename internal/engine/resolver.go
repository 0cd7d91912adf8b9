package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// minModelBytes guards against pointing the loader at a truncated download.
// Even the smallest usable quantized models are well past this.
const minModelBytes = 1 << 20

// ResolveModel validates that path names a plausible GGUF model file and
// returns its absolute form. A missing or undersized file yields
// ErrModelUnavailable so callers can degrade to fallback replies.
func ResolveModel(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: no model path configured", ErrModelUnavailable)
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: resolving home directory: %v", ErrModelUnavailable, err)
		}
		path = filepath.Join(home, path[2:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrModelUnavailable, abs)
	}
	if info.Size() < minModelBytes {
		return "", fmt.Errorf("%w: %s is only %d bytes, likely a partial download",
			ErrModelUnavailable, abs, info.Size())
	}
	return abs, nil
}
