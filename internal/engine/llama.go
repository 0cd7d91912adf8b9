package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ServerConfig describes how to launch the llama-server child process.
// Defaults are tuned for background operation on a shared workstation: one
// worker thread, a bounded context window, no GPU offload.
type ServerConfig struct {
	BinaryPath  string
	ModelPath   string
	CtxSize     int
	Threads     int
	LoadTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.BinaryPath == "" {
		c.BinaryPath = "llama-server"
	}
	if c.CtxSize <= 0 {
		c.CtxSize = 2048
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Minute
	}
}

// ServerLoader launches llama-server and waits for it to become healthy.
type ServerLoader struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServerLoader returns a Loader backed by the llama-server binary.
func NewServerLoader(cfg ServerConfig, logger *slog.Logger) *ServerLoader {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerLoader{cfg: cfg, logger: logger}
}

// Load starts the child process and polls its health endpoint until the
// model is resident. The returned Instance owns the process; the caller's
// ctx only bounds startup, not the instance lifetime.
func (l *ServerLoader) Load(ctx context.Context) (Instance, error) {
	model, err := ResolveModel(l.cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}

	cmd := exec.Command(l.cfg.BinaryPath,
		"--model", model,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(l.cfg.CtxSize),
		"--threads", strconv.Itoa(l.cfg.Threads),
		"--n-gpu-layers", "0",
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrModelLoadFailed, l.cfg.BinaryPath, err)
	}
	l.logger.Info("model server starting", "pid", cmd.Process.Pid, "port", port, "model", model)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	inst := &serverInstance{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{},
		cmd:        cmd,
		exited:     exited,
		logger:     l.logger,
	}

	if err := inst.awaitReady(ctx, l.cfg.LoadTimeout); err != nil {
		inst.Close()
		return nil, err
	}
	l.logger.Info("model server ready", "pid", cmd.Process.Pid)
	return inst, nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// serverInstance is a running llama-server child plus its HTTP client.
type serverInstance struct {
	baseURL    string
	httpClient *http.Client
	cmd        *exec.Cmd
	exited     chan error
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *serverInstance) awaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrModelLoadFailed, ctx.Err())
		case err := <-s.exited:
			s.exited <- err
			return fmt.Errorf("%w: server exited during startup: %v", ErrModelLoadFailed, err)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: not healthy after %s", ErrModelLoadFailed, timeout)
			}
		}
	}
}

func (s *serverInstance) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// completionRequest is the JSON body for POST /completion.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
}

// completionResponse is the JSON returned by POST /completion.
type completionResponse struct {
	Content string `json:"content"`
}

// errorResponse is the error envelope llama-server uses on 4xx/5xx.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Infer runs one completion. Prompts that overflow the context window come
// back as ErrContextWindow so the caller can retry with a shorter prompt.
func (s *serverInstance) Infer(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		Stop:        params.Stop,
		CachePrompt: true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrInferenceFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope errorResponse
		_ = json.Unmarshal(raw, &envelope)
		msg := envelope.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "context") {
			return "", fmt.Errorf("%w: %s", ErrContextWindow, msg)
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrInferenceFailed, resp.StatusCode, msg)
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrInferenceFailed, err)
	}
	return result.Content, nil
}

// Pid returns the child process id, or 0 after Close.
func (s *serverInstance) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Close kills the child process and waits for it to be reaped, so the model's
// memory is actually returned to the OS before Close returns.
func (s *serverInstance) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Warn("killing model server", "pid", s.cmd.Process.Pid, "error", err)
		}
		select {
		case <-s.exited:
		case <-time.After(10 * time.Second):
			s.closeErr = fmt.Errorf("model server pid %d did not exit", s.cmd.Process.Pid)
		}
	})
	return s.closeErr
}
