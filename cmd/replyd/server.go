package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/svarx/replyd/internal/api"
	"github.com/svarx/replyd/internal/config"
	"github.com/svarx/replyd/internal/engine"
	"github.com/svarx/replyd/internal/governor"
	"github.com/svarx/replyd/internal/learning"
	"github.com/svarx/replyd/internal/lifecycle"
	"github.com/svarx/replyd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the replyd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running replyd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replyd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "replyd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "replyd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	logger := slog.Default()

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("replyd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("replyd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir, storage.Limits{
		BudgetBytes: int64(cfg.Storage.BudgetMB) << 20,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Resource governor watches our process plus the engine child.
	gov := governor.New(logger)

	// Model slot: loads llama-server on demand, evicts after idle.
	loader := engine.NewServerLoader(engine.ServerConfig{
		BinaryPath: cfg.Model.Binary,
		ModelPath:  cfg.Model.Path,
		CtxSize:    cfg.Model.CtxSize,
		Threads:    cfg.Model.Threads,
	}, logger)
	mgr := lifecycle.NewManager(loader, gov, lifecycle.Config{
		MonitorInterval: time.Duration(cfg.Idle.MonitorSeconds) * time.Second,
		SoftIdle:        time.Duration(cfg.Idle.SoftSeconds) * time.Second,
		UnloadAfter:     time.Duration(cfg.Idle.UnloadSeconds) * time.Second,
	}, logger)
	defer mgr.Close()
	go lifecycle.NewMonitor(mgr).Run(ctx)

	// Background learning runs only while the model is unloaded.
	analyzer := learning.NewAnalyzer(store)
	deps := api.AppDeps{
		Store:    store,
		Model:    mgr,
		Analyzer: analyzer,
		Sampler:  gov,
		Logger:   logger,
	}
	if cfg.Learning.Enabled {
		learner := learning.NewScheduler(store, analyzer,
			func() bool { return mgr.State() == lifecycle.StateUnloaded },
			gov,
			learning.SchedulerConfig{Period: time.Duration(cfg.Learning.PeriodSeconds) * time.Second},
			logger,
		)
		go learner.Run(ctx)
		deps.Learner = learner
		slog.Info("background learning enabled", "period_seconds", cfg.Learning.PeriodSeconds)
	}

	handler := api.NewAppHandler(deps)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "replyd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("replyd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop replyd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to replyd (PID %d)", pid)
	return nil
}

type modelStatusView struct {
	State        string  `json:"state"`
	Pid          int     `json:"pid"`
	Generation   uint64  `json:"generation"`
	IdleSeconds  int64   `json:"idle_seconds"`
	UnloadInSecs int64   `json:"unload_in_secs"`
	MemoryMB     int64   `json:"memory_mb"`
	CPUPercent   float64 `json:"cpu_percent"`
}

type storageStatusView struct {
	SizeBytes     int64   `json:"size_bytes"`
	BudgetBytes   int64   `json:"budget_bytes"`
	UsagePercent  float64 `json:"usage_percent"`
	Samples       int     `json:"samples"`
	TrainingPairs int     `json:"training_pairs"`
	Feedback      int     `json:"feedback"`
	Patterns      int     `json:"patterns"`
	Health        string  `json:"health"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Model path", "%s", modelPathLabel(cfg.Model.Path))
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode == 200 {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	// Fetch model and storage views concurrently; either may be slow while
	// the model is loading.
	var model modelStatusView
	var store storageStatusView
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		req, err := http.NewRequestWithContext(gctx, "GET", serverURL+"/model", nil)
		if err != nil {
			return err
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		return decodeJSON(r, &model)
	})
	g.Go(func() error {
		req, err := http.NewRequestWithContext(gctx, "GET", serverURL+"/storage", nil)
		if err != nil {
			return err
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		return decodeJSON(r, &store)
	})
	if err := g.Wait(); err != nil {
		printWarning("could not fetch full status: %v", err)
		return nil
	}

	printStatus("Model", "%s", model.State)
	if model.Pid > 0 {
		printStatus("Engine PID", "%d", model.Pid)
	}
	if model.MemoryMB > 0 {
		printStatus("Resources", "%d MB, %.1f%% CPU", model.MemoryMB, model.CPUPercent)
	}
	if model.State == "loaded" {
		printStatus("Idle", "%ds (unload in %ds)", model.IdleSeconds, model.UnloadInSecs)
	}
	printStatus("Model path", "%s", modelPathLabel(cfg.Model.Path))
	printStatus("Storage", "%.1f%% of %d MB (%s)", store.UsagePercent, store.BudgetBytes>>20, store.Health)
	printStatus("Samples", "%d", store.Samples)
	printStatus("Training pairs", "%d", store.TrainingPairs)
	printStatus("Feedback", "%d", store.Feedback)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func modelPathLabel(path string) string {
	if path == "" {
		return "(not configured)"
	}
	return path
}
