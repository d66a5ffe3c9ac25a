package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tasuke/internal/api"
	"github.com/kalambet/tasuke/internal/config"
	"github.com/kalambet/tasuke/internal/ingest"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tasuke server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tasuke server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasuke system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tasuke.pid")
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
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tasuke is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tasuke is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newAppRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.sched.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted runs: %w", err)
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("API token not set, HTTP API is unauthenticated")
	}

	loops, err := rt.sourceLoops()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Ingest.Workers; i++ {
		worker := ingest.NewWorker(rt.store, rt.runner, 500*time.Millisecond)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}
	for _, loop := range loops {
		g.Go(func() error {
			return loop(gctx)
		})
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(rt.apiDeps()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "tasuke listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("tasuke is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tasuke (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tasuke (PID %d)", pid)
	return nil
}

var runStatuses = []string{"planning", "active", "paused", "success", "failed"}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	ctx := context.Background()
	err = client.health(ctx)
	var se *serverError
	running := err == nil
	switch {
	case running:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	case errors.As(err, &se):
		printStatus("Server", "error (HTTP %d)", se.Status)
	default:
		printStatus("Server", "stopped")
	}

	printStatus("Policy", "%s", cfg.Ingest.Policy)
	printStatus("Debounce", "quiet %s, max %d drafts, max wait %s", cfg.Debounce.QuietPeriod, cfg.Debounce.MaxBatch, cfg.Debounce.MaxWait)
	printStatus("Slack", "%s", enabledLabel(cfg.Slack.Enabled))
	printStatus("Kafka", "%s", enabledLabel(cfg.Kafka.Enabled()))
	if cfg.DropDir.Path != "" {
		printStatus("Drop dir", "%s", cfg.DropDir.Path)
	}

	if running {
		for _, status := range runStatuses {
			runs, err := client.listRuns(ctx, status, 100)
			if err != nil {
				continue
			}
			printStatus("Runs "+colorStatus(status), "%s", countLabel(len(runs), 100))
		}
	}

	if cfg.Storage.DSN != "" {
		printStatus("Storage", "postgres")
	} else {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	return nil
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
