package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/airlock/internal/api"
	"github.com/kalambet/airlock/internal/audit"
	"github.com/kalambet/airlock/internal/config"
	"github.com/kalambet/airlock/internal/realtime"
	"github.com/kalambet/airlock/internal/storage"
	"github.com/kalambet/airlock/internal/workflow"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the airlock server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running airlock server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show airlock server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client := &apiClient{
			baseURL:    "http://" + clientAddr(cfg),
			httpClient: &http.Client{Timeout: 2 * time.Second},
		}
		return showStatus(cmd.Context(), client, cfg)
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "airlock.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg config.Config) (*storage.Store, error) {
	if cfg.Storage.Driver == config.DriverPostgres {
		return storage.OpenPostgres(cfg.Storage.DSN)
	}
	return storage.Open(cfg.Storage.DataDir)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "airlock version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice against the same address.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + clientAddr(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("airlock is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("airlock is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening %s storage", cfg.Storage.Driver)
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	registry := realtime.NewRegistry(realtime.Options{
		TypingTTL:  cfg.Realtime.TypingTTL,
		SendBuffer: cfg.Realtime.SendBuffer,
	})
	defer registry.Close()

	auditLog := audit.NewLogger(store, cfg.Audit.Buffer)
	svc := workflow.NewService(store, registry, auditLog)

	deps := api.AppDeps{Service: svc, Registry: registry}
	if cfg.MCP.Enabled {
		deps.MCP = server.NewStreamableHTTPServer(api.NewMCPServer(api.MCPDeps{Service: svc}))
		slog.Info("MCP server enabled (streamable HTTP transport)", "path", "/mcp")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewAppHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("airlock listening", "addr", cfg.Addr(), "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		registry.RunSweeper(gctx, cfg.Realtime.SweepInterval)
		return nil
	})
	g.Go(func() error {
		auditLog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
		printError("airlock is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop airlock (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to airlock (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status            string `json:"status"`
	Storage           string `json:"storage"`
	ActiveConnections int    `json:"active_connections"`
}

func showStatus(ctx context.Context, client *apiClient, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Storage", "%s", storageLabel(cfg))
		return nil
	}
	defer resp.Body.Close()

	var h healthReport
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	switch resp.StatusCode {
	case http.StatusOK:
		printStatus("Server", "running on %s", cfg.Addr())
	default:
		printStatus("Server", "%s (HTTP %d)", h.Status, resp.StatusCode)
	}
	printStatus("Storage", "%s (%s)", storageLabel(cfg), h.Storage)
	printStatus("Connections", "%d", h.ActiveConnections)
	printStatus("MCP", "%t", cfg.MCP.Enabled)
	return nil
}

func storageLabel(cfg config.Config) string {
	if cfg.Storage.Driver == config.DriverPostgres {
		return "postgres"
	}
	return "sqlite at " + cfg.Storage.DataDir
}
