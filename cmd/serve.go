package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/api"
	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/daemon"
	"github.com/joescharf/reposync/internal/telemetry"
	"github.com/joescharf/reposync/internal/worker"
)

const (
	shutdownTimeout = 15 * time.Second
	stopTimeout     = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API and webhook server in the foreground",
	Long: `Run the HTTP server that exposes the sync API and receives GitHub push
webhooks. Webhook work (pulls and builds) runs on a background worker pool.

Use 'reposync serve start' to run it detached.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from server.listen_addr)")
	_ = viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "reposync-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "reposync-serve.log")
}

// workerConfig reads the pool settings, keeping the pool defaults for the
// values that have no config key.
func workerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Workers = viper.GetInt("worker.count")
	cfg.QueueSize = viper.GetInt("worker.queue_size")
	if n := viper.GetInt("worker.max_retry"); n >= 0 {
		cfg.MaxRetries = uint64(n)
	}
	return cfg
}

// serverLogger logs at Info so webhook deliveries and tasks are visible.
func serverLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: level}))
}

func serveRun() error {
	pf := pidFile()
	if err := pf.Claim(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	logger := serverLogger()

	err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      viper.GetBool("telemetry.enabled"),
		Stdout:       viper.GetBool("telemetry.stdout"),
		OTLPEndpoint: viper.GetString("telemetry.otlp_endpoint"),
	}, "reposync", buildVersion)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	s, err := getStore()
	if err != nil {
		return err
	}

	// Queued tasks keep running through shutdown until the pool drains.
	pool := worker.New(context.Background(), workerConfig(), logger)
	orch := newOrchestrator(s, pool, logger)

	srv := api.NewServer(api.Options{
		Store:   s,
		Sync:    orch,
		Builds:  build.NewRecorder(s, logger),
		BaseURL: viper.GetString("server.public_url"),
		Logger:  logger,
	})

	addr := viper.GetString("server.listen_addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "public_url", viper.GetString("server.public_url"))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = pool.Close()
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := pool.Close(); err != nil {
		logger.Error("worker pool", "error", err)
	}
	st := pool.Stats()
	logger.Info("stopped", "succeeded", st.Succeeded, "failed", st.Failed, "retries", st.Retries)
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detachProcess(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ui.Success("Server started (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return child.Process.Release()
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(stopSignal()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit within %s, killing", stopTimeout)
	if err := pf.Signal(killSignal()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = os.Remove(pf.Path)
	ui.Success("Server killed (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server not running")
		return nil
	}
	ui.Success("Server running (pid %d)", pid)
	fmt.Fprintf(ui.Out, "  Listen:     %s\n", viper.GetString("server.listen_addr"))
	fmt.Fprintf(ui.Out, "  Public URL: %s\n", viper.GetString("server.public_url"))
	fmt.Fprintf(ui.Out, "  Log:        %s\n", serveLogPath())
	return nil
}
