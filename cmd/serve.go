package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/dm/internal/api"
	"github.com/joescharf/dm/internal/daemon"
	"github.com/joescharf/dm/internal/workflow"
)

const (
	shutdownTimeout = 10 * time.Second
	stopTimeout     = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and webhook server",
	Long: `Start an HTTP server exposing the control API, the push webhook
(POST /webhook) and the conversational deploy workflow.
By default it listens on port 8080. Use --port to change it.

Use 'dm serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
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
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

// pidFile returns the PID file of the background server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "dm-serve.pid"))
}

// serveLogPath is where the background server's output goes.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "dm-serve.log")
}

// newAPIServer wires the orchestrator, history, action log and chat workflow
// into the HTTP API.
func newAPIServer() (*api.Server, error) {
	o, err := getOrchestrator()
	if err != nil {
		return nil, err
	}
	hist, err := getHistory()
	if err != nil {
		return nil, err
	}
	log, err := getActionLog()
	if err != nil {
		return nil, err
	}
	m := workflow.New(o, workflow.Options{
		Operators: viper.GetStringSlice("chat.operators"),
		Logger:    logger,
	})
	return api.NewServer(api.Options{
		Orchestrator:  o,
		Log:           log,
		History:       hist,
		Workflow:      m,
		WebhookSecret: viper.GetString("webhook.secret"),
		Logger:        logger,
	}), nil
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	srv, err := newAPIServer()
	if err != nil {
		return err
	}

	port := viper.GetInt("port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	ui.Success("Serving dm API at http://localhost:%d", port)
	logger.Info("server started", "port", port, "pid", os.Getpid())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("dm serve already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(serveLogPath()), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("Started dm serve (pid %d) on port %d", pid, viper.GetInt("port"))
	ui.Info("Log: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		if pid > 0 {
			_ = pf.Remove()
			return fmt.Errorf("dm serve not running (removed stale PID file for pid %d)", pid)
		}
		return errors.New("dm serve not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop dm serve (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("Stopped dm serve (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("dm serve (pid %d) did not exit in %s; killing", pid, stopTimeout)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	_ = pf.Remove()
	ui.Success("Killed dm serve (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("dm serve is not running")
		return nil
	}
	ui.Success("dm serve is running (pid %d)", pid)
	ui.Info("Log: %s", serveLogPath())
	return nil
}
