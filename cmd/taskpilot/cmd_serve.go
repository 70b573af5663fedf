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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/user/taskpilot/internal/delivery"
	"github.com/user/taskpilot/internal/scheduler"
	"github.com/user/taskpilot/internal/telegram"
	"github.com/user/taskpilot/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the taskpilot daemon",
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "taskpilot.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Write PID file
	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.gateway.Start(ctx)

	slog.Info("taskpilot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_iterations", cfg.MaxToolIterations,
		"tool_call_policy", cfg.ToolCallPolicy,
		"memory_backend", cfg.Memory.Backend,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tasks", a.gateway.Tasks(),
		"pid_file", pidFile,
	)

	// Delivery registry
	deliveryReg := delivery.NewRegistry()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.gateway, a.memory)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")

		// Register telegram delivery for scheduled answers
		deliveryReg.Register("telegram:", adapter.Deliver)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New(a.schedules, a.gateway, deliveryReg)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// HTTP server
	if cfg.HTTP.Enabled {
		srv := webhook.NewServer(a.gateway, a.memory, a.schedules, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			httpServer.Shutdown(sctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGUSR1:
			if err := sched.Reload(); err != nil {
				slog.Error("reload schedules failed", "error", err)
				continue
			}
			slog.Info("schedules reloaded")
			continue
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
			}
			continue
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
