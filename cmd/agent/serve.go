package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/scheduler"
)

const (
	healthInitialDelay    = 5 * time.Second
	browserInitialDelay   = 15 * time.Second
	securityInitialDelay  = 20 * time.Second
	retentionInitialDelay = time.Minute

	drainMargin = 2 * time.Second
)

func runServe(cmd *cobra.Command, _ []string) error {
	warnings, err := cfg.Validate()
	for _, warning := range warnings {
		logger.Warn("configuration warning", "detail", warning)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("agent startup failed", "err", err)
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.settings, a.recorder, logger)
	if err := registerJobs(sched, a); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler(sched).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "addr", cfg.ListenAddr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start()
	a.recorder.Record(ctx, audit.Succeeded(audit.AgentMonitor, "system", "agent_started",
		"Autonomous monitoring agent started", map[string]any{
			"health_interval_seconds":   cfg.HealthInterval.Seconds(),
			"browser_interval_seconds":  cfg.BrowserInterval.Seconds(),
			"security_interval_seconds": cfg.SecurityInterval.Seconds(),
		}))

	var reason string
	select {
	case <-shutdownCtx.Done():
		reason = "signal"
	case err := <-serverErr:
		logger.Error("server failed", "err", err)
		reason = "server error"
	}

	return shutdown(server, sched, a, reason)
}

// drainTimeout bounds the graceful drain so it ends before the forced exit at limit.
func drainTimeout(limit time.Duration) time.Duration {
	if limit > 2*drainMargin {
		return limit - drainMargin
	}
	return limit / 2
}

// shutdown drains HTTP and scheduled work and exits the process once ShutdownTimeout elapses.
func shutdown(server *http.Server, sched *scheduler.Scheduler, a *app, reason string) error {
	logger.Info("agent shutting down", "reason", reason, "timeout", cfg.ShutdownTimeout)
	forced := time.AfterFunc(cfg.ShutdownTimeout, func() {
		logger.Error("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer forced.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout(cfg.ShutdownTimeout))
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "err", err)
		shutdownErr = err
	}
	if err := sched.Shutdown(ctx); err != nil {
		logger.Error("scheduler shutdown incomplete", "err", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	a.recorder.Record(context.Background(), audit.Outcome(shutdownErr == nil, audit.AgentMonitor, "system", "agent_stopped",
		"Autonomous monitoring agent stopped", map[string]any{"reason": reason}, shutdownErr))
	return shutdownErr
}

func registerJobs(sched *scheduler.Scheduler, a *app) error {
	keeper := &retention{
		checks:         a.store,
		screenshots:    a.screenshots,
		recorder:       a.recorder,
		logger:         logger,
		checkDays:      cfg.CheckRetentionDays,
		screenshotDays: cfg.ScreenshotRetentionDays,
		now:            func() time.Time { return time.Now().UTC() },
	}

	jobs := []scheduler.Job{
		{
			Name:         "health",
			Interval:     cfg.HealthInterval,
			InitialDelay: healthInitialDelay,
			Gated:        true,
			Run:          func(ctx context.Context) error { _, err := a.health.Run(ctx); return err },
		},
		{
			Name:         "browser",
			Interval:     cfg.BrowserInterval,
			InitialDelay: browserInitialDelay,
			Gated:        true,
			Run:          func(ctx context.Context) error { _, err := a.browser.Run(ctx); return err },
		},
		{
			Name:         "security",
			Interval:     cfg.SecurityInterval,
			InitialDelay: securityInitialDelay,
			Gated:        true,
			Run:          func(ctx context.Context) error { _, err := a.security.Run(ctx); return err },
		},
	}
	if cfg.RetentionInterval > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:         "retention",
			Interval:     cfg.RetentionInterval,
			InitialDelay: retentionInitialDelay,
			Run:          func(ctx context.Context) error { _, err := keeper.runCycle(ctx); return err },
		})
	}

	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return nil
}
