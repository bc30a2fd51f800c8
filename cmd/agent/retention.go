package main

import (
	"context"
	"log/slog"
	"time"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/store"
)

const retentionCycleTimeout = 45 * time.Second

// screenshotPruner is implemented by artifact stores that expire objects themselves rather than through bucket lifecycle rules.
type screenshotPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type retention struct {
	checks         store.CheckStore
	screenshots    artifacts.Store
	recorder       *audit.Recorder
	logger         *slog.Logger
	checkDays      int
	screenshotDays int
	now            func() time.Time
}

type retentionResult struct {
	ChecksPruned      int64
	ScreenshotsPruned int
	Failures          int
}

// runCycle prunes expired monitoring checks and, for disk-backed stores, expired screenshots.
func (r *retention) runCycle(ctx context.Context) (retentionResult, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, retentionCycleTimeout)
	defer cancel()

	now := r.now()
	result := retentionResult{}
	var firstErr error

	if r.checkDays > 0 {
		pruned, err := r.checks.PruneChecks(cycleCtx, now.AddDate(0, 0, -r.checkDays))
		if err != nil {
			result.Failures++
			firstErr = err
			r.logger.Error("check retention failed", "err", err)
		}
		result.ChecksPruned = pruned
	}

	if pruner, ok := r.screenshots.(screenshotPruner); ok && r.screenshotDays > 0 {
		pruned, err := pruner.PruneBefore(cycleCtx, now.AddDate(0, 0, -r.screenshotDays))
		if err != nil {
			result.Failures++
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Error("screenshot retention failed", "err", err)
		}
		result.ScreenshotsPruned = pruned
	}

	r.recorder.Record(ctx, audit.Outcome(firstErr == nil, audit.AgentScheduler, "maintenance", "retention_completed",
		"Retention cycle completed", map[string]any{
			"checks_pruned":      result.ChecksPruned,
			"screenshots_pruned": result.ScreenshotsPruned,
			"failures":           result.Failures,
		}, firstErr))

	r.logger.Info(
		"retention completed",
		"checks", result.ChecksPruned,
		"screenshots", result.ScreenshotsPruned,
		"failures", result.Failures,
	)
	return result, firstErr
}
