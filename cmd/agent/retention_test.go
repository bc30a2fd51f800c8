package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"watchtower/services/agent/internal/artifacts"
	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/scheduler"
	"watchtower/services/agent/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetentionPrunesExpiredChecksAndScreenshots(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	memory := store.NewMemory()

	for id, age := range map[string]time.Duration{"old": 31 * 24 * time.Hour, "fresh": time.Hour} {
		if err := memory.RecordCheck(ctx, store.CheckResult{
			CheckID:   id,
			CheckType: store.CheckHealth,
			Status:    store.CheckHealthy,
			CheckedAt: now.Add(-age),
		}); err != nil {
			t.Fatalf("record check: %v", err)
		}
	}

	root := t.TempDir()
	disk, err := artifacts.NewDiskStore(root)
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	for _, id := range []string{"stale", "recent"} {
		if err := disk.StoreObject(ctx, artifacts.ScreenshotKey(id), []byte("png"), artifacts.ScreenshotContentType); err != nil {
			t.Fatalf("store screenshot: %v", err)
		}
	}
	stalePath := filepath.Join(root, artifacts.ScreenshotKey("stale"))
	staleTime := now.AddDate(0, 0, -20)
	if err := os.Chtimes(stalePath, staleTime, staleTime); err != nil {
		t.Fatalf("age screenshot: %v", err)
	}
	recentPath := filepath.Join(root, artifacts.ScreenshotKey("recent"))
	if err := os.Chtimes(recentPath, now, now); err != nil {
		t.Fatalf("touch screenshot: %v", err)
	}

	keeper := &retention{
		checks:         memory,
		screenshots:    disk,
		recorder:       audit.NewRecorder(memory, quietLogger()),
		logger:         quietLogger(),
		checkDays:      30,
		screenshotDays: 14,
		now:            func() time.Time { return now },
	}

	result, err := keeper.runCycle(ctx)
	if err != nil {
		t.Fatalf("expected retention to succeed: %v", err)
	}
	if result.ChecksPruned != 1 || result.ScreenshotsPruned != 1 {
		t.Fatalf("unexpected retention result %+v", result)
	}

	remaining, err := memory.ListChecks(ctx, store.CheckFilter{})
	if err != nil {
		t.Fatalf("list checks: %v", err)
	}
	if len(remaining) != 1 || remaining[0].CheckID != "fresh" {
		t.Fatalf("expected only the fresh check to remain, got %+v", remaining)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("expected stale screenshot to be removed, got %v", err)
	}
	if _, err := os.Stat(recentPath); err != nil {
		t.Fatalf("expected recent screenshot to remain: %v", err)
	}

	actions, err := memory.ListActions(ctx, store.ActionFilter{})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != "retention_completed" {
		t.Fatalf("expected retention action, got %+v", actions)
	}
}

func TestRetentionSkipsStoresWithoutPruning(t *testing.T) {
	memory := store.NewMemory()
	keeper := &retention{
		checks:         memory,
		screenshots:    artifacts.NewNoopStore(),
		recorder:       audit.NewRecorder(memory, quietLogger()),
		logger:         quietLogger(),
		checkDays:      30,
		screenshotDays: 14,
		now:            func() time.Time { return time.Now().UTC() },
	}

	result, err := keeper.runCycle(context.Background())
	if err != nil {
		t.Fatalf("expected retention to succeed: %v", err)
	}
	if result.ScreenshotsPruned != 0 || result.Failures != 0 {
		t.Fatalf("unexpected retention result %+v", result)
	}
}

func TestRegisterJobsOnMemoryStack(t *testing.T) {
	cfg = config.Config{
		StoreDriver:             store.DriverMemory,
		ScreenshotDir:           t.TempDir(),
		BackendAPIURL:           "http://localhost:5000",
		AdminConsoleURL:         "http://localhost:3000",
		HealthInterval:          time.Minute,
		BrowserInterval:         5 * time.Minute,
		SecurityInterval:        10 * time.Minute,
		RetentionInterval:       6 * time.Hour,
		CheckRetentionDays:      30,
		ScreenshotRetentionDays: 14,
		ShutdownTimeout:         time.Second,
	}
	logger = quietLogger()

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("expected app to wire: %v", err)
	}
	defer a.Close()

	sched := scheduler.New(a.settings, a.recorder, logger)
	if err := registerJobs(sched, a); err != nil {
		t.Fatalf("register jobs: %v", err)
	}

	jobs := sched.Jobs()
	want := []string{"health", "browser", "security", "retention"}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(jobs))
	}
	for index, job := range jobs {
		if job.Name != want[index] {
			t.Fatalf("job %d: expected %s, got %s", index, want[index], job.Name)
		}
		if gated := job.Name != "retention"; job.Gated != gated {
			t.Fatalf("job %s: expected gated=%v", job.Name, gated)
		}
	}
}

func TestDrainTimeoutStaysInsideForcedExit(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		30 * time.Second: 28 * time.Second,
		5 * time.Second:  3 * time.Second,
		2 * time.Second:  time.Second,
	}
	for limit, want := range cases {
		if got := drainTimeout(limit); got != want {
			t.Fatalf("drainTimeout(%s): expected %s, got %s", limit, want, got)
		}
		if drainTimeout(limit) >= limit {
			t.Fatalf("drainTimeout(%s) must end before the forced exit", limit)
		}
	}
}
