package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/settings"
	"watchtower/services/agent/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory, *settings.Settings) {
	t.Helper()
	mem := store.NewMemory()
	live := settings.New(settings.NewStoreKV(mem))
	s := New(live, audit.NewRecorder(mem, nil), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, mem, live
}

func TestRunJobRecordsCronErrorOnFailure(t *testing.T) {
	s, mem, _ := newTestScheduler(t)
	if err := s.Add(Job{Name: "health", Interval: time.Minute, Run: func(context.Context) error {
		return errors.New("backend unreachable")
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	if err := s.RunJob(context.Background(), "health"); err == nil {
		t.Fatalf("expected job error")
	}

	actions, err := mem.ListActions(context.Background(), store.ActionFilter{})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != "cron_error" {
		t.Fatalf("expected one cron_error action, got %+v", actions)
	}
	if actions[0].Success == nil || *actions[0].Success {
		t.Fatalf("expected failed action")
	}
}

func TestGatedJobsSkipWhenPaused(t *testing.T) {
	s, _, live := newTestScheduler(t)
	var runs atomic.Int32
	if err := s.Add(Job{Name: "browser", Interval: time.Minute, Gated: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	ctx := context.Background()

	if err := live.SetMonitoringEnabled(ctx, false); err != nil {
		t.Fatalf("disable monitoring: %v", err)
	}
	_ = s.RunJob(ctx, "browser")

	if err := live.SetMonitoringEnabled(ctx, true); err != nil {
		t.Fatalf("enable monitoring: %v", err)
	}
	if err := live.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("engage kill switch: %v", err)
	}
	_ = s.RunJob(ctx, "browser")
	if got := runs.Load(); got != 0 {
		t.Fatalf("expected gated job to be skipped, ran %d times", got)
	}

	if err := live.SetKillSwitch(ctx, false); err != nil {
		t.Fatalf("release kill switch: %v", err)
	}
	_ = s.RunJob(ctx, "browser")
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected one run, got %d", got)
	}
}

func TestStartRunsInitialAndIntervalRuns(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var runs atomic.Int32
	if err := s.Add(Job{Name: "security", Interval: 20 * time.Millisecond, InitialDelay: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("expected at least 3 runs, got %d", runs.Load())
	}
	if err := s.Add(Job{Name: "late", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected add after start to fail")
	}
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	callerCtx, cancelCaller := context.WithCancel(context.Background())

	release := make(chan struct{})
	result := make(chan error, 1)
	if err := s.Submit(callerCtx, "trigger", func(ctx context.Context) error {
		<-release
		result <- ctx.Err()
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelCaller()
	close(release)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected task context to survive caller cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("task did not complete")
	}
}

func TestShutdownWaitsThenRejectsSubmissions(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var finished atomic.Bool
	if err := s.Submit(context.Background(), "slow", func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("expected shutdown to wait for in-flight task")
	}
	if err := s.Submit(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownDeadlineCancelsInflightWork(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	cancelled := make(chan struct{})
	if err := s.Submit(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected in-flight task to observe cancellation")
	}
}

func TestPanicsEscalateToHandler(t *testing.T) {
	s, mem, _ := newTestScheduler(t)
	escalated := make(chan string, 1)
	s.OnPanic(func(task string, _ any) { escalated <- task })

	if err := s.Submit(context.Background(), "explode", func(context.Context) error {
		panic("corrupt state")
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case task := <-escalated:
		if task != "explode" {
			t.Fatalf("expected explode, got %s", task)
		}
	case <-time.After(time.Second):
		t.Fatalf("panic was not escalated")
	}

	actions, err := mem.ListActions(context.Background(), store.ActionFilter{})
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != "uncaught_panic" {
		t.Fatalf("expected uncaught_panic action, got %+v", actions)
	}
}
