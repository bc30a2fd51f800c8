// Package scheduler runs monitor cycles on fixed intervals and executes
// fire-and-forget background tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"watchtower/services/agent/internal/audit"
	"watchtower/services/agent/internal/logging"
	"watchtower/services/agent/internal/metrics"
)

var ErrShuttingDown = errors.New("scheduler is shutting down")

// Job is a periodic task. Runs of the same job may overlap.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	// Gated jobs are skipped while monitoring is disabled or the kill switch is engaged.
	Gated bool
	Run   func(ctx context.Context) error
}

// Gate reports the live flags that pause gated jobs.
type Gate interface {
	MonitoringEnabled(ctx context.Context) (bool, error)
	KillSwitchEngaged(ctx context.Context) (bool, error)
}

// PanicHandler receives panics escaping a job or task. The default logs and exits the process.
type PanicHandler func(task string, recovered any)

type Scheduler struct {
	gate     Gate
	recorder *audit.Recorder
	logger   *slog.Logger
	onPanic  PanicHandler

	mu       sync.Mutex
	jobs     []Job
	started  bool
	closing  bool
	inflight sync.WaitGroup
	loops    sync.WaitGroup

	loopCtx    context.Context
	stopLoops  context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc
}

func New(gate Gate, recorder *audit.Recorder, logger *slog.Logger) *Scheduler {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())
	s := &Scheduler{
		gate:       gate,
		recorder:   recorder,
		logger:     logging.OrDefault(logger),
		loopCtx:    loopCtx,
		stopLoops:  stopLoops,
		workCtx:    workCtx,
		cancelWork: cancelWork,
	}
	s.onPanic = s.exitOnPanic
	return s
}

// OnPanic replaces the fail-fast panic handler.
func (s *Scheduler) OnPanic(handler PanicHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = handler
}

func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("job requires a name, a run function and a positive interval")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot add job %s after start", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Start launches one loop per job: a one-shot run after InitialDelay, then one run per Interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closing {
		return
	}
	s.started = true
	for _, job := range s.jobs {
		s.loops.Add(1)
		go s.loop(job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(job Job) {
	defer s.loops.Done()

	if job.InitialDelay > 0 {
		timer := time.NewTimer(job.InitialDelay)
		select {
		case <-s.loopCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.dispatch(job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			s.dispatch(job)
		}
	}
}

func (s *Scheduler) dispatch(job Job) {
	_ = s.Submit(context.Background(), job.Name, func(ctx context.Context) error {
		return s.runJob(ctx, job)
	})
}

// RunJob runs a registered job once, honouring its gate, and waits for it.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, job := range s.Jobs() {
		if job.Name == name {
			return s.runJob(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	if job.Gated {
		if paused, reason := s.paused(ctx); paused {
			s.logger.Debug("job skipped", "job", job.Name, "reason", reason)
			metrics.ObserveJob(job.Name, metrics.OutcomeSkipped)
			return nil
		}
	}

	started := time.Now()
	err := job.Run(ctx)
	if err != nil {
		metrics.ObserveJob(job.Name, metrics.OutcomeError)
		s.logger.Error("job failed", "job", job.Name, "duration", time.Since(started), "err", err)
		s.recorder.Record(ctx, audit.Failed(audit.AgentScheduler, "cron", "cron_error",
			fmt.Sprintf("Scheduled job %s failed", job.Name),
			map[string]any{"job": job.Name}, err))
		return err
	}
	metrics.ObserveJob(job.Name, metrics.OutcomeSuccess)
	s.logger.Debug("job completed", "job", job.Name, "duration", time.Since(started))
	return nil
}

func (s *Scheduler) paused(ctx context.Context) (bool, string) {
	if s.gate == nil {
		return false, ""
	}
	enabled, err := s.gate.MonitoringEnabled(ctx)
	if err != nil {
		s.logger.Warn("read monitoring flag failed", "err", err)
	} else if !enabled {
		return true, "monitoring disabled"
	}
	engaged, err := s.gate.KillSwitchEngaged(ctx)
	if err != nil {
		s.logger.Warn("read kill switch failed", "err", err)
	} else if engaged {
		return true, "kill switch engaged"
	}
	return false, ""
}

// Submit runs task in the background. The task keeps the values of ctx but not
// its cancellation: it runs to completion after the caller is gone, and is only
// cancelled when shutdown exceeds its deadline.
func (s *Scheduler) Submit(ctx context.Context, name string, task func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.workCtx, cancel)

	go func() {
		defer s.inflight.Done()
		defer cancel()
		defer stop()
		defer s.recoverTask(name)
		if err := task(taskCtx); err != nil {
			s.logger.Warn("background task failed", "task", name, "err", err)
		}
	}()
	return nil
}

func (s *Scheduler) recoverTask(name string) {
	recovered := recover()
	if recovered == nil {
		return
	}
	s.logger.Error("background task panicked", "task", name, "panic", recovered, "stack", string(debug.Stack()))
	s.recorder.Record(context.Background(), audit.Failed(audit.AgentScheduler, "cron", "uncaught_panic",
		fmt.Sprintf("Task %s panicked", name),
		map[string]any{"task": name}, fmt.Errorf("%v", recovered)))

	s.mu.Lock()
	handler := s.onPanic
	s.mu.Unlock()
	handler(name, recovered)
}

func (s *Scheduler) exitOnPanic(task string, recovered any) {
	s.logger.Error("terminating after panic", "task", task, "panic", recovered)
	os.Exit(1)
}

// Shutdown stops the interval loops and waits for in-flight work. If ctx expires
// first, in-flight work is cancelled and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.stopLoops()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelWork()
		return nil
	case <-ctx.Done():
		s.cancelWork()
		return ctx.Err()
	}
}
