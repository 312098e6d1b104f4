// Package daemon implements DaemonSupervisor (spec §4.11): single
// instance lock, signal-driven cooperative shutdown, and the worker loop
// that alternates between waiting for the next merge trigger and
// invoking the merge pass orchestrator.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mergefsd/mergefsd/internal/orchestrator"
	"github.com/mergefsd/mergefsd/internal/readiness"
	"github.com/mergefsd/mergefsd/internal/watch"
	"github.com/mergefsd/mergefsd/pkg/memmon"
	"github.com/mergefsd/mergefsd/pkg/recovery"
	"github.com/mergefsd/mergefsd/pkg/status"
	"github.com/mergefsd/mergefsd/pkg/utils"
)

// Exit codes (spec §6).
const (
	ExitSuccess         = 0
	ExitGenericFailure  = 1
	ExitInvalidArgument = 64
	ExitEnvPrecondition = 70
	// ExitLockHeld signals a second instance refused to start because
	// another holds the lock; not one of spec §6's four codes but a
	// distinguishable non-zero value the entrypoint can recognize.
	ExitLockHeld = 75
)

// Config configures the Supervisor.
type Config struct {
	LockPath           string
	DiagnosticsDir     string
	MergeInterval      time.Duration
	StopTimeoutSeconds int
}

func (c *Config) applyDefaults() {
	if c.MergeInterval <= 0 {
		c.MergeInterval = 5 * time.Minute
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = 30
	}
}

// Supervisor owns the worker lifecycle.
type Supervisor struct {
	orch       *orchestrator.Orchestrator
	watcher    *watch.Watcher
	logger     *utils.StructuredLogger
	tracker    *status.Tracker
	profiler   *memmon.Profiler
	recovery   *recovery.RecoveryManager
	readiness  *readiness.Checker
	memMonitor *memmon.MemoryMonitor
	config     Config

	lockFile *os.File

	mu      sync.Mutex
	faulted bool
	faultCh chan struct{}
}

// New creates a Supervisor. watcher may be nil if inotify-triggered
// passes are disabled. recoveryMgr may be nil to skip degradation
// tracking across merge passes. readinessChecker may be nil to skip
// startup/ongoing readiness checks.
func New(orch *orchestrator.Orchestrator, watcher *watch.Watcher, logger *utils.StructuredLogger, tracker *status.Tracker, profiler *memmon.Profiler, recoveryMgr *recovery.RecoveryManager, readinessChecker *readiness.Checker, config Config) *Supervisor {
	config.applyDefaults()
	return &Supervisor{
		orch:      orch,
		watcher:   watcher,
		logger:    logger,
		tracker:   tracker,
		profiler:  profiler,
		recovery:  recoveryMgr,
		readiness: readinessChecker,
		config:    config,
		faultCh:   make(chan struct{}),
	}
}

// SetMemoryMonitor attaches a memmon.MemoryMonitor whose "merge_pass"
// tracked object counts passes currently executing, so a leak of
// stuck/overlapping passes shows up as tracked-object growth rather
// than only raw heap growth. Passing nil (the default) disables it.
func (s *Supervisor) SetMemoryMonitor(mm *memmon.MemoryMonitor) {
	s.memMonitor = mm
	if mm != nil {
		mm.TrackObject("merge_pass", 0)
	}
}

// acquireLock takes an advisory exclusive flock on config.LockPath,
// creating it if necessary. A second instance observes EWOULDBLOCK and
// must exit with ExitLockHeld (spec §4.11).
func (s *Supervisor) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(s.config.LockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(s.config.LockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("another instance holds %s: %w", s.config.LockPath, err)
	}

	s.lockFile = f
	return nil
}

func (s *Supervisor) releaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	s.lockFile = nil
}

// Run acquires the lock, starts the watcher and worker loop, blocks
// until ctx is cancelled or a termination signal arrives, then drains
// within StopTimeoutSeconds and releases the lock. Returns a process
// exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := s.acquireLock(); err != nil {
		s.logger.Error("failed to acquire single-instance lock", map[string]interface{}{"error": err.Error()})
		return ExitLockHeld
	}
	defer s.releaseLock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	if s.watcher != nil {
		s.watcher.Start(runCtx)
	}

	if s.readiness != nil {
		if err := s.readiness.Start(runCtx); err != nil {
			s.logger.Error("readiness checker failed to start", map[string]interface{}{"error": err.Error()})
		}
		defer s.readiness.Stop()
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.workerLoop(runCtx)
	}()

	select {
	case <-sigCh:
		s.logger.Info("received termination signal, shutting down", nil)
	case <-ctx.Done():
	case <-workerDone:
		s.logger.Error("worker loop exited without a termination signal", nil)
	}

	cancel()
	if s.watcher != nil {
		s.watcher.Stop()
	}

	select {
	case <-workerDone:
	case <-time.After(time.Duration(s.config.StopTimeoutSeconds) * time.Second):
		s.logger.Error("worker did not drain within stop timeout", map[string]interface{}{
			"stop_timeout_seconds": s.config.StopTimeoutSeconds,
		})
	}

	if s.isFaulted() {
		return ExitGenericFailure
	}
	return ExitSuccess
}

// isFaulted reports whether handleWorkerFault has fired during this run.
func (s *Supervisor) isFaulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

// workerLoop alternates between waiting for the next merge trigger
// (interval timer or inotify signal) and invoking one merge pass. A
// worker panic is caught, logged under event id supervisor.worker_fault
// with a captured stack and a heap profile, and the loop exits; it does
// not restart itself (spec §4.11: "on worker fault ... exit non-zero").
func (s *Supervisor) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.MergeInterval)
	defer ticker.Stop()

	s.runPassSafely(ctx, orchestrator.Request{Reason: "startup"})
	if s.isFaulted() {
		return
	}

	var triggerCh chan struct{}
	if s.watcher != nil {
		triggerCh = make(chan struct{}, 1)
		go s.pollWatcher(ctx, triggerCh)
	}

	for {
		select {
		case <-ctx.Done():
			s.runPassSafely(context.Background(), orchestrator.Request{Reason: "shutdown"})
			return
		case <-s.faultCh:
			// A prior pass panicked; handleWorkerFault already logged it
			// and recorded diagnostics. Stop instead of restarting (spec
			// §4.11: "on worker fault ... exit non-zero").
			return
		case <-ticker.C:
			s.runPassSafely(ctx, orchestrator.Request{Reason: "interval"})
		case <-triggerCh:
			s.runPassSafely(ctx, orchestrator.Request{Reason: "inotify"})
		}
		if s.isFaulted() {
			return
		}
	}
}

// pollWatcher repeatedly drains the watcher and signals triggerCh
// whenever events arrived, until ctx is cancelled.
func (s *Supervisor) pollWatcher(ctx context.Context, triggerCh chan<- struct{}) {
	for ctx.Err() == nil {
		result := s.watcher.Poll(ctx, 1*time.Second)
		if result.Outcome == watch.OutcomeSuccess && len(result.Events) > 0 {
			select {
			case triggerCh <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Supervisor) runPassSafely(ctx context.Context, req orchestrator.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.handleWorkerFault(r)
		}
	}()

	var op *status.Operation
	if s.tracker != nil {
		op, ctx = s.tracker.StartOperation(ctx, "merge_pass", map[string]interface{}{"reason": string(req.Reason)})
		req.OpID = op.ID
	}

	if s.memMonitor != nil {
		s.memMonitor.IncrementObject("merge_pass", 0)
		defer s.memMonitor.DecrementObject("merge_pass", 0)
	}

	if s.readiness != nil && !s.readiness.IsHealthy() {
		s.logger.Warn("running merge pass while readiness checks report unhealthy", map[string]interface{}{
			"reason": string(req.Reason),
		})
	}

	var outcome orchestrator.Outcome
	runPass := func() error {
		outcome = s.orch.RunMergePass(ctx, req)
		if outcome.Classification == orchestrator.ClassificationFailure {
			return fmt.Errorf("merge pass classified as failure")
		}
		return nil
	}
	if s.recovery != nil {
		_ = s.recovery.Execute(ctx, "merge_pass", string(req.Reason), runPass)
	} else {
		_ = runPass()
	}

	s.logger.Info("merge pass completed", map[string]interface{}{
		"reason":         string(req.Reason),
		"classification": string(outcome.Classification),
		"actions":        len(outcome.Actions),
		"skipped":        outcome.SkippedActions,
		"duration_ms":    outcome.Duration.Milliseconds(),
	})

	if s.tracker != nil && op != nil {
		switch outcome.Classification {
		case orchestrator.ClassificationFailure:
			_ = s.tracker.FailOperation(op.ID, fmt.Errorf("merge pass classified as failure"))
		case orchestrator.ClassificationSkipped:
			_ = s.tracker.CancelOperation(op.ID)
		default:
			_ = s.tracker.CompleteOperation(op.ID)
		}
	}
}

func (s *Supervisor) handleWorkerFault(r interface{}) {
	stack := string(debug.Stack())
	fields := map[string]interface{}{
		"panic": fmt.Sprintf("%v", r),
		"stack": stack,
	}
	if s.tracker != nil {
		sys := s.tracker.GetSystemStatus()
		fields["active_operations"] = sys.ActiveOps
		fields["health_state"] = sys.HealthState.String()

		recent := s.tracker.GetHistory(5)
		recentSummary := make([]string, 0, len(recent))
		for _, op := range recent {
			recentSummary = append(recentSummary, op.Type+":"+op.Status.String())
		}
		fields["recent_operations"] = recentSummary
	}
	if s.recovery != nil {
		degraded := s.recovery.GetDegradedComponents()
		names := make([]string, 0, len(degraded))
		for component := range degraded {
			names = append(names, component)
		}
		fields["degraded_components"] = names
	}
	s.logger.Error("supervisor.worker_fault", fields)

	if s.profiler != nil {
		if err := s.profiler.WriteWorkerFaultDiagnostics(); err != nil {
			s.logger.Error("failed to write worker fault diagnostics", map[string]interface{}{"error": err.Error()})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.faulted {
		s.faulted = true
		close(s.faultCh)
	}
}
