// Package mountcmd implements MountCommandService (spec §4.8): it
// applies one reconciliation action by invoking mergerfs, fusermount, or
// umount, classifies the outcome as Success/Busy/Failure, and runs the
// post-apply readiness probe.
package mountcmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mergefsd/mergefsd/internal/executor"
	"github.com/mergefsd/mergefsd/internal/planner"
	"github.com/mergefsd/mergefsd/internal/reconcile"
	"github.com/mergefsd/mergefsd/internal/snapshot"
	"github.com/mergefsd/mergefsd/internal/stager"
	"github.com/mergefsd/mergefsd/pkg/errors"
	"github.com/mergefsd/mergefsd/pkg/retry"
)

// Outcome classifies how one action application concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBusy    Outcome = "busy"
	OutcomeFailure Outcome = "failure"
)

// ApplyResult is the outcome of applying one reconcile.Action.
type ApplyResult struct {
	Outcome    Outcome
	Diagnostic string
}

// busyMarkers is the single policy table spec §9's Open Questions asks
// for: the stderr substrings that classify a mount-tool failure as Busy
// rather than Failure. Exit codes are not consulted.
var busyMarkers = []string{
	"device or resource busy",
	"target is busy",
	"resource busy",
}

// Config configures the service.
type Config struct {
	BaseOptions              string
	CleanupApplyHighPriority bool
	IOClass                  int
	NiceValue                int
	// BusyRetryBudget is how many Busy outcomes fusermount -u may return
	// before falling back to `umount -l` (spec §9 Open Question:
	// "the exact Busy-retry budget ... is not stated in a single place").
	BusyRetryBudget int
	ReadinessTimeout time.Duration
	ExpectedFSTypeMarker string // e.g. "fuse.mergerfs", checked case-insensitively
	PathComparer     reconcile.PathComparer
}

// Service applies reconciliation actions.
type Service struct {
	exec     *executor.Executor
	stager   *stager.Stager
	snapshot *snapshot.Reader
	config   Config
}

// New creates a Service.
func New(exec *executor.Executor, st *stager.Stager, snap *snapshot.Reader, config Config) *Service {
	if config.BusyRetryBudget <= 0 {
		config.BusyRetryBudget = 3
	}
	if config.ReadinessTimeout <= 0 {
		config.ReadinessTimeout = 5 * time.Second
	}
	if config.ExpectedFSTypeMarker == "" {
		config.ExpectedFSTypeMarker = "fuse.mergerfs"
	}
	if config.PathComparer == nil {
		config.PathComparer = reconcile.CaseSensitiveComparer
	}
	return &Service{exec: exec, stager: st, snapshot: snap, config: config}
}

// Apply applies one action. A Remount is Unmount-then-Mount under a
// single action record; if the Unmount half reports Busy, the whole
// action returns Busy without attempting the Mount half (spec §4.8).
func (s *Service) Apply(ctx context.Context, action reconcile.Action) ApplyResult {
	switch action.Kind {
	case reconcile.KindNoOp:
		return ApplyResult{Outcome: OutcomeSuccess, Diagnostic: "no-op"}
	case reconcile.KindUnmount:
		return s.unmount(ctx, action.MountPoint)
	case reconcile.KindMount:
		return s.mountAndVerify(ctx, action)
	case reconcile.KindRemount:
		res := s.unmount(ctx, action.MountPoint)
		if res.Outcome != OutcomeSuccess {
			return res
		}
		return s.mountAndVerify(ctx, action)
	default:
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: fmt.Sprintf("unknown action kind %q", action.Kind)}
	}
}

func (s *Service) mountAndVerify(ctx context.Context, action reconcile.Action) ApplyResult {
	if action.Plan == nil {
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "mount action missing plan"}
	}
	res := s.mount(ctx, *action.Plan)
	if res.Outcome != OutcomeSuccess {
		return res
	}
	return s.probeReadiness(ctx, *action.Plan)
}

func (s *Service) mount(ctx context.Context, plan planner.MountPlan) ApplyResult {
	if err := os.MkdirAll(plan.MountPoint, 0o755); err != nil {
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "mkdir mountpoint: " + err.Error()}
	}

	branches := s.stager.BranchesCSV(plan)
	opts := strings.TrimRight(s.config.BaseOptions, ",")
	if opts != "" {
		opts += ","
	}
	opts += "fsname=" + plan.Fingerprint

	argv := s.wrap([]string{"mergerfs", "-o", opts, branches, plan.MountPoint})
	res, err := s.exec.Execute(ctx, executor.Request{
		FileName: argv[0],
		Args:     argv[1:],
		Timeout:  30 * time.Second,
	})
	return classify(res, err)
}

// unmount issues `fusermount -u`, retrying through the busy-retry budget
// (spec §9 Open Question) via the shared Retryer before falling back to
// a lazy `umount -l`.
func (s *Service) unmount(ctx context.Context, mountPoint string) ApplyResult {
	argv := s.wrap([]string{"fusermount", "-u", mountPoint})
	var result ApplyResult

	retryer := retry.New(retry.Config{
		MaxAttempts:     s.config.BusyRetryBudget,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeToolBusy},
	})
	_ = retryer.DoWithContext(ctx, func(ctx context.Context) error {
		res, err := s.exec.Execute(ctx, executor.Request{
			FileName: argv[0],
			Args:     argv[1:],
			Timeout:  15 * time.Second,
		})
		result = classify(res, err)
		if result.Outcome == OutcomeBusy {
			return errors.NewError(errors.ErrCodeToolBusy, "fusermount -u reported busy")
		}
		return nil
	})
	if result.Outcome != OutcomeBusy {
		return result
	}

	lazyArgv := s.wrap([]string{"umount", "-l", mountPoint})
	res, err := s.exec.Execute(ctx, executor.Request{
		FileName: lazyArgv[0],
		Args:     lazyArgv[1:],
		Timeout:  15 * time.Second,
	})
	return classify(res, err)
}

// wrap prefixes argv with the cleanup-priority wrapper
// (`ionice -c <class> nice -n <value>`) when configured (spec §4.8).
func (s *Service) wrap(argv []string) []string {
	if !s.config.CleanupApplyHighPriority {
		return argv
	}
	prefix := []string{
		"ionice", "-c", fmt.Sprintf("%d", s.config.IOClass),
		"nice", "-n", fmt.Sprintf("%d", s.config.NiceValue),
	}
	return append(prefix, argv...)
}

func classify(res executor.Result, err error) ApplyResult {
	if err != nil {
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: err.Error()}
	}
	switch res.Outcome {
	case executor.OutcomeSuccess:
		return ApplyResult{Outcome: OutcomeSuccess}
	case executor.OutcomeStartFailed:
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "tool not found or failed to start: " + res.Stderr}
	case executor.OutcomeTimedOut:
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "timed out"}
	case executor.OutcomeCancelled:
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "cancelled"}
	case executor.OutcomeNonZeroExit:
		if isBusy(res.Stderr) {
			return ApplyResult{Outcome: OutcomeBusy, Diagnostic: res.Stderr}
		}
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: fmt.Sprintf("exit=%d stderr=%s", res.ExitCode, res.Stderr)}
	default:
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "unrecognized executor outcome"}
	}
}

func isBusy(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range busyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// probeReadiness re-snapshots and verifies plan.MountPoint is present with
// the expected union-fs marker in its FSTYPE (spec §4.8's readiness
// probe). A probe failure converts a Success Mount/Remount into Failure.
func (s *Service) probeReadiness(ctx context.Context, plan planner.MountPlan) ApplyResult {
	if _, err := os.Stat(plan.MountPoint); err != nil {
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "readiness stat failed: " + err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ReadinessTimeout)
	defer cancel()
	snap := s.snapshot.Capture(probeCtx)

	for _, e := range snap.Entries {
		if !s.config.PathComparer(e.MountPoint, plan.MountPoint) {
			continue
		}
		if strings.Contains(strings.ToLower(e.FSType), strings.ToLower(s.config.ExpectedFSTypeMarker)) {
			return ApplyResult{Outcome: OutcomeSuccess}
		}
		return ApplyResult{Outcome: OutcomeFailure, Diagnostic: fmt.Sprintf("unexpected fstype %q at %s", e.FSType, plan.MountPoint)}
	}

	return ApplyResult{Outcome: OutcomeFailure, Diagnostic: "mountpoint not present in post-apply snapshot"}
}
