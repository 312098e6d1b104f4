// Package orchestrator implements MergePassOrchestrator (spec §4.9), the
// top-level merge pass: discover, plan, stage, snapshot, reconcile,
// apply, post-validate, classify.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mergefsd/mergefsd/internal/circuit"
	"github.com/mergefsd/mergefsd/internal/discovery"
	"github.com/mergefsd/mergefsd/internal/metrics"
	"github.com/mergefsd/mergefsd/internal/mountcmd"
	"github.com/mergefsd/mergefsd/internal/planner"
	"github.com/mergefsd/mergefsd/internal/reconcile"
	"github.com/mergefsd/mergefsd/internal/snapshot"
	"github.com/mergefsd/mergefsd/internal/stager"
	"github.com/mergefsd/mergefsd/pkg/health"
	"github.com/mergefsd/mergefsd/pkg/status"
	"github.com/mergefsd/mergefsd/pkg/utils"
)

// Classification is the top-level pass outcome (spec §3 MergePassOutcome).
type Classification string

const (
	ClassificationSuccess   Classification = "success"
	ClassificationBusy      Classification = "busy"
	ClassificationFailure   Classification = "failure"
	ClassificationMixed     Classification = "mixed"
	ClassificationNoWork    Classification = "no_work"
	ClassificationSkipped   Classification = "skipped"
	ClassificationPreviewed Classification = "previewed" // spec §4.14 dry-run
)

// Reason records why a merge pass ran ("startup", "shutdown", "interval", "inotify").
type Reason string

// Request describes one RunMergePass invocation.
type Request struct {
	Reason Reason
	Force  bool
	// DryRun runs discover/plan/stage/snapshot/reconcile but skips apply,
	// per spec §4.14.
	DryRun bool
	// OpID is the status.Tracker operation ID the caller started for this
	// pass, if any. When set, RunMergePass reports its stage transitions
	// (discover/plan/stage/snapshot/reconcile/apply/classify) and
	// per-action apply progress through it.
	OpID string
}

// ActionOutcome pairs one emitted action with how it was applied.
type ActionOutcome struct {
	Action reconcile.Action
	Result mountcmd.ApplyResult
}

// Outcome is the full result of one pass.
type Outcome struct {
	Classification  Classification
	Actions         []ActionOutcome
	SkippedActions  int
	Warnings        []string
	Duration        time.Duration
}

// Config configures the orchestrator's fast-fail and cleanup behavior.
type Config struct {
	MaxConsecutiveMountFailures int
	CleanupForeignOnStartup     bool
	CleanupForeignOnShutdown    bool
	// MergedRoot is the root under which every managed mountpoint lives;
	// it is threaded into reconcile.Options so the Foreign-unmount branch
	// (spec §4.7) can tell a managed mount apart from an unrelated one.
	MergedRoot   string
	PathComparer reconcile.PathComparer
}

// Orchestrator runs merge passes. Concurrent passes are forbidden; the
// caller (the daemon worker) must await one RunMergePass before starting
// the next (spec §5).
type Orchestrator struct {
	discovery   *discovery.Discovery
	planner     *planner.Planner
	stager      *stager.Stager
	snapshot    *snapshot.Reader
	mountcmd    *mountcmd.Service
	breakers    *circuit.Manager
	metrics     *metrics.Collector
	health      *health.Tracker
	logger      *utils.StructuredLogger
	status      *status.Tracker
	config      Config

	mu          sync.Mutex
	lastDesired map[string]string // mountpoint -> fingerprint
	cleanupDoneOnce bool
}

// New creates an Orchestrator.
func New(
	disc *discovery.Discovery,
	p *planner.Planner,
	st *stager.Stager,
	snap *snapshot.Reader,
	mc *mountcmd.Service,
	breakers *circuit.Manager,
	collector *metrics.Collector,
	healthTracker *health.Tracker,
	logger *utils.StructuredLogger,
	config Config,
) *Orchestrator {
	if config.MaxConsecutiveMountFailures <= 0 {
		config.MaxConsecutiveMountFailures = 3
	}
	if config.PathComparer == nil {
		config.PathComparer = reconcile.CaseSensitiveComparer
	}
	return &Orchestrator{
		discovery:   disc,
		planner:     p,
		stager:      st,
		snapshot:    snap,
		mountcmd:    mc,
		breakers:    breakers,
		metrics:     collector,
		health:      healthTracker,
		logger:      logger,
		config:      config,
		lastDesired: make(map[string]string),
	}
}

// SetStatusTracker attaches the status.Tracker whose phase and progress
// updates RunMergePass reports against a request's OpID. Passing nil (the
// default) disables reporting.
func (o *Orchestrator) SetStatusTracker(tracker *status.Tracker) {
	o.status = tracker
}

// reportPhase advances the tracked operation's phase, a no-op when no
// tracker is attached or the request carries no OpID (e.g. it was not
// started through a status.Tracker).
func (o *Orchestrator) reportPhase(opID, phase string) {
	if o.status == nil || opID == "" {
		return
	}
	_ = o.status.SetPhase(opID, phase)
}

// unhealthyMountPoints consults the health tracker, registering a
// component per plan on first sight, and returns the set flagged
// unhealthy so reconcile.Plan can force a remount (spec §4.9 step 6).
func (o *Orchestrator) unhealthyMountPoints(plans []planner.MountPlan) map[string]bool {
	if o.health == nil {
		return nil
	}
	unhealthy := make(map[string]bool)
	for _, p := range plans {
		comp := health.MountComponent(p.MountPoint)
		o.health.RegisterComponent(comp)
		if !o.health.IsHealthy(comp) {
			unhealthy[p.MountPoint] = true
		}
	}
	return unhealthy
}

// recordActionHealth feeds each applied action's outcome back into the
// per-mountpoint health tracker.
func (o *Orchestrator) recordActionHealth(action reconcile.Action, result mountcmd.ApplyResult) {
	if o.health == nil {
		return
	}
	comp := health.MountComponent(action.MountPoint)
	o.health.RegisterComponent(comp)
	if result.Outcome == mountcmd.OutcomeSuccess {
		o.health.RecordSuccess(comp)
	} else {
		o.health.RecordError(comp, fmt.Errorf("mountcmd action %s outcome %s", action.Kind, result.Outcome))
	}
}

// LastDesired returns a copy of the retained "last desired branch
// directories by mountpoint" map (spec §3 Lifecycle, §9: "expose via a
// value-returning snapshot getter that copies under the mutex").
func (o *Orchestrator) LastDesired() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.lastDesired))
	for k, v := range o.lastDesired {
		out[k] = v
	}
	return out
}

// RunMergePass executes one complete pass.
func (o *Orchestrator) RunMergePass(ctx context.Context, req Request) Outcome {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Outcome{Classification: ClassificationSkipped, Duration: time.Since(start)}
	}

	o.reportPhase(req.OpID, "discover")
	volumes, discoveryWarnings := o.discovery.Discover()

	o.reportPhase(req.OpID, "plan")
	plans, planWarnings := o.planner.Plan(volumes)

	var warnings []string
	for _, w := range discoveryWarnings {
		warnings = append(warnings, w.Code+": "+w.Message)
	}
	for _, w := range planWarnings {
		warnings = append(warnings, w.Code+": "+w.Message)
	}

	o.reportPhase(req.OpID, "stage")
	for _, plan := range plans {
		for _, w := range o.stager.Stage(plan) {
			warnings = append(warnings, w.Code+": "+w.Message)
		}
	}

	o.mu.Lock()
	lastDesiredSnapshot := make(map[string]string, len(o.lastDesired))
	for k, v := range o.lastDesired {
		lastDesiredSnapshot[k] = v
	}
	o.mu.Unlock()

	o.reportPhase(req.OpID, "snapshot")
	current := o.snapshot.Capture(ctx)
	for _, w := range current.Warnings {
		warnings = append(warnings, w.Code+": "+w.Message)
	}

	cleanupForeign := (req.Reason == "startup" && o.config.CleanupForeignOnStartup) ||
		(req.Reason == "shutdown" && o.config.CleanupForeignOnShutdown)

	o.reportPhase(req.OpID, "reconcile")
	actions := reconcile.Plan(plans, current, lastDesiredSnapshot, reconcile.Options{
		Force:                req.Force,
		CleanupForeign:       cleanupForeign,
		MergedRoot:           o.config.MergedRoot,
		PathComparer:         o.config.PathComparer,
		UnhealthyMountPoints: o.unhealthyMountPoints(plans),
	})

	if req.DryRun {
		outcomes := make([]ActionOutcome, len(actions))
		for i, a := range actions {
			outcomes[i] = ActionOutcome{Action: a}
		}
		return Outcome{Classification: ClassificationPreviewed, Actions: outcomes, Warnings: warnings, Duration: time.Since(start)}
	}

	if len(actions) == 0 {
		return Outcome{Classification: ClassificationNoWork, Warnings: warnings, Duration: time.Since(start)}
	}

	o.reportPhase(req.OpID, "apply")
	hadBusy, hadFailure := false, false
	consecutiveMountFailures := 0
	outcomes := make([]ActionOutcome, 0, len(actions))
	skipped := 0

	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			skipped = len(actions) - i
			break
		}

		result := o.applyWithBreaker(ctx, action)
		outcomes = append(outcomes, ActionOutcome{Action: action, Result: result})
		if o.status != nil && req.OpID != "" {
			_ = o.status.UpdateProgress(req.OpID, int64(i+1), int64(len(actions)), "actions")
		}

		if o.metrics != nil {
			o.metrics.RecordAction(string(action.Kind), result.Outcome == mountcmd.OutcomeSuccess)
		}
		o.recordActionHealth(action, result)

		if o.logger != nil {
			fields := map[string]interface{}{"kind": string(action.Kind), "outcome": string(result.Outcome)}
			if result.Outcome == mountcmd.OutcomeFailure {
				fields["diagnostic"] = result.Diagnostic
				o.logger.WithMountpoint(action.MountPoint).Warn("mount action failed", fields)
			} else {
				o.logger.WithMountpoint(action.MountPoint).Debug("mount action applied", fields)
			}
		}

		isMountAction := action.Kind == reconcile.KindMount || action.Kind == reconcile.KindRemount

		switch result.Outcome {
		case mountcmd.OutcomeBusy:
			hadBusy = true
			// spec §4.9 step 7: the counter "resets to zero on any
			// non-mount action or successful mount" — a Busy mount is
			// neither, so it leaves the streak intact.
			if !isMountAction {
				consecutiveMountFailures = 0
			}
		case mountcmd.OutcomeFailure:
			hadFailure = true
			if isMountAction {
				consecutiveMountFailures++
			} else {
				consecutiveMountFailures = 0
			}
		default:
			consecutiveMountFailures = 0
		}

		if isMountAction {
			if consecutiveMountFailures >= o.config.MaxConsecutiveMountFailures {
				skipped = len(actions) - i - 1
				hadFailure = true
				warnings = append(warnings, "merge.workflow.fast_fail: aborting after consecutive mount failures")
				break
			}
		}
	}

	o.updateLastDesired(plans, outcomes)

	o.reportPhase(req.OpID, "classify")
	classification := classify(hadBusy, hadFailure)
	duration := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordPass(string(classification), duration)
		o.metrics.UpdateMountCount(len(plans))
	}
	return Outcome{
		Classification: classification,
		Actions:        outcomes,
		SkippedActions: skipped,
		Warnings:       warnings,
		Duration:       duration,
	}
}

func (o *Orchestrator) applyWithBreaker(ctx context.Context, action reconcile.Action) mountcmd.ApplyResult {
	if o.breakers == nil {
		return o.mountcmd.Apply(ctx, action)
	}

	breaker := o.breakers.GetBreaker(action.MountPoint)
	var result mountcmd.ApplyResult
	_ = breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		result = o.mountcmd.Apply(ctx, action)
		if result.Outcome == mountcmd.OutcomeFailure {
			return errFailure
		}
		return nil
	})
	return result
}

var errFailure = &applyFailureError{}

type applyFailureError struct{}

func (*applyFailureError) Error() string { return "mountcmd action failed" }

func (o *Orchestrator) updateLastDesired(plans []planner.MountPlan, outcomes []ActionOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, oc := range outcomes {
		if oc.Action.Kind == reconcile.KindUnmount && oc.Result.Outcome == mountcmd.OutcomeSuccess {
			delete(o.lastDesired, oc.Action.MountPoint)
		}
	}
	for _, p := range plans {
		o.lastDesired[p.MountPoint] = p.Fingerprint
	}
}

func classify(hadBusy, hadFailure bool) Classification {
	switch {
	case hadBusy && hadFailure:
		return ClassificationMixed
	case hadBusy:
		return ClassificationBusy
	case hadFailure:
		return ClassificationFailure
	default:
		return ClassificationSuccess
	}
}
