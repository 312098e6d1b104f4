package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mergefsd/mergefsd/internal/mountcmd"
	"github.com/mergefsd/mergefsd/internal/planner"
	"github.com/mergefsd/mergefsd/internal/reconcile"
	"github.com/mergefsd/mergefsd/pkg/status"
)

func TestClassifySuccess(t *testing.T) {
	assert.Equal(t, ClassificationSuccess, classify(false, false))
}

func TestClassifyBusyOnly(t *testing.T) {
	assert.Equal(t, ClassificationBusy, classify(true, false))
}

func TestClassifyFailureOnly(t *testing.T) {
	assert.Equal(t, ClassificationFailure, classify(false, true))
}

func TestClassifyMixedWhenBothOccur(t *testing.T) {
	assert.Equal(t, ClassificationMixed, classify(true, true))
}

func TestLastDesiredReturnsDefensiveCopy(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	o.lastDesired["/merged/Alpha"] = "fp1"

	snap := o.LastDesired()
	snap["/merged/Alpha"] = "tampered"

	assert.Equal(t, "fp1", o.lastDesired["/merged/Alpha"])
}

func TestUpdateLastDesiredRecordsAppliedPlans(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	plans := []planner.MountPlan{{MountPoint: "/merged/Alpha", Fingerprint: "fp1"}}

	o.updateLastDesired(plans, nil)

	assert.Equal(t, "fp1", o.lastDesired["/merged/Alpha"])
}

func TestUpdateLastDesiredForgetsSuccessfulUnmount(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	o.lastDesired["/merged/Gone"] = "fp-old"

	outcomes := []ActionOutcome{
		{
			Action: reconcile.Action{Kind: reconcile.KindUnmount, MountPoint: "/merged/Gone", Reason: reconcile.ReasonOrphaned},
			Result: mountcmd.ApplyResult{Outcome: mountcmd.OutcomeSuccess},
		},
	}

	o.updateLastDesired(nil, outcomes)

	_, stillTracked := o.lastDesired["/merged/Gone"]
	assert.False(t, stillTracked)
}

func TestUpdateLastDesiredKeepsOrphanOnFailedUnmount(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	o.lastDesired["/merged/Gone"] = "fp-old"

	outcomes := []ActionOutcome{
		{
			Action: reconcile.Action{Kind: reconcile.KindUnmount, MountPoint: "/merged/Gone", Reason: reconcile.ReasonOrphaned},
			Result: mountcmd.ApplyResult{Outcome: mountcmd.OutcomeBusy},
		},
	}

	o.updateLastDesired(nil, outcomes)

	assert.Equal(t, "fp-old", o.lastDesired["/merged/Gone"])
}

func TestNewDefaultsFastFailThreshold(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	assert.Equal(t, 3, o.config.MaxConsecutiveMountFailures)
}

func TestNewDefaultsPathComparer(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	assert.NotNil(t, o.config.PathComparer)
	assert.True(t, o.config.PathComparer("/merged/Alpha", "/merged/Alpha"))
}

func TestReportPhaseNoopWithoutTracker(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	assert.NotPanics(t, func() { o.reportPhase("op-1", "discover") })
}

func TestReportPhaseNoopWithoutOpID(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	tracker := status.NewTracker(status.DefaultTrackerConfig())
	o.SetStatusTracker(tracker)
	assert.NotPanics(t, func() { o.reportPhase("", "discover") })
}

func TestReportPhaseAdvancesTrackedOperation(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	tracker := status.NewTracker(status.DefaultTrackerConfig())
	o.SetStatusTracker(tracker)

	op, _ := tracker.StartOperation(context.Background(), "merge_pass", nil)

	o.reportPhase(op.ID, "discover")
	o.reportPhase(op.ID, "stage")

	got, err := tracker.GetOperation(op.ID)
	assert.NoError(t, err)
	assert.NotNil(t, got.Progress)
	assert.Equal(t, "stage", got.Progress.Phase)
}
