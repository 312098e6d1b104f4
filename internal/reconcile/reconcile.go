// Package reconcile implements ReconciliationPlanner (spec §4.7): it
// diffs the desired MountPlan list against the live mount snapshot and
// emits an ordered, deterministic list of actions.
package reconcile

import (
	"sort"
	"strings"

	"github.com/mergefsd/mergefsd/internal/planner"
	"github.com/mergefsd/mergefsd/internal/snapshot"
)

// Kind is the action verb.
type Kind string

const (
	KindMount   Kind = "mount"
	KindRemount Kind = "remount"
	KindUnmount Kind = "unmount"
	KindNoOp    Kind = "noop"
)

// Reason explains why an action was emitted.
type Reason string

const (
	ReasonMissing            Reason = "missing"
	ReasonFingerprintChanged Reason = "fingerprint_changed"
	ReasonBranchOrderChanged Reason = "branch_order_changed"
	ReasonForeign            Reason = "foreign"
	ReasonOrphaned           Reason = "orphaned"
	ReasonHealthCheckFailed  Reason = "health_check_failed"
	ReasonDesired            Reason = "desired"
)

// Action is one emitted reconciliation step (spec §3 ReconciliationAction).
type Action struct {
	Kind       Kind
	MountPoint string
	Reason     Reason
	Plan       *planner.MountPlan // nil for a plain Unmount with no new desired plan
}

// PathComparer compares two mountpoint paths for equality, derived once
// at startup per spec §9 ("case-sensitive on POSIX, case-insensitive on
// Windows").
type PathComparer func(a, b string) bool

// CaseSensitiveComparer is the POSIX path comparer.
func CaseSensitiveComparer(a, b string) bool { return a == b }

// CaseInsensitiveComparer is the Windows path comparer.
func CaseInsensitiveComparer(a, b string) bool { return strings.EqualFold(a, b) }

// Options configures one reconciliation pass.
type Options struct {
	Force             bool
	CleanupForeign    bool // only true during startup/shutdown cleanup, per spec §4.7
	ExpectedFSTypeMarker string // FSTYPE marker of a managed mount; Plan does not read it
	UnhealthyMountPoints map[string]bool // mountpoints a health probe has flagged unhealthy
	MergedRoot        string
	PathComparer      PathComparer
}

// Plan diffs desired against current and the retained lastDesired map
// (mountpoint -> fingerprint of the plan last applied by this daemon),
// returning actions in the deterministic order spec §4.7 mandates:
// unmounts first (deepest path first), then remounts, then mounts
// (ascending mountpoint).
func Plan(desired []planner.MountPlan, current snapshot.Snapshot, lastDesired map[string]string, opts Options) []Action {
	cmp := opts.PathComparer
	if cmp == nil {
		cmp = CaseSensitiveComparer
	}

	currentByPath := make(map[string]snapshot.Entry, len(current.Entries))
	for _, e := range current.Entries {
		currentByPath[e.MountPoint] = e
	}

	desiredByPath := make(map[string]planner.MountPlan, len(desired))
	for _, p := range desired {
		desiredByPath[p.MountPoint] = p
	}

	var mounts, remounts, unmounts, noops []Action

	for _, plan := range desired {
		plan := plan
		entry, exists := findEntry(currentByPath, plan.MountPoint, cmp)
		if !exists {
			mounts = append(mounts, Action{Kind: KindMount, MountPoint: plan.MountPoint, Reason: ReasonMissing, Plan: &plan})
			continue
		}

		if opts.Force {
			remounts = append(remounts, Action{Kind: KindRemount, MountPoint: plan.MountPoint, Reason: ReasonDesired, Plan: &plan})
			continue
		}

		if entry.Source != plan.Fingerprint && !strings.Contains(entry.Source, plan.Fingerprint) {
			remounts = append(remounts, Action{Kind: KindRemount, MountPoint: plan.MountPoint, Reason: ReasonFingerprintChanged, Plan: &plan})
			continue
		}

		if opts.UnhealthyMountPoints[plan.MountPoint] {
			remounts = append(remounts, Action{Kind: KindRemount, MountPoint: plan.MountPoint, Reason: ReasonHealthCheckFailed, Plan: &plan})
			continue
		}

		noops = append(noops, Action{Kind: KindNoOp, MountPoint: plan.MountPoint, Reason: ReasonDesired, Plan: &plan})
	}

	for mountPoint := range lastDesired {
		if _, stillDesired := desiredByPath[mountPoint]; stillDesired {
			continue
		}
		if _, exists := findEntry(currentByPath, mountPoint, cmp); !exists {
			continue // already gone, nothing to unmount
		}
		unmounts = append(unmounts, Action{Kind: KindUnmount, MountPoint: mountPoint, Reason: ReasonOrphaned})
	}

	if opts.CleanupForeign {
		for _, e := range current.Entries {
			if !underMergedRoot(e.MountPoint, opts.MergedRoot) {
				continue
			}
			if _, wasOurs := lastDesired[e.MountPoint]; wasOurs {
				continue
			}
			if _, stillDesired := desiredByPath[e.MountPoint]; stillDesired {
				continue
			}
			unmounts = append(unmounts, Action{Kind: KindUnmount, MountPoint: e.MountPoint, Reason: ReasonForeign})
		}
	}

	sort.Slice(unmounts, func(i, j int) bool {
		return depth(unmounts[i].MountPoint) > depth(unmounts[j].MountPoint) ||
			(depth(unmounts[i].MountPoint) == depth(unmounts[j].MountPoint) && unmounts[i].MountPoint < unmounts[j].MountPoint)
	})
	sort.Slice(remounts, func(i, j int) bool { return remounts[i].MountPoint < remounts[j].MountPoint })
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].MountPoint < mounts[j].MountPoint })
	sort.Slice(noops, func(i, j int) bool { return noops[i].MountPoint < noops[j].MountPoint })

	actions := make([]Action, 0, len(unmounts)+len(remounts)+len(mounts)+len(noops))
	actions = append(actions, unmounts...)
	actions = append(actions, remounts...)
	actions = append(actions, mounts...)
	actions = append(actions, noops...)
	return actions
}

func findEntry(byPath map[string]snapshot.Entry, mountPoint string, cmp PathComparer) (snapshot.Entry, bool) {
	if e, ok := byPath[mountPoint]; ok {
		return e, true
	}
	for path, e := range byPath {
		if cmp(path, mountPoint) {
			return e, true
		}
	}
	return snapshot.Entry{}, false
}

func underMergedRoot(path, mergedRoot string) bool {
	if mergedRoot == "" {
		return false
	}
	return strings.HasPrefix(path, strings.TrimRight(mergedRoot, "/")+"/")
}

func depth(path string) int {
	return strings.Count(strings.Trim(path, "/"), "/")
}
