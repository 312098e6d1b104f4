// Package stager implements BranchLinkStager (spec §4.6): for each
// MountPlan it materializes a per-fingerprint directory of numbered
// symlinks, one per branch, whose ordering is the `branches=` argument
// mergerfs receives as its search order.
package stager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mergefsd/mergefsd/internal/planner"
)

// Warning is a non-fatal staging problem; spec §4.6 says staging failures
// are returned as warnings, not exceptions, so the orchestrator can
// continue (mergerfs start may then fail and be classified Failure).
type Warning struct {
	Code    string
	Message string
	Path    string
}

const (
	// WarnLinkCreateFailed fires when a staging symlink could not be
	// created or replaced.
	WarnLinkCreateFailed = "STAGE-001"
	// WarnLinkRemoveFailed fires when a stale staging symlink could not
	// be removed.
	WarnLinkRemoveFailed = "STAGE-002"
	// WarnStagingDirFailed fires when the per-fingerprint directory
	// itself could not be created.
	WarnStagingDirFailed = "STAGE-003"
)

// Stager materializes branch-link staging directories under root.
type Stager struct {
	root string
}

// New creates a Stager rooted at branchLinksRoot
// (`<state_root>/.mergerfs-branches`, spec §6).
func New(branchLinksRoot string) *Stager {
	return &Stager{root: branchLinksRoot}
}

// StagingDir returns the directory holding plan's numbered branch
// symlinks: `<root>/<fingerprint>/`.
func (s *Stager) StagingDir(plan planner.MountPlan) string {
	return filepath.Join(s.root, plan.Fingerprint)
}

// Stage ensures plan's staging directory contains exactly one correctly
// targeted symlink per branch, in branch order, creating, replacing, or
// removing links as needed. All operations are idempotent: calling Stage
// twice with the same plan is a no-op the second time.
func (s *Stager) Stage(plan planner.MountPlan) []Warning {
	var warnings []Warning
	dir := s.StagingDir(plan)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return []Warning{{Code: WarnStagingDirFailed, Message: err.Error(), Path: dir}}
	}

	wantedNames := make(map[string]bool, len(plan.Branches))
	for i, b := range plan.Branches {
		linkName := fmt.Sprintf("%03d_%s", i, sanitizeSourceName(b.SourceName))
		wantedNames[linkName] = true

		linkPath := filepath.Join(dir, linkName)
		if needsUpdate(linkPath, b.SourcePath) {
			_ = os.Remove(linkPath)
			if err := os.Symlink(b.SourcePath, linkPath); err != nil {
				warnings = append(warnings, Warning{Code: WarnLinkCreateFailed, Message: err.Error(), Path: linkPath})
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		warnings = append(warnings, Warning{Code: WarnStagingDirFailed, Message: err.Error(), Path: dir})
		return warnings
	}
	for _, e := range entries {
		if wantedNames[e.Name()] {
			continue
		}
		stale := filepath.Join(dir, e.Name())
		if err := os.Remove(stale); err != nil {
			warnings = append(warnings, Warning{Code: WarnLinkRemoveFailed, Message: err.Error(), Path: stale})
		}
	}

	return warnings
}

// RemoveStale removes the staging directories under root whose
// fingerprint is no longer present in activeFingerprints. The
// orchestrator does not call it: a merge pass leaves the staging
// directories of superseded fingerprints in place.
func (s *Stager) RemoveStale(activeFingerprints map[string]bool) []Warning {
	var warnings []Warning

	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return []Warning{{Code: WarnStagingDirFailed, Message: err.Error(), Path: s.root}}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if activeFingerprints[name] {
			continue
		}
		dir := filepath.Join(s.root, name)
		if err := os.RemoveAll(dir); err != nil {
			warnings = append(warnings, Warning{Code: WarnLinkRemoveFailed, Message: err.Error(), Path: dir})
		}
	}
	return warnings
}

// BranchesCSV returns the colon-joined staging symlink paths in branch
// order — the literal `branches=` value passed to mergerfs (spec §4.6,
// §4.8).
func (s *Stager) BranchesCSV(plan planner.MountPlan) string {
	dir := s.StagingDir(plan)
	paths := make([]string, len(plan.Branches))
	for i, b := range plan.Branches {
		paths[i] = filepath.Join(dir, fmt.Sprintf("%03d_%s", i, sanitizeSourceName(b.SourceName)))
	}
	return strings.Join(paths, ":")
}

func needsUpdate(linkPath, wantTarget string) bool {
	got, err := os.Readlink(linkPath)
	if err != nil {
		return true
	}
	return got != wantTarget
}

func sanitizeSourceName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(name)
}
