package stager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergefsd/mergefsd/internal/planner"
)

func makePlan(t *testing.T, fingerprint string, branchDirs ...string) planner.MountPlan {
	t.Helper()
	branches := make([]planner.BranchEntry, len(branchDirs))
	for i, d := range branchDirs {
		require.NoError(t, os.MkdirAll(d, 0o755))
		branches[i] = planner.BranchEntry{SourcePath: d, SourceName: filepath.Base(d)}
	}
	return planner.MountPlan{CanonicalName: "X", MountPoint: "/merged/X", Branches: branches, Fingerprint: fingerprint}
}

func TestStageCreatesNumberedLinks(t *testing.T) {
	root := t.TempDir()
	libRoot := t.TempDir()
	s := New(root)

	plan := makePlan(t, "abc123", filepath.Join(libRoot, "diskA"), filepath.Join(libRoot, "diskB"))
	warnings := s.Stage(plan)
	require.Empty(t, warnings)

	entries, err := os.ReadDir(s.StagingDir(plan))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Name(), "000_")
	assert.Contains(t, entries[1].Name(), "001_")
}

func TestStageIsIdempotent(t *testing.T) {
	root := t.TempDir()
	libRoot := t.TempDir()
	s := New(root)
	plan := makePlan(t, "abc123", filepath.Join(libRoot, "diskA"))

	require.Empty(t, s.Stage(plan))
	require.Empty(t, s.Stage(plan))

	entries, err := os.ReadDir(s.StagingDir(plan))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStageRemovesStaleLinks(t *testing.T) {
	root := t.TempDir()
	libRoot := t.TempDir()
	s := New(root)

	plan := makePlan(t, "abc123", filepath.Join(libRoot, "diskA"), filepath.Join(libRoot, "diskB"))
	require.Empty(t, s.Stage(plan))

	shrunk := makePlan(t, "abc123", filepath.Join(libRoot, "diskA"))
	require.Empty(t, s.Stage(shrunk))

	entries, err := os.ReadDir(s.StagingDir(plan))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveStaleDropsUnreferencedFingerprints(t *testing.T) {
	root := t.TempDir()
	libRoot := t.TempDir()
	s := New(root)

	plan := makePlan(t, "fp1", filepath.Join(libRoot, "diskA"))
	require.Empty(t, s.Stage(plan))

	s.RemoveStale(map[string]bool{})

	_, err := os.Stat(s.StagingDir(plan))
	assert.True(t, os.IsNotExist(err))
}

func TestBranchesCSVIsColonJoinedInOrder(t *testing.T) {
	root := t.TempDir()
	libRoot := t.TempDir()
	s := New(root)
	plan := makePlan(t, "fp1", filepath.Join(libRoot, "diskA"), filepath.Join(libRoot, "diskB"))
	require.Empty(t, s.Stage(plan))

	csv := s.BranchesCSV(plan)
	assert.Contains(t, csv, ":")
	assert.Contains(t, csv, "000_diskA")
	assert.Contains(t, csv, "001_diskB")
}
