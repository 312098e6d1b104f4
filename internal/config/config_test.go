package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSettingsAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yml", `
merged_root: /merged
branch_links_root: /state/.mergerfs-branches
state_root: /state
source_roots:
  - /srv/source1
  - /srv/source2
`)

	settings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "/merged", settings.MergedRoot)
	assert.Equal(t, 3, settings.BusyRetryBudget)
	assert.Equal(t, "fuse.mergerfs", settings.ExpectedFSTypeMarker)
	assert.Equal(t, 3, settings.MaxConsecutiveMountFailures)
	assert.Equal(t, 30, settings.StopTimeoutSeconds)
}

func TestLoadSettingsRejectsMissingMergedRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yml", `
branch_links_root: /state/.mergerfs-branches
state_root: /state
source_roots: ["/srv/source1"]
`)

	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadEquivalenceDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "manga_equivalents.yml", `
expand_scene_tags: true
groups:
  - canonical: "One Piece"
    aliases: ["OnePiece", "ワンピース"]
`)

	doc, err := LoadEquivalenceDocument(path)
	require.NoError(t, err)
	require.Len(t, doc.Groups, 1)
	assert.Equal(t, "One Piece", doc.Groups[0].Canonical)
	assert.True(t, doc.ExpandSceneTags)
}

func TestLoadSourcePriorityDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "source_priority.yml", `
order:
  - scanlation-a
  - scanlation-b
`)

	doc, err := LoadSourcePriorityDocument(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"scanlation-a", "scanlation-b"}, doc.Order)
}

func TestCompileSceneTagPatternsRejectsInvalidRegex(t *testing.T) {
	_, err := CompileSceneTagPatterns([]string{`\[([^]]+`})
	assert.Error(t, err)
}

func TestCompileSceneTagPatternsRejectsEmptyMatch(t *testing.T) {
	_, err := CompileSceneTagPatterns([]string{`.*`})
	assert.Error(t, err)
}

func TestCompileSceneTagPatternsAcceptsValidBracketPattern(t *testing.T) {
	patterns, err := CompileSceneTagPatterns([]string{`\[[^\]]+\]`, `\([^)]+\)`})
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}

func TestLoadSceneTagPatternsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scene_tags.yml", `
patterns:
  - "\\[[^\\]]+\\]"
`)

	patterns, err := LoadSceneTagPatterns(path)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].MatchString("[Group] Title"))
}
