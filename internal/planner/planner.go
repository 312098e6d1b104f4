// Package planner implements BranchPlanner (spec §4.5): it walks
// discovered volumes, groups titles by canonical key via the equivalence
// service, and produces the desired MountPlan for every title — the
// ordered branch list, mountpoint path, and mount-source fingerprint that
// ReconciliationPlanner compares against the live mount snapshot.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mergefsd/mergefsd/internal/discovery"
	"github.com/mergefsd/mergefsd/internal/equivalence"
	"github.com/mergefsd/mergefsd/internal/priority"
)

// BranchEntry is one contributing directory for a canonical group (spec
// §3 BranchEntry).
type BranchEntry struct {
	SourcePath string
	SourceName string
	Priority   int
	IsOverride bool
}

// MountPlan is the desired state for one canonical title (spec §3
// MountPlan): its mountpoint, ordered branches, and fingerprint.
type MountPlan struct {
	CanonicalName string
	MountPoint    string
	Branches      []BranchEntry
	Fingerprint   string
}

// BranchPaths returns the ordered list of absolute branch source paths.
func (p MountPlan) BranchPaths() []string {
	paths := make([]string, len(p.Branches))
	for i, b := range p.Branches {
		paths[i] = b.SourcePath
	}
	return paths
}

// Fingerprint computes the mount-source fingerprint of spec §3: the first
// 16 hex characters of SHA-256 over the ordered branch paths joined by
// "\n". It is a pure function of the ordered tuple only — permuting the
// branch list changes the fingerprint.
func Fingerprint(branchPaths []string) string {
	sum := sha256.Sum256([]byte(strings.Join(branchPaths, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

var reservedMountNames = map[string]bool{
	".": true, "..": true, "": true,
}

var pathSeparatorReplacer = strings.NewReplacer("/", "_", string(filepath.Separator), "_")

// SanitizeMountName derives the sanitized on-disk name used in a
// mountpoint path from a canonical display name (spec §4.5 step 5): trim,
// replace path separators with "_", collapse whitespace. If the result is
// a reserved name or collides with used, a `~<hash>` suffix (the same
// fingerprint primitive, over the raw canonical name) is appended so a
// human can still recognize the original title (spec §4.12).
func SanitizeMountName(canonical string, used map[string]bool) string {
	trimmed := strings.TrimSpace(canonical)
	replaced := pathSeparatorReplacer.Replace(trimmed)
	collapsed := strings.Join(strings.Fields(replaced), " ")

	name := collapsed
	if reservedMountNames[name] || used[name] {
		sum := sha256.Sum256([]byte(canonical))
		name = fmt.Sprintf("%s~%s", collapsed, hex.EncodeToString(sum[:])[:8])
	}
	return name
}

// Config configures the BranchPlanner.
type Config struct {
	MergedRoot     string
	ExcludedSources map[string]bool // normalized (lowercase) source names to skip
}

// Planner is the BranchPlanner.
type Planner struct {
	equivalence *equivalence.Service
	priority    *priority.Service
	config      Config
}

// New creates a Planner.
func New(eq *equivalence.Service, pri *priority.Service, config Config) *Planner {
	if config.ExcludedSources == nil {
		config.ExcludedSources = map[string]bool{}
	}
	return &Planner{equivalence: eq, priority: pri, config: config}
}

// rawTitle is one discovered directory, prior to grouping.
type rawTitle struct {
	sourceName string
	sourcePath string
	rawName    string
	isOverride bool
}

// Plan walks volumes (as returned by discovery.Discovery.Discover),
// groups their titles by canonical key, and returns a deterministic,
// fully ordered MountPlan list. The same input volumes (in any order)
// always yield the same output — this is the determinism property spec
// §8 requires.
func (p *Planner) Plan(volumes []discovery.Volume) ([]MountPlan, []discovery.Warning) {
	var warnings []discovery.Warning
	groups := make(map[string][]rawTitle) // canonical key -> raw titles

	for _, vol := range volumes {
		if p.config.ExcludedSources[strings.ToLower(vol.Name)] {
			continue
		}
		titles, ws := listTitles(vol)
		warnings = append(warnings, ws...)

		for _, t := range titles {
			key := p.canonicalKey(t.rawName)
			groups[key] = append(groups[key], t)
		}
	}

	plans := make([]MountPlan, 0, len(groups))
	usedNames := make(map[string]bool, len(groups))

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		titles := groups[key]
		plan := p.buildPlan(key, titles, usedNames)
		usedNames[filepath.Base(plan.MountPoint)] = true
		plans = append(plans, plan)
	}

	return plans, warnings
}

func (p *Planner) canonicalKey(raw string) string {
	if canonical, ok := p.equivalence.TryResolveCanonical(raw); ok {
		return canonical
	}
	return p.equivalence.NormalizeKey(raw)
}

func (p *Planner) displayName(key string, titles []rawTitle) string {
	// A grouped canonical's own key always resolves back to itself
	// (registered at construction). Ungrouped titles have no canonical
	// entry, so fall back to the lexicographically first raw title for
	// determinism.
	if canonical, ok := p.equivalence.TryResolveCanonical(key); ok {
		return canonical
	}
	names := make([]string, len(titles))
	for i, t := range titles {
		names[i] = t.rawName
	}
	sort.Strings(names)
	return names[0]
}

func (p *Planner) buildPlan(key string, titles []rawTitle, usedNames map[string]bool) MountPlan {
	display := p.displayName(key, titles)

	branches := make([]BranchEntry, 0, len(titles))
	for _, t := range titles {
		branches = append(branches, BranchEntry{
			SourcePath: t.sourcePath,
			SourceName: t.sourceName,
			Priority:   p.priority.GetPriorityOrDefault(t.sourceName, int(^uint(0)>>1)),
			IsOverride: t.isOverride,
		})
	}
	sortBranches(branches)

	mountName := SanitizeMountName(display, usedNames)
	branchPaths := make([]string, len(branches))
	for i, b := range branches {
		branchPaths[i] = b.SourcePath
	}

	return MountPlan{
		CanonicalName: display,
		MountPoint:    filepath.Join(p.config.MergedRoot, mountName),
		Branches:      branches,
		Fingerprint:   Fingerprint(branchPaths),
	}
}

// sortBranches sorts in place by the composite key spec §3 mandates:
// override-first, then ascending priority rank, then source name
// (ordinal), then path (ordinal).
func sortBranches(branches []BranchEntry) {
	sort.Slice(branches, func(i, j int) bool {
		a, b := branches[i], branches[j]
		if a.IsOverride != b.IsOverride {
			return a.IsOverride // overrides sort first
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.SourceName != b.SourceName {
			return a.SourceName < b.SourceName
		}
		return a.SourcePath < b.SourcePath
	})
}

func listTitles(vol discovery.Volume) ([]rawTitle, []discovery.Warning) {
	entries, warnings := discovery.New([]string{vol.Path}, nil).Discover()
	titles := make([]rawTitle, 0, len(entries))
	for _, e := range entries {
		titles = append(titles, rawTitle{
			sourceName: vol.Name,
			sourcePath: e.Path,
			rawName:    e.Name,
			isOverride: vol.IsOverride,
		})
	}
	return titles, warnings
}

// sceneTagPattern is the built-in bracket/paren scene-tag pattern,
// reachable through DefaultSceneTagPattern. internal/config does not use it.
var sceneTagPattern = regexp.MustCompile(`[\[(][^])]*[\])]`)

// DefaultSceneTagPattern returns the built-in bracket/paren scene-tag
// pattern. The daemon does not call it: when scene_tags.yml lists no
// patterns, the normalizer gets none.
func DefaultSceneTagPattern() *regexp.Regexp { return sceneTagPattern }
