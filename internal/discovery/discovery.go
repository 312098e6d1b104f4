// Package discovery implements VolumeDiscovery (spec §4.5): enumerates
// the direct-child directories of the configured source and override
// roots, each child being one named "volume" a source contributes.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
)

// Volume is one discovered direct-child directory of a root, named after
// its own basename (the source name for a source-root volume).
type Volume struct {
	Name       string
	Path       string
	IsOverride bool
}

// Warning is a non-fatal discovery problem (missing root, unreadable
// directory); spec §4.9 step 2 says these degrade to warnings, never
// failures.
type Warning struct {
	Code    string
	Message string
	Path    string
}

const (
	// WarnMissingRoot fires when a configured root does not exist.
	WarnMissingRoot = "DISCOVERY-001"
	// WarnUnreadableRoot fires when a configured root exists but cannot
	// be listed.
	WarnUnreadableRoot = "DISCOVERY-002"
)

// Discovery enumerates source and override volumes.
type Discovery struct {
	sourceRoots   []string
	overrideRoots []string
}

// New creates a Discovery over the configured source and override root
// paths (each itself a directory whose direct children are volumes).
func New(sourceRoots, overrideRoots []string) *Discovery {
	return &Discovery{sourceRoots: sourceRoots, overrideRoots: overrideRoots}
}

// Discover returns every volume found under the configured roots, sorted
// deterministically by (IsOverride, Path), and any warnings encountered.
// A missing or unreadable root never aborts discovery of the others.
func (d *Discovery) Discover() ([]Volume, []Warning) {
	var volumes []Volume
	var warnings []Warning

	for _, root := range d.sourceRoots {
		vs, ws := listChildren(root, false)
		volumes = append(volumes, vs...)
		warnings = append(warnings, ws...)
	}
	for _, root := range d.overrideRoots {
		vs, ws := listChildren(root, true)
		volumes = append(volumes, vs...)
		warnings = append(warnings, ws...)
	}

	sort.Slice(volumes, func(i, j int) bool {
		if volumes[i].IsOverride != volumes[j].IsOverride {
			return !volumes[i].IsOverride // sources before overrides
		}
		return volumes[i].Path < volumes[j].Path
	})

	return volumes, warnings
}

func listChildren(root string, isOverride bool) ([]Volume, []Warning) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, []Warning{{Code: WarnMissingRoot, Message: "root does not exist", Path: root}}
	}
	if !info.IsDir() {
		return nil, []Warning{{Code: WarnMissingRoot, Message: "root is not a directory", Path: root}}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, []Warning{{Code: WarnUnreadableRoot, Message: err.Error(), Path: root}}
	}

	var volumes []Volume
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		volumes = append(volumes, Volume{
			Name:       e.Name(),
			Path:       filepath.Join(root, e.Name()),
			IsOverride: isOverride,
		})
	}
	return volumes, nil
}
