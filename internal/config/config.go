// Package config decodes mergefsd's four settings documents
// (settings.yml, manga_equivalents.yml, scene_tags.yml,
// source_priority.yml) into typed structs, modeled on
// objectfs/internal/config.Configuration's YAML-decode-plus-defaults
// shape. The documents are assumed already well-formed by their external
// collaborator; this package only decodes and supplies defaults, except
// for the scene-tag pattern list, which it compiles and validates at
// load time (spec SPEC_FULL §4.13).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mergefsd/mergefsd/pkg/errors"
)

// Settings is the decoded settings.yml document.
type Settings struct {
	MergedRoot      string   `yaml:"merged_root"`
	BranchLinksRoot string   `yaml:"branch_links_root"`
	StateRoot       string   `yaml:"state_root"`
	SourceRoots     []string `yaml:"source_roots"`
	OverrideRoots   []string `yaml:"override_roots"`
	ExcludedSources []string `yaml:"excluded_sources"`

	MergeInterval time.Duration `yaml:"merge_interval"`

	BaseMountOptions            string        `yaml:"base_mount_options"`
	ExpectedFSTypeMarker        string        `yaml:"expected_fstype_marker"`
	BusyRetryBudget             int           `yaml:"busy_retry_budget"`
	ReadinessTimeout            time.Duration `yaml:"readiness_timeout"`
	MaxConsecutiveMountFailures int           `yaml:"max_consecutive_mount_failures"`

	CleanupApplyHighPriority bool `yaml:"cleanup_apply_high_priority"`
	IOClass                  int  `yaml:"io_class"`
	NiceValue                int  `yaml:"nice_value"`
	CleanupForeignOnStartup  bool `yaml:"cleanup_foreign_on_startup"`
	CleanupForeignOnShutdown bool `yaml:"cleanup_foreign_on_shutdown"`

	WatchRoots             []string      `yaml:"watch_roots"`
	WatchRetryDelay        time.Duration `yaml:"watch_retry_delay"`
	WatchMaxRetryDelay     time.Duration `yaml:"watch_max_retry_delay"`

	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	LogLevel          string `yaml:"log_level"`
	MaxFileSizeMB     int    `yaml:"max_file_size_mb"`
	RetainedFileCount int    `yaml:"retained_file_count"`

	// MinFreeSpace is a human-readable threshold ("5GB", "500MB"). It is
	// decoded and defaulted but not read: the merged root's disk-space
	// readiness check uses a fixed 1 GB threshold.
	MinFreeSpace string `yaml:"min_free_space"`
}

func (s *Settings) applyDefaults() {
	if s.MergeInterval <= 0 {
		s.MergeInterval = 5 * time.Minute
	}
	if s.BaseMountOptions == "" {
		s.BaseMountOptions = "allow_other,use_ino,cache.files=partial,dropcacheonclose=true,category.create=mfs"
	}
	if s.ExpectedFSTypeMarker == "" {
		s.ExpectedFSTypeMarker = "fuse.mergerfs"
	}
	if s.BusyRetryBudget <= 0 {
		s.BusyRetryBudget = 3
	}
	if s.ReadinessTimeout <= 0 {
		s.ReadinessTimeout = 5 * time.Second
	}
	if s.MaxConsecutiveMountFailures <= 0 {
		s.MaxConsecutiveMountFailures = 3
	}
	if s.IOClass == 0 {
		s.IOClass = 3 // ionice idle class
	}
	if s.WatchRetryDelay <= 0 {
		s.WatchRetryDelay = 1 * time.Second
	}
	if s.WatchMaxRetryDelay <= 0 {
		s.WatchMaxRetryDelay = 30 * time.Second
	}
	if s.StopTimeoutSeconds <= 0 {
		s.StopTimeoutSeconds = 30
	}
	if s.LogLevel == "" {
		s.LogLevel = "INFO"
	}
	if s.MaxFileSizeMB <= 0 {
		s.MaxFileSizeMB = 50
	}
	if s.RetainedFileCount <= 0 {
		s.RetainedFileCount = 5
	}
	if s.MinFreeSpace == "" {
		s.MinFreeSpace = "1GB"
	}
}

// Validate checks invariants that aren't implied by field zero values.
func (s *Settings) Validate() error {
	if s.MergedRoot == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "settings.merged_root must not be empty")
	}
	if s.BranchLinksRoot == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "settings.branch_links_root must not be empty")
	}
	if s.StateRoot == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "settings.state_root must not be empty")
	}
	if len(s.SourceRoots) == 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "settings.source_roots must not be empty")
	}
	return nil
}

// EquivalenceGroup mirrors one group from manga_equivalents.yml.
type EquivalenceGroup struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// EquivalenceDocument is the decoded manga_equivalents.yml document.
type EquivalenceDocument struct {
	Groups          []EquivalenceGroup `yaml:"groups"`
	ExpandSceneTags bool                `yaml:"expand_scene_tags"`
}

// SceneTagsDocument is the decoded scene_tags.yml document: a list of
// regular-expression patterns describing bracketed/parenthesized scene
// tokens to strip during normalization.
type SceneTagsDocument struct {
	Patterns []string `yaml:"patterns"`
}

// SourcePriorityDocument is the decoded source_priority.yml document:
// source names in descending priority (earliest wins ties).
type SourcePriorityDocument struct {
	Order []string `yaml:"order"`
}

// LoadSettings reads and decodes settings.yml, applying defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to read settings file").
			WithContext("path", path).WithCause(err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to parse settings.yml").
			WithContext("path", path).WithCause(err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadEquivalenceDocument reads and decodes manga_equivalents.yml.
func LoadEquivalenceDocument(path string) (*EquivalenceDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to read equivalence document").
			WithContext("path", path).WithCause(err)
	}
	var doc EquivalenceDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to parse manga_equivalents.yml").
			WithContext("path", path).WithCause(err)
	}
	return &doc, nil
}

// LoadSourcePriorityDocument reads and decodes source_priority.yml.
func LoadSourcePriorityDocument(path string) (*SourcePriorityDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to read source priority document").
			WithContext("path", path).WithCause(err)
	}
	var doc SourcePriorityDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to parse source_priority.yml").
			WithContext("path", path).WithCause(err)
	}
	return &doc, nil
}

// LoadSceneTagPatterns reads scene_tags.yml and compiles every pattern,
// rejecting patterns that don't compile or that match the empty string.
// Anchoring is not checked. All compile and empty-match failures are
// collected into a single ConfigurationConflict error rather than failing
// on the first bad entry.
func LoadSceneTagPatterns(path string) ([]*regexp.Regexp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to read scene tags document").
			WithContext("path", path).WithCause(err)
	}
	var doc SceneTagsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "failed to parse scene_tags.yml").
			WithContext("path", path).WithCause(err)
	}
	return CompileSceneTagPatterns(doc.Patterns)
}

// CompileSceneTagPatterns compiles and validates a raw pattern list.
func CompileSceneTagPatterns(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	var bad []string

	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%q: %v", p, err))
			continue
		}
		if re.MatchString("") {
			bad = append(bad, fmt.Sprintf("%q: matches the empty string", p))
			continue
		}
		compiled = append(compiled, re)
	}

	if len(bad) > 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidScenePattern, "invalid scene tag patterns").
			WithContext("patterns", strings.Join(bad, "; "))
	}
	return compiled, nil
}
