// Package equivalence implements the EquivalenceService of spec §4.3: it
// maps a raw discovered title to the canonical display name chosen to
// represent its group, built from a {canonical, aliases[]} table plus the
// title normalizer.
package equivalence

import (
	"fmt"

	mferrors "github.com/mergefsd/mergefsd/pkg/errors"
	"github.com/mergefsd/mergefsd/internal/normalize"
)

// Group is one canonical-title definition as decoded from
// manga_equivalents.yml.
type Group struct {
	Canonical string
	Aliases   []string
}

// Service resolves raw titles to canonical display names.
type Service struct {
	normalizer *normalize.Normalizer
	// keyToCanonical maps a normalized title key to its canonical display
	// name. Populated from both canonicals and aliases (and, when a
	// matcher is configured, scene-tag-stripped variants of both).
	keyToCanonical map[string]string
}

// New builds a Service from groups, asserting the disjointness invariants
// of spec §4.3 at construction: no two canonicals may normalize to the
// same key, and no alias may resolve to two different canonicals.
// expandSceneTags, when true, also registers the scene-tag-stripped
// variant of every canonical and alias.
func New(normalizer *normalize.Normalizer, groups []Group, expandSceneTags bool) (*Service, error) {
	svc := &Service{
		normalizer:     normalizer,
		keyToCanonical: make(map[string]string),
	}

	canonicalKeys := make(map[string]string) // key -> canonical, for duplicate-canonical detection

	for _, g := range groups {
		canonKey := normalizer.NormalizeTitleKey(g.Canonical)
		if canonKey == "" {
			continue
		}
		if existing, ok := canonicalKeys[canonKey]; ok && existing != g.Canonical {
			return nil, mferrors.NewError(mferrors.ErrCodeDuplicateCanonical,
				fmt.Sprintf("canonicals %q and %q normalize to the same key %q", existing, g.Canonical, canonKey)).
				WithComponent("equivalence").WithContext("key", canonKey)
		}
		canonicalKeys[canonKey] = g.Canonical

		if err := svc.register(canonKey, g.Canonical); err != nil {
			return nil, err
		}

		variants := []string{g.Canonical}
		variants = append(variants, g.Aliases...)
		for _, alias := range variants {
			aliasKey := normalizer.NormalizeTitleKey(alias)
			if aliasKey == "" {
				continue
			}
			if err := svc.register(aliasKey, g.Canonical); err != nil {
				return nil, err
			}
			if expandSceneTags {
				stripped := normalizer.StripSceneTags(alias)
				strippedKey := normalizer.NormalizeTitleKey(stripped)
				if strippedKey != "" && strippedKey != aliasKey {
					if err := svc.register(strippedKey, g.Canonical); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	return svc, nil
}

func (s *Service) register(key, canonical string) error {
	if existing, ok := s.keyToCanonical[key]; ok && existing != canonical {
		return mferrors.NewError(mferrors.ErrCodeConflictingAlias,
			fmt.Sprintf("normalized key %q resolves to both %q and %q", key, existing, canonical)).
			WithComponent("equivalence").WithContext("key", key)
	}
	s.keyToCanonical[key] = canonical
	return nil
}

// TryResolveCanonical returns the canonical display name for raw, and
// whether it was found. An empty normalized key always returns false.
func (s *Service) TryResolveCanonical(raw string) (string, bool) {
	key := s.normalizer.NormalizeTitleKey(raw)
	if key == "" {
		return "", false
	}
	canonical, ok := s.keyToCanonical[key]
	return canonical, ok
}

// NormalizeKey exposes the underlying normalizer's title key for BranchPlanner's
// ungrouped-title fallback (spec §4.5 step 3: "ungrouped titles keep their
// normalized raw title as the key").
func (s *Service) NormalizeKey(raw string) string {
	return s.normalizer.NormalizeTitleKey(raw)
}
