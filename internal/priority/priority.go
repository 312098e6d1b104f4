// Package priority implements the SourcePriorityService of spec §4.4:
// lower rank means higher priority, derived from a source's position in
// an ordered name list decoded from source_priority.yml.
package priority

import (
	"fmt"
	"strings"

	mferrors "github.com/mergefsd/mergefsd/pkg/errors"
)

// Service returns a priority rank for a configured source name.
type Service struct {
	ranks map[string]int
}

// New builds a Service from an ordered list of source names; index in the
// list becomes the rank (0 = highest priority). Construction fails if two
// entries normalize (case-folded, trimmed) to the same name.
func New(orderedSourceNames []string) (*Service, error) {
	ranks := make(map[string]int, len(orderedSourceNames))
	for i, name := range orderedSourceNames {
		key := normalize(name)
		if _, exists := ranks[key]; exists {
			return nil, mferrors.NewError(mferrors.ErrCodeDuplicatePriority,
				fmt.Sprintf("source %q appears more than once in source_priority", name)).
				WithComponent("priority").WithContext("source", name)
		}
		ranks[key] = i
	}
	return &Service{ranks: ranks}, nil
}

// TryGetPriority returns the rank for name and whether it was configured.
func (s *Service) TryGetPriority(name string) (int, bool) {
	rank, ok := s.ranks[normalize(name)]
	return rank, ok
}

// GetPriorityOrDefault returns the configured rank, or fallback (commonly
// math.MaxInt32) for unknown sources.
func (s *Service) GetPriorityOrDefault(name string, fallback int) int {
	if rank, ok := s.TryGetPriority(name); ok {
		return rank
	}
	return fallback
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
