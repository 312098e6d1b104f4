// Package normalize implements the title normalizer described in spec
// §4.3: it reduces a raw discovered directory name to the compact key
// used to group titles into canonical groups, and to the word-aware
// variant the scene-tag matcher strips bracketed tokens from.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mergefsd/mergefsd/internal/cache"
)

// Normalizer produces cached, idempotent normalized forms of a raw title.
type Normalizer struct {
	keyCache   *cache.StringLRU
	tokenCache *cache.StringLRU
	sceneTags  []*regexp.Regexp
}

// Config configures the normalizer's caches.
type Config struct {
	KeyCache   *cache.Config
	TokenCache *cache.Config
}

// New creates a Normalizer. sceneTagPatterns are compiled regexes matching
// bracketed scene-tag tokens (e.g. `\[[^\]]*\]`, `\([^)]*\)`); they come
// from the already-validated scene_tags.yml collaborator (spec §6).
func New(config *Config, sceneTags []*regexp.Regexp) *Normalizer {
	if config == nil {
		config = &Config{}
	}
	return &Normalizer{
		keyCache:   cache.NewStringLRU(config.KeyCache),
		tokenCache: cache.NewStringLRU(config.TokenCache),
		sceneTags:  sceneTags,
	}
}

// NormalizeTitleKey lowercases s and keeps only Unicode letters and
// digits, producing the compact key used for canonical grouping. It is
// idempotent: NormalizeTitleKey(NormalizeTitleKey(s)) == NormalizeTitleKey(s).
func (n *Normalizer) NormalizeTitleKey(s string) string {
	if v, ok := n.keyCache.Get(s); ok {
		return v
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	key := b.String()
	n.keyCache.Put(s, key)
	return key
}

// NormalizeTokenKey lowercases s and keeps letters, digits, and single
// spaces as word separators, collapsing runs of non-word characters to a
// single space and trimming the result. It is idempotent.
func (n *Normalizer) NormalizeTokenKey(s string) string {
	if v, ok := n.tokenCache.Get(s); ok {
		return v
	}
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := true // suppress leading space
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		default:
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
		}
	}
	key := strings.TrimRight(b.String(), " ")
	n.tokenCache.Put(s, key)
	return key
}

// StripSceneTags removes bracketed scene-tag tokens (e.g. "[Official]",
// "(Color)") from s using the configured pattern set, then collapses
// whitespace. Used by EquivalenceService to expand an alias into the
// additional normalized variants spec §4.3 describes for matcher-aware
// lookup.
func (n *Normalizer) StripSceneTags(s string) string {
	out := s
	for _, re := range n.sceneTags {
		out = re.ReplaceAllString(out, " ")
	}
	return strings.Join(strings.Fields(out), " ")
}

// CacheStats returns the hit-rate statistics for both internal caches.
// The metrics collector does not read them.
func (n *Normalizer) CacheStats() (keyStats, tokenStats cache.Stats) {
	return n.keyCache.Stats(), n.tokenCache.Stats()
}
