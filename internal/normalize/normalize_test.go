package normalize

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitleKey(t *testing.T) {
	n := New(nil, nil)

	assert.Equal(t, "mangaalpha", n.NormalizeTitleKey("Manga-Alpha"))
	assert.Equal(t, "themangaalpha", n.NormalizeTitleKey("The Manga Alpha [Official]"))
	assert.Equal(t, "", n.NormalizeTitleKey("---"))
}

func TestNormalizeTitleKeyIdempotent(t *testing.T) {
	n := New(nil, nil)
	once := n.NormalizeTitleKey("The Manga Alpha!!")
	twice := n.NormalizeTitleKey(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeTokenKey(t *testing.T) {
	n := New(nil, nil)
	assert.Equal(t, "the manga alpha", n.NormalizeTokenKey("The_Manga-Alpha!!"))
	assert.Equal(t, "manga alpha", n.NormalizeTokenKey("  Manga   Alpha  "))
}

func TestNormalizeTokenKeyIdempotent(t *testing.T) {
	n := New(nil, nil)
	once := n.NormalizeTokenKey("The Manga Alpha [Official]")
	twice := n.NormalizeTokenKey(once)
	assert.Equal(t, once, twice)
}

func TestStripSceneTags(t *testing.T) {
	tags := []*regexp.Regexp{
		regexp.MustCompile(`\[[^\]]*\]`),
		regexp.MustCompile(`\([^)]*\)`),
	}
	n := New(nil, tags)

	assert.Equal(t, "The Manga Alpha", n.StripSceneTags("The Manga Alpha [Official]"))
	assert.Equal(t, "Manga Alpha", n.StripSceneTags("Manga Alpha (Color)"))
	assert.Equal(t, "Manga Alpha", n.StripSceneTags("[Scan] Manga Alpha (Color) [v2]"))
}

func TestCacheIsUsedOnRepeatedCalls(t *testing.T) {
	n := New(nil, nil)
	n.NormalizeTitleKey("Repeat Me")
	n.NormalizeTitleKey("Repeat Me")

	keyStats, _ := n.CacheStats()
	assert.Equal(t, uint64(1), keyStats.Hits)
	assert.Equal(t, uint64(1), keyStats.Misses)
}
