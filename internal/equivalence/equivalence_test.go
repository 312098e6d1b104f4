package equivalence

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergefsd/mergefsd/internal/normalize"
)

func TestResolveAlias(t *testing.T) {
	n := normalize.New(nil, nil)
	svc, err := New(n, []Group{
		{Canonical: "Manga Alpha", Aliases: []string{"The Manga Alpha"}},
	}, false)
	require.NoError(t, err)

	canonical, ok := svc.TryResolveCanonical("Manga-Alpha")
	assert.True(t, ok)
	assert.Equal(t, "Manga Alpha", canonical)

	canonical, ok = svc.TryResolveCanonical("The Manga Alpha")
	assert.True(t, ok)
	assert.Equal(t, "Manga Alpha", canonical)
}

func TestResolveUnknownReturnsFalse(t *testing.T) {
	n := normalize.New(nil, nil)
	svc, err := New(n, nil, false)
	require.NoError(t, err)

	_, ok := svc.TryResolveCanonical("Nothing Like This")
	assert.False(t, ok)
}

func TestEmptyNormalizedKeyReturnsFalse(t *testing.T) {
	n := normalize.New(nil, nil)
	svc, err := New(n, []Group{{Canonical: "X", Aliases: nil}}, false)
	require.NoError(t, err)

	_, ok := svc.TryResolveCanonical("---")
	assert.False(t, ok)
}

func TestConflictingAliasFailsConstruction(t *testing.T) {
	n := normalize.New(nil, nil)
	_, err := New(n, []Group{
		{Canonical: "A", Aliases: []string{"x"}},
		{Canonical: "B", Aliases: []string{"x"}},
	}, false)
	require.Error(t, err)
}

func TestDuplicateCanonicalFailsConstruction(t *testing.T) {
	n := normalize.New(nil, nil)
	_, err := New(n, []Group{
		{Canonical: "Manga Alpha"},
		{Canonical: "manga-alpha"},
	}, false)
	require.Error(t, err)
}

func TestSceneTagExpansion(t *testing.T) {
	tags := []*regexp.Regexp{regexp.MustCompile(`\[[^\]]*\]`)}
	n := normalize.New(nil, tags)
	svc, err := New(n, []Group{
		{Canonical: "Manga Alpha", Aliases: []string{"Manga Alpha [Official]"}},
	}, true)
	require.NoError(t, err)

	canonical, ok := svc.TryResolveCanonical("Manga Alpha")
	assert.True(t, ok)
	assert.Equal(t, "Manga Alpha", canonical)
}
