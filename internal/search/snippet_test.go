package search

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMakeSnippet_ShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "short text", makeSnippet("short text", 320))
}

func TestMakeSnippet_CollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", makeSnippet("a\n\n b\t c", 320))
}

func TestMakeSnippet_ClipsAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 100)
	s := makeSnippet(long, 320)

	assert.LessOrEqual(t, utf8.RuneCountInString(s), 321)
	assert.True(t, strings.HasSuffix(s, "…"))
	// No torn word before the ellipsis.
	trimmed := strings.TrimSuffix(s, "…")
	assert.True(t, strings.HasSuffix(trimmed, "word"))
}

func TestMakeSnippet_HardClipsSingleLongWord(t *testing.T) {
	s := makeSnippet(strings.Repeat("x", 500), 320)
	assert.Equal(t, 321, utf8.RuneCountInString(s))
}

func TestMakeSnippet_MultibyteSafe(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 60)
	s := makeSnippet(long, 320)
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, utf8.RuneCountInString(s), 321)
}

func TestApplyTemplate(t *testing.T) {
	got := applyTemplate("{title}: {snippet}", "Girl with a Pearl Earring", "oil on canvas", "file:///x")
	assert.Equal(t, "Girl with a Pearl Earring: oil on canvas", got)

	assert.Equal(t, "plain", applyTemplate("", "t", "plain", "u"))
}
