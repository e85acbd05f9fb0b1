package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSnippetLength is the snippet clip length in characters.
const DefaultSnippetLength = 320

// makeSnippet collapses whitespace and clips text to limit characters
// at a word boundary.
func makeSnippet(text string, limit int) string {
	if limit <= 0 {
		limit = DefaultSnippetLength
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	cut := limit
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		// Single word longer than the limit; hard clip.
		cut = limit
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}

// applyTemplate renders a container snippet template. Supported
// placeholders: {title}, {snippet}, {uri}.
func applyTemplate(template, title, snippet, uri string) string {
	if template == "" {
		return snippet
	}
	r := strings.NewReplacer(
		"{title}", title,
		"{snippet}", snippet,
		"{uri}", uri,
	)
	return r.Replace(template)
}
