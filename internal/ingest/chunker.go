package ingest

import (
	"strings"
)

// ChunkerConfig bounds chunk sizes.
type ChunkerConfig struct {
	// MaxTokens is the target chunk size in tokens (whitespace words).
	MaxTokens int
	// OverlapPercent is carried between fixed-size chunks (10-15%).
	OverlapPercent int
}

// DefaultChunkerConfig returns the tuned defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxTokens: 600, OverlapPercent: 12}
}

// TextChunk is one chunk of normalized text with byte offsets into the
// normalized document.
type TextChunk struct {
	Text      string
	Heading   string
	StartByte int
	EndByte   int
}

// Chunker splits normalized markdown into retrieval-sized chunks.
// Heading boundaries are preferred; sections that exceed the token
// budget fall back to fixed-size splitting with overlap.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a chunker.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 600
	}
	if cfg.OverlapPercent <= 0 || cfg.OverlapPercent > 50 {
		cfg.OverlapPercent = 12
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text. Empty or whitespace-only input yields no chunks.
func (c *Chunker) Chunk(text string) []TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sections := splitByHeadings(text)
	var out []TextChunk
	for _, s := range sections {
		if countTokens(s.Text) <= c.cfg.MaxTokens {
			if strings.TrimSpace(s.Text) != "" {
				out = append(out, s)
			}
			continue
		}
		out = append(out, c.fixedSplit(s)...)
	}
	return out
}

// section carries text plus its position in the original document.
type headingSection = TextChunk

// splitByHeadings cuts at markdown ATX headings, keeping each heading
// with the body that follows it.
func splitByHeadings(text string) []headingSection {
	lines := strings.SplitAfter(text, "\n")

	var sections []headingSection
	var cur strings.Builder
	curStart := 0
	curHeading := ""
	offset := 0

	flush := func(end int) {
		body := cur.String()
		if strings.TrimSpace(body) != "" {
			sections = append(sections, headingSection{
				Text:      body,
				Heading:   curHeading,
				StartByte: curStart,
				EndByte:   end,
			})
		}
		cur.Reset()
	}

	for _, line := range lines {
		if isHeading(line) && cur.Len() > 0 {
			flush(offset)
			curStart = offset
			curHeading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		} else if isHeading(line) {
			curStart = offset
			curHeading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		}
		cur.WriteString(line)
		offset += len(line)
	}
	flush(offset)

	if len(sections) == 0 {
		return []headingSection{{Text: text, StartByte: 0, EndByte: len(text)}}
	}
	return sections
}

func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	return level <= 6 && level < len(trimmed) && trimmed[level] == ' '
}

// fixedSplit windows an oversized section by token count with the
// configured overlap.
func (c *Chunker) fixedSplit(s headingSection) []TextChunk {
	words := tokenize(s.Text)
	step := c.cfg.MaxTokens - c.cfg.MaxTokens*c.cfg.OverlapPercent/100
	if step <= 0 {
		step = c.cfg.MaxTokens
	}

	var out []TextChunk
	for start := 0; start < len(words); start += step {
		end := start + c.cfg.MaxTokens
		if end > len(words) {
			end = len(words)
		}
		startByte := s.StartByte + words[start].offset
		endByte := s.StartByte + words[end-1].offset + len(words[end-1].text)
		out = append(out, TextChunk{
			Text:      s.Text[words[start].offset : words[end-1].offset+len(words[end-1].text)],
			Heading:   s.Heading,
			StartByte: startByte,
			EndByte:   endByte,
		})
		if end == len(words) {
			break
		}
	}
	return out
}

type token struct {
	text   string
	offset int
}

func tokenize(text string) []token {
	var out []token
	inWord := false
	start := 0
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			inWord = true
			start = i
		}
		if space && inWord {
			inWord = false
			out = append(out, token{text: text[start:i], offset: start})
		}
	}
	if inWord {
		out = append(out, token{text: text[start:], offset: start})
	}
	return out
}

func countTokens(text string) int {
	return len(tokenize(text))
}
