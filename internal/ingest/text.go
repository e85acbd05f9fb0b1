package ingest

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/latentlabs/llc/internal/store"
)

// TextPipeline handles plain text and markdown sources. The raw bytes
// are treated as the normalized form directly.
type TextPipeline struct {
	chunker *Chunker
}

// NewTextPipeline creates the pipeline.
func NewTextPipeline(cfg ChunkerConfig) *TextPipeline {
	return &TextPipeline{chunker: NewChunker(cfg)}
}

// Modality returns text.
func (p *TextPipeline) Modality() store.Modality { return store.ModalityText }

// Extract chunks the text by headings with a fixed-size fallback.
func (p *TextPipeline) Extract(ctx context.Context, src Source, raw []byte, containerID, documentID string) (*Extraction, error) {
	normalized := string(raw)
	title := src.Title
	if title == "" {
		title = titleFromText(normalized, src.URI)
	}

	chunks := p.chunker.Chunk(normalized)
	out := &Extraction{Title: title, Normalized: normalized}
	for _, c := range chunks {
		out.Chunks = append(out.Chunks, ExtractedChunk{
			Modality:  store.ModalityText,
			Text:      c.Text,
			Heading:   c.Heading,
			StartByte: c.StartByte,
			EndByte:   c.EndByte,
		})
	}
	return out, nil
}

// titleFromText prefers the first markdown heading, then the filename.
func titleFromText(text, uri string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			break
		}
	}
	base := filepath.Base(uri)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
