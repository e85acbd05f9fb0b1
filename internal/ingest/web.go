package ingest

import (
	"bytes"
	"context"
	"net/url"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// WebPipeline extracts the main content of an HTML page (dropping
// navigation, ads, and boilerplate), converts it to markdown, and
// chunks it like text.
type WebPipeline struct {
	chunker *Chunker
}

// NewWebPipeline creates the pipeline.
func NewWebPipeline(cfg ChunkerConfig) *WebPipeline {
	return &WebPipeline{chunker: NewChunker(cfg)}
}

// Modality returns web.
func (p *WebPipeline) Modality() store.Modality { return store.ModalityWeb }

// Extract runs readability extraction and markdown conversion on the
// fetched HTML.
func (p *WebPipeline) Extract(ctx context.Context, src Source, raw []byte, containerID, documentID string) (*Extraction, error) {
	pageURL, _ := url.Parse(src.URI)

	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err).
			WithDetail("uri", src.URI)
	}

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		// Fall back to the plain text extraction when conversion
		// chokes on malformed markup.
		markdown = article.TextContent
	}

	title := src.Title
	if title == "" {
		title = article.Title
	}

	out := &Extraction{Title: title, Normalized: markdown}
	for _, c := range p.chunker.Chunk(markdown) {
		out.Chunks = append(out.Chunks, ExtractedChunk{
			Modality:  store.ModalityWeb,
			Text:      c.Text,
			Heading:   c.Heading,
			StartByte: c.StartByte,
			EndByte:   c.EndByte,
		})
	}
	return out, nil
}
