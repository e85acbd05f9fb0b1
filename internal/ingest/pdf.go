package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// PDFConfig bounds PDF processing.
type PDFConfig struct {
	Chunker ChunkerConfig
	// RenderDPI is the page raster resolution (default 150).
	RenderDPI int
	// MaxPages caps processed pages; 0 means unlimited.
	MaxPages int
	// EmitPageImages additionally emits each rendered page as an image
	// chunk when the container allows the image modality.
	EmitPageImages bool
}

// PDFPipeline extracts per-page text and renders each page to PNG.
type PDFPipeline struct {
	cfg     PDFConfig
	chunker *Chunker
}

// NewPDFPipeline creates the pipeline.
func NewPDFPipeline(cfg PDFConfig) *PDFPipeline {
	if cfg.RenderDPI <= 0 {
		cfg.RenderDPI = 150
	}
	return &PDFPipeline{cfg: cfg, chunker: NewChunker(cfg.Chunker)}
}

// Modality returns pdf.
func (p *PDFPipeline) Modality() store.Modality { return store.ModalityPDF }

// Extract walks the document page by page: text is chunked with page
// provenance; each page is rendered to PNG and stored, optionally also
// emitted as an image chunk.
func (p *PDFPipeline) Extract(ctx context.Context, src Source, raw []byte, containerID, documentID string) (*Extraction, error) {
	doc, err := fitz.NewFromMemory(raw)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err).
			WithDetail("uri", src.URI)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if p.cfg.MaxPages > 0 && pages > p.cfg.MaxPages {
		pages = p.cfg.MaxPages
	}

	out := &Extraction{Title: pdfTitle(src)}
	var normalized strings.Builder

	for page := 0; page < pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := doc.Text(page)
		if err != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeIngestFail,
				fmt.Errorf("extract text from page %d: %w", page+1, err))
		}
		pageStart := normalized.Len()
		normalized.WriteString(text)
		normalized.WriteString("\n\n")

		for _, c := range p.chunker.Chunk(text) {
			out.Chunks = append(out.Chunks, ExtractedChunk{
				Modality:  store.ModalityPDF,
				Text:      c.Text,
				Heading:   c.Heading,
				Page:      page + 1,
				StartByte: pageStart + c.StartByte,
				EndByte:   pageStart + c.EndByte,
			})
		}

		img, err := doc.ImageDPI(page, float64(p.cfg.RenderDPI))
		if err != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeIngestFail,
				fmt.Errorf("render page %d: %w", page+1, err))
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", page+1, err)
		}

		chunkIndex := -1
		if p.cfg.EmitPageImages {
			out.Chunks = append(out.Chunks, ExtractedChunk{
				Modality:  store.ModalityImage,
				ImageData: buf.Bytes(),
				Page:      page + 1,
			})
			chunkIndex = len(out.Chunks) - 1
		}
		out.Artifacts = append(out.Artifacts, Artifact{
			Rel:        store.PDFPagePath(containerID, documentID, page+1),
			Data:       buf.Bytes(),
			ChunkIndex: chunkIndex,
		})
	}

	out.Normalized = normalized.String()
	return out, nil
}

func pdfTitle(src Source) string {
	if src.Title != "" {
		return src.Title
	}
	base := filepath.Base(src.URI)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
