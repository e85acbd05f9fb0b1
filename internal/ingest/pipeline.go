// Package ingest turns source descriptors into persisted chunks,
// vectors, and blobs, maintaining the cross-store consistency
// invariant between the relational rows and the vector collections.
package ingest

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// ModalityAuto asks the ingestor to detect the modality from the URI
// and MIME type.
const ModalityAuto store.Modality = "auto"

// Source describes one thing to ingest.
type Source struct {
	URI      string            `json:"uri"`
	Modality store.Modality    `json:"modality"`
	Title    string            `json:"title,omitempty"`
	MIME     string            `json:"mime,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// ExtractedChunk is one pipeline output unit before persistence.
type ExtractedChunk struct {
	Modality  store.Modality
	Text      string
	ImageData []byte // PNG bytes for image chunks
	Heading   string
	Page      int // 1-based, pdf only
	StartByte int
	EndByte   int
}

// Artifact is a derived blob to persist alongside the chunks.
type Artifact struct {
	Rel  string // path relative to the blob root
	Data []byte
	// ChunkIndex links the artifact to an extracted chunk (-1 = none).
	ChunkIndex int
}

// Extraction is the full pipeline output for one source.
type Extraction struct {
	Title      string
	Normalized string // normalized markdown, empty for pure images
	Chunks     []ExtractedChunk
	Artifacts  []Artifact
}

// Pipeline extracts chunks for one modality.
type Pipeline interface {
	Modality() store.Modality
	// Extract transforms raw source bytes into chunks and artifacts.
	// containerID and documentID parameterize artifact placement.
	Extract(ctx context.Context, src Source, raw []byte, containerID, documentID string) (*Extraction, error)
}

// DetectModality resolves ModalityAuto from the URI scheme, extension,
// and MIME type.
func DetectModality(src Source) (store.Modality, error) {
	if src.Modality != "" && src.Modality != ModalityAuto {
		if !store.ValidModality(src.Modality) {
			return "", llcerrors.Newf(llcerrors.CodeInvalidParams, "unknown modality %q", src.Modality)
		}
		return src.Modality, nil
	}

	if strings.HasPrefix(src.MIME, "image/") {
		return store.ModalityImage, nil
	}
	if src.MIME == "application/pdf" {
		return store.ModalityPDF, nil
	}
	if strings.HasPrefix(src.MIME, "text/html") {
		return store.ModalityWeb, nil
	}

	if u, err := url.Parse(src.URI); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if extModality(u.Path) == store.ModalityPDF {
			return store.ModalityPDF, nil
		}
		if extModality(u.Path) == store.ModalityImage {
			return store.ModalityImage, nil
		}
		return store.ModalityWeb, nil
	}

	if m := extModality(src.URI); m != "" {
		return m, nil
	}
	return store.ModalityText, nil
}

func extModality(path string) store.Modality {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return store.ModalityPDF
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return store.ModalityImage
	case ".md", ".txt", ".rst", ".org":
		return store.ModalityText
	case ".html", ".htm":
		return store.ModalityWeb
	default:
		return ""
	}
}

// Registry maps modalities to pipelines.
type Registry struct {
	pipelines map[store.Modality]Pipeline
}

// NewRegistry builds a registry from pipelines.
func NewRegistry(pipelines ...Pipeline) *Registry {
	r := &Registry{pipelines: make(map[store.Modality]Pipeline, len(pipelines))}
	for _, p := range pipelines {
		r.pipelines[p.Modality()] = p
	}
	return r
}

// For returns the pipeline for a modality.
func (r *Registry) For(m store.Modality) (Pipeline, error) {
	p, ok := r.pipelines[m]
	if !ok {
		return nil, llcerrors.Newf(llcerrors.CodeNotImplemented, "no pipeline for modality %q", m)
	}
	return p, nil
}
