package ingest

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// ImageConfig bounds thumbnail generation.
type ImageConfig struct {
	// ThumbMaxEdge bounds the longer thumbnail edge in pixels.
	ThumbMaxEdge int
}

// ImagePipeline stores the original, derives a bounded thumbnail, and
// emits a single image chunk.
type ImagePipeline struct {
	cfg ImageConfig
}

// NewImagePipeline creates the pipeline.
func NewImagePipeline(cfg ImageConfig) *ImagePipeline {
	if cfg.ThumbMaxEdge <= 0 {
		cfg.ThumbMaxEdge = 2048
	}
	return &ImagePipeline{cfg: cfg}
}

// Modality returns image.
func (p *ImagePipeline) Modality() store.Modality { return store.ModalityImage }

// Extract decodes the image and produces the thumbnail artifact plus
// one image chunk carrying the thumbnail bytes.
func (p *ImagePipeline) Extract(ctx context.Context, src Source, raw []byte, containerID, documentID string) (*Extraction, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err).
			WithDetail("uri", src.URI)
	}

	thumb := p.thumbnail(img)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err)
	}

	title := src.Title
	if title == "" {
		base := filepath.Base(src.URI)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return &Extraction{
		Title: title,
		Chunks: []ExtractedChunk{{
			Modality:  store.ModalityImage,
			ImageData: buf.Bytes(),
		}},
		Artifacts: []Artifact{{
			Rel:        store.ThumbPath(containerID, documentID, "thumb.png"),
			Data:       buf.Bytes(),
			ChunkIndex: 0,
		}},
	}, nil
}

// thumbnail scales img down so its longer edge is at most ThumbMaxEdge,
// preserving aspect ratio. Images already within bounds pass through.
func (p *ImagePipeline) thumbnail(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= p.cfg.ThumbMaxEdge {
		return img
	}

	scale := float64(p.cfg.ThumbMaxEdge) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
