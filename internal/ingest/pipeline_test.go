package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

func TestDetectModality(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want store.Modality
	}{
		{"explicit", Source{URI: "whatever", Modality: store.ModalityPDF}, store.ModalityPDF},
		{"mime image", Source{URI: "blob", MIME: "image/png"}, store.ModalityImage},
		{"mime pdf", Source{URI: "blob", MIME: "application/pdf"}, store.ModalityPDF},
		{"mime html", Source{URI: "blob", MIME: "text/html; charset=utf-8"}, store.ModalityWeb},
		{"http url", Source{URI: "https://example.com/docs/page"}, store.ModalityWeb},
		{"http pdf url", Source{URI: "https://example.com/paper.pdf"}, store.ModalityPDF},
		{"http image url", Source{URI: "https://example.com/chart.png"}, store.ModalityImage},
		{"local markdown", Source{URI: "/notes/design.md"}, store.ModalityText},
		{"local jpeg", Source{URI: "/photos/cat.JPG"}, store.ModalityImage},
		{"local html", Source{URI: "/saved/page.html"}, store.ModalityWeb},
		{"unknown extension", Source{URI: "/data/records.csv"}, store.ModalityText},
		{"auto sentinel", Source{URI: "/notes/plan.txt", Modality: ModalityAuto}, store.ModalityText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectModality(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectModalityRejectsUnknown(t *testing.T) {
	_, err := DetectModality(Source{URI: "x", Modality: "video"})
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeInvalidParams, llcerrors.CodeOf(err))
}

func TestRegistryMissingPipeline(t *testing.T) {
	r := NewRegistry(NewTextPipeline(DefaultChunkerConfig()))

	_, err := r.For(store.ModalityText)
	require.NoError(t, err)

	_, err = r.For(store.ModalityPDF)
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeNotImplemented, llcerrors.CodeOf(err))
}

func TestTextPipelineExtract(t *testing.T) {
	p := NewTextPipeline(DefaultChunkerConfig())
	raw := []byte("# Release Notes\n\nchanges for the release\n\n## Fixes\n\nbug fixes listed here\n")

	ex, err := p.Extract(context.Background(), Source{URI: "/docs/notes.md"}, raw, "c1", "d1")
	require.NoError(t, err)

	assert.Equal(t, "Release Notes", ex.Title)
	assert.Equal(t, string(raw), ex.Normalized)
	require.Len(t, ex.Chunks, 2)
	assert.Equal(t, store.ModalityText, ex.Chunks[0].Modality)
	assert.Empty(t, ex.Artifacts)
}

func TestTextPipelineTitleFallsBackToFilename(t *testing.T) {
	p := NewTextPipeline(DefaultChunkerConfig())

	ex, err := p.Extract(context.Background(), Source{URI: "/docs/meeting-notes.txt"},
		[]byte("no heading, just prose"), "c1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "meeting-notes", ex.Title)
}

func TestWebPipelineExtract(t *testing.T) {
	p := NewWebPipeline(DefaultChunkerConfig())
	html := `<!DOCTYPE html><html><head><title>Widget Guide</title></head><body>
		<nav><a href="/">home</a><a href="/about">about</a></nav>
		<article>
			<h1>Widget Guide</h1>
			<p>Widgets are assembled from three parts. The flange connects to the
			rotor through the main bearing, and the housing keeps dust out of the
			assembly during normal operation.</p>
			<p>Maintenance requires inspecting the bearing every hundred hours of
			use and replacing the flange gasket when it shows wear.</p>
		</article>
		<footer>copyright notice</footer>
	</body></html>`

	ex, err := p.Extract(context.Background(),
		Source{URI: "https://example.com/widgets"}, []byte(html), "c1", "d1")
	require.NoError(t, err)

	assert.Equal(t, "Widget Guide", ex.Title)
	assert.Contains(t, ex.Normalized, "flange")
	assert.NotContains(t, ex.Normalized, "copyright notice")
	require.NotEmpty(t, ex.Chunks)
	assert.Equal(t, store.ModalityWeb, ex.Chunks[0].Modality)
}

func TestImagePipelineExtract(t *testing.T) {
	p := NewImagePipeline(ImageConfig{ThumbMaxEdge: 16})

	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ex, err := p.Extract(context.Background(),
		Source{URI: "/photos/diagram.png"}, buf.Bytes(), "c1", "d1")
	require.NoError(t, err)

	assert.Equal(t, "diagram", ex.Title)
	require.Len(t, ex.Chunks, 1)
	assert.Equal(t, store.ModalityImage, ex.Chunks[0].Modality)
	require.Len(t, ex.Artifacts, 1)
	assert.Equal(t, 0, ex.Artifacts[0].ChunkIndex)

	// Thumbnail respects the edge bound and keeps the aspect ratio.
	thumb, err := png.Decode(bytes.NewReader(ex.Chunks[0].ImageData))
	require.NoError(t, err)
	assert.Equal(t, 16, thumb.Bounds().Dx())
	assert.Equal(t, 8, thumb.Bounds().Dy())
}

func TestImagePipelineDecodesBMP(t *testing.T) {
	p := NewImagePipeline(ImageConfig{})

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))

	ex, err := p.Extract(context.Background(),
		Source{URI: "/scans/floorplan.bmp"}, buf.Bytes(), "c1", "d1")
	require.NoError(t, err)
	require.Len(t, ex.Chunks, 1)
	assert.Equal(t, "floorplan", ex.Title)
}

func TestImagePipelineRejectsGarbage(t *testing.T) {
	p := NewImagePipeline(ImageConfig{})

	_, err := p.Extract(context.Background(),
		Source{URI: "/photos/broken.png"}, []byte("not an image"), "c1", "d1")
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeIngestFail, llcerrors.CodeOf(err))
}
