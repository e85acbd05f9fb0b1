package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/store"
)

// IngestPayload is the payload for ingest and refresh jobs.
type IngestPayload struct {
	Container string        `json:"container"`
	Source    ingest.Source `json:"source"`
}

// ExportPayload is the payload for export jobs.
type ExportPayload struct {
	Container string `json:"container"`
}

// EnqueueIngest queues one source for background ingestion.
func EnqueueIngest(ctx context.Context, meta store.RelationalStore, container string, src ingest.Source, maxRetries int) (*store.Job, error) {
	payload, err := json.Marshal(IngestPayload{Container: container, Source: src})
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeInvalidParams, err)
	}
	job := &store.Job{
		ID:         uuid.NewString(),
		Kind:       store.JobIngest,
		Payload:    payload,
		MaxRetries: maxRetries,
	}
	if err := meta.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// IngestHandler runs ingest and refresh jobs. Refresh reuses the same
// path: unchanged content short-circuits on the content hash.
func IngestHandler(ing *ingest.Ingestor, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *store.Job) error {
		var p IngestPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return llcerrors.Wrap(llcerrors.CodeInvalidParams, err)
		}
		report, err := ing.Ingest(ctx, p.Container, p.Source)
		if err != nil {
			return err
		}
		logger.Info("ingest finished",
			"job", job.ID,
			"document", report.DocumentID,
			"chunks", report.Chunks,
			"deduped", report.Deduped,
			"duplicate", report.Duplicate)
		return nil
	}
}

// ReindexHandler drains the vector reconcile backlog.
func ReindexHandler(rec *ingest.Reconciler, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *store.Job) error {
		var totalRepaired, totalAbandoned int
		for {
			repaired, abandoned, err := rec.Sweep(ctx, 100)
			if err != nil {
				return err
			}
			totalRepaired += repaired
			totalAbandoned += abandoned
			if repaired == 0 && abandoned == 0 {
				break
			}
		}
		logger.Info("reindex finished",
			"job", job.ID, "repaired", totalRepaired, "abandoned", totalAbandoned)
		return nil
	}
}

// exportRecord is one line of a container export.
type exportRecord struct {
	Document *store.Document `json:"document"`
	Chunks   []*store.Chunk  `json:"chunks"`
}

// ExportHandler dumps a container's documents and chunks as JSON lines
// into the blob store.
func ExportHandler(meta store.RelationalStore, blobs store.BlobStore, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *store.Job) error {
		var p ExportPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return llcerrors.Wrap(llcerrors.CodeInvalidParams, err)
		}
		container, err := meta.GetContainer(ctx, p.Container)
		if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
			container, err = meta.GetContainerBySlug(ctx, p.Container)
		}
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		const page = 200
		for offset := 0; ; offset += page {
			docs, err := meta.ListDocuments(ctx, container.ID, page, offset)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				break
			}
			for _, doc := range docs {
				chunks, err := meta.ListChunksByDocument(ctx, doc.ID)
				if err != nil {
					return err
				}
				if err := enc.Encode(exportRecord{Document: doc, Chunks: chunks}); err != nil {
					return err
				}
			}
			if len(docs) < page {
				break
			}
		}

		rel := fmt.Sprintf("exports/%s/%s.jsonl", container.ID, time.Now().UTC().Format("20060102T150405Z"))
		if _, err := blobs.Put(ctx, rel, buf.Bytes()); err != nil {
			return err
		}
		logger.Info("export finished", "job", job.ID, "container", container.Slug, "path", rel)
		return nil
	}
}

// DefaultHandlers wires the standard handler set.
func DefaultHandlers(ing *ingest.Ingestor, rec *ingest.Reconciler, meta store.RelationalStore, blobs store.BlobStore, logger *slog.Logger) map[store.JobKind]Handler {
	return map[store.JobKind]Handler{
		store.JobIngest:  IngestHandler(ing, logger),
		store.JobRefresh: IngestHandler(ing, logger),
		store.JobReindex: ReindexHandler(rec, logger),
		store.JobExport:  ExportHandler(meta, blobs, logger),
	}
}
