package ingest

import (
	"context"
	"log/slog"

	"github.com/latentlabs/llc/internal/embed"
	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// maxReconcileAttempts caps retries before a chunk is tombstoned.
const maxReconcileAttempts = 3

// Reconciler repairs chunks whose vector upsert failed at ingest time.
// Chunks flagged needs_vector_reconcile are re-embedded and re-upserted;
// chunks that keep failing are soft deleted so they cannot surface with
// a missing vector forever.
type Reconciler struct {
	meta     store.RelationalStore
	vectors  store.VectorIndex
	blobs    store.BlobStore
	embedder *embed.CachedEmbedder
	logger   *slog.Logger
}

// NewReconciler wires the sweep.
func NewReconciler(meta store.RelationalStore, vectors store.VectorIndex, blobs store.BlobStore, embedder *embed.CachedEmbedder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{meta: meta, vectors: vectors, blobs: blobs, embedder: embedder, logger: logger}
}

// Sweep processes up to limit flagged chunks and reports how many were
// repaired and how many were abandoned.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (repaired, abandoned int, err error) {
	pending, err := r.meta.ListReconcilePending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, chunk := range pending {
		if err := ctx.Err(); err != nil {
			return repaired, abandoned, err
		}

		if rerr := r.reconcileChunk(ctx, chunk); rerr != nil {
			if chunk.ReconcileAttempts >= maxReconcileAttempts {
				r.logger.Error("abandoning chunk after repeated reconcile failures",
					"chunk", chunk.ID,
					"attempts", chunk.ReconcileAttempts,
					"code", llcerrors.CodeIngestFail,
					"error", rerr)
				if derr := r.meta.SoftDeleteChunk(ctx, chunk.ID); derr != nil {
					r.logger.Error("failed to tombstone chunk", "chunk", chunk.ID, "error", derr)
				} else {
					abandoned++
				}
				continue
			}
			r.logger.Warn("chunk reconcile failed, will retry",
				"chunk", chunk.ID, "attempts", chunk.ReconcileAttempts, "error", rerr)
			if merr := r.meta.MarkChunkReconcile(ctx, chunk.ID, true); merr != nil {
				r.logger.Error("failed to bump reconcile attempts", "chunk", chunk.ID, "error", merr)
			}
			continue
		}

		if merr := r.meta.MarkChunkReconcile(ctx, chunk.ID, false); merr != nil {
			r.logger.Error("failed to clear reconcile flag", "chunk", chunk.ID, "error", merr)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		if serr := r.vectors.Save(); serr != nil {
			r.logger.Warn("vector save failed after reconcile", "error", serr)
		}
	}
	return repaired, abandoned, nil
}

// reconcileChunk re-embeds one chunk and upserts its vector.
func (r *Reconciler) reconcileChunk(ctx context.Context, chunk *store.Chunk) error {
	var vec []float32
	switch {
	case chunk.Content != "":
		res, err := r.embedder.EmbedTexts(ctx, store.ModalityText, []string{chunk.Content})
		if err != nil {
			return err
		}
		vec = res.Vectors[0]
	case chunk.BlobPath != "":
		data, err := r.blobs.Get(ctx, chunk.BlobPath)
		if err != nil {
			return err
		}
		res, err := r.embedder.EmbedContent(ctx, store.ModalityImage, data)
		if err != nil {
			return err
		}
		vec = res.Vectors[0]
	default:
		return llcerrors.Newf(llcerrors.CodeIngestFail,
			"chunk %s has neither text nor a stored blob", chunk.ID)
	}

	if err := r.vectors.EnsureCollection(ctx, chunk.ContainerID, chunk.Modality, len(vec)); err != nil {
		return err
	}
	return r.vectors.Upsert(ctx, chunk.ContainerID, chunk.Modality, chunk.ID, vec)
}
