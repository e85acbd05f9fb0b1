package store

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// BleveIndex is the alternate SparseIndex backend (sparse.backend:
// bleve). Unlike FTS5 it lives outside the relational transaction, so
// chunks indexed here follow the same reconcile path as vectors.
type BleveIndex struct {
	index bleve.Index
}

type bleveDoc struct {
	Content     string `json:"content"`
	ContainerID string `json:"container_id"`
	Modality    string `json:"modality"`
}

// NewBleveIndex opens or creates a Bleve index at path.
func NewBleveIndex(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildBleveMapping())
	}
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeBM25Down, err)
	}
	return &BleveIndex{index: idx}, nil
}

func buildBleveMapping() mapping.IndexMapping {
	contentField := bleve.NewTextFieldMapping()
	contentField.Store = false

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", contentField)
	doc.AddFieldMappingsAt("container_id", keywordField)
	doc.AddFieldMappingsAt("modality", keywordField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index adds chunks in one batch.
func (b *BleveIndex) Index(ctx context.Context, chunks []*Chunk) error {
	batch := b.index.NewBatch()
	for _, c := range chunks {
		if c.Deleted {
			continue
		}
		err := batch.Index(c.ID, bleveDoc{
			Content:     c.Content,
			ContainerID: c.ContainerID,
			Modality:    string(c.Modality),
		})
		if err != nil {
			return fmt.Errorf("batch chunk %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return llcerrors.Wrap(llcerrors.CodeBM25Down, err)
	}
	return nil
}

// Remove deletes chunks in one batch.
func (b *BleveIndex) Remove(ctx context.Context, chunkIDs []string) error {
	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return llcerrors.Wrap(llcerrors.CodeBM25Down, err)
	}
	return nil
}

// Search runs a scored match scoped to (container, modality), ordered
// by descending score then ascending chunk id.
func (b *BleveIndex) Search(ctx context.Context, containerID string, modality Modality, queryText string, limit int) ([]SparseHit, error) {
	if queryText == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	match := bleve.NewMatchQuery(queryText)
	match.SetField("content")

	containerQ := bleve.NewTermQuery(containerID)
	containerQ.SetField("container_id")
	modalityQ := bleve.NewTermQuery(string(modality))
	modalityQ.SetField("modality")

	req := bleve.NewSearchRequestOptions(
		bleve.NewConjunctionQuery(match, containerQ, modalityQ), limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeBM25Down, err)
	}

	hits := make([]SparseHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, SparseHit{ChunkID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Close closes the index.
func (b *BleveIndex) Close() error { return b.index.Close() }

// DestroyBleveIndex removes the index directory, used by reindex jobs.
func DestroyBleveIndex(path string) error {
	return os.RemoveAll(path)
}
