package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// HNSWManager implements VectorIndex with one HNSW graph per
// (container, modality) pair, persisted under dir as
// c_<container>_<modality>.hnsw plus a .meta sidecar for the id maps.
type HNSWManager struct {
	dir    string
	params HNSWParams

	mu          sync.RWMutex
	collections map[string]*hnswCollection
}

// hnswCollection pairs the graph with the string<->uint64 id mapping
// the graph key space requires.
type hnswCollection struct {
	graph  *hnsw.Graph[uint64]
	ids    map[string]uint64
	rev    map[uint64]string
	nextID uint64
	dims   int
	dirty  bool
}

// collectionMeta is the gob-persisted sidecar.
type collectionMeta struct {
	IDs    map[string]uint64
	NextID uint64
	Dims   int
}

// NewHNSWManager creates a manager rooted at dir.
func NewHNSWManager(dir string, params HNSWParams) (*HNSWManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector directory: %w", err)
	}
	return &HNSWManager{
		dir:         dir,
		params:      params,
		collections: make(map[string]*hnswCollection),
	}, nil
}

func collectionKey(containerID string, modality Modality) string {
	return containerID + "/" + string(modality)
}

func (m *HNSWManager) collectionPath(containerID string, modality Modality) string {
	return filepath.Join(m.dir, fmt.Sprintf("c_%s_%s.hnsw", containerID, modality))
}

// EnsureCollection creates or loads the collection. Idempotent; a dims
// mismatch against an existing collection is an error.
func (m *HNSWManager) EnsureCollection(ctx context.Context, containerID string, modality Modality, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, err := m.ensureLocked(containerID, modality, dims)
	if err != nil {
		return err
	}
	if col.dims != 0 && dims != 0 && col.dims != dims {
		return llcerrors.Newf(llcerrors.CodeInvariantViolation,
			"collection %s/%s has dims %d, requested %d",
			containerID, modality, col.dims, dims)
	}
	return nil
}

// ensureLocked returns the collection, loading from disk or creating
// fresh. Caller holds the write lock.
func (m *HNSWManager) ensureLocked(containerID string, modality Modality, dims int) (*hnswCollection, error) {
	key := collectionKey(containerID, modality)
	if col, ok := m.collections[key]; ok {
		return col, nil
	}

	col, err := m.loadCollection(containerID, modality)
	if err != nil {
		return nil, err
	}
	if col == nil {
		g := hnsw.NewGraph[uint64]()
		g.M = m.params.M
		g.EfSearch = m.params.EfSearch
		g.Distance = hnsw.CosineDistance
		col = &hnswCollection{
			graph:  g,
			ids:    make(map[string]uint64),
			rev:    make(map[uint64]string),
			nextID: 1,
			dims:   dims,
		}
	}
	m.collections[key] = col
	return col, nil
}

func (m *HNSWManager) loadCollection(containerID string, modality Modality) (*hnswCollection, error) {
	path := m.collectionPath(containerID, modality)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeVectorDown, err)
	}
	defer f.Close()

	g := hnsw.NewGraph[uint64]()
	g.M = m.params.M
	g.EfSearch = m.params.EfSearch
	g.Distance = hnsw.CosineDistance
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeVectorDown,
			fmt.Errorf("import graph %s: %w", path, err))
	}

	meta := collectionMeta{IDs: make(map[string]uint64)}
	mf, err := os.Open(path + ".meta")
	if err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeVectorDown, err)
	}
	defer mf.Close()
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeVectorDown,
			fmt.Errorf("decode metadata %s: %w", path, err))
	}

	rev := make(map[uint64]string, len(meta.IDs))
	for s, n := range meta.IDs {
		rev[n] = s
	}
	return &hnswCollection{
		graph:  g,
		ids:    meta.IDs,
		rev:    rev,
		nextID: meta.NextID,
		dims:   meta.Dims,
	}, nil
}

// Upsert inserts or replaces the vector for chunkID. Vectors are
// normalized on the way in so cosine distance is well behaved.
func (m *HNSWManager) Upsert(ctx context.Context, containerID string, modality Modality, chunkID string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, err := m.ensureLocked(containerID, modality, len(vector))
	if err != nil {
		return err
	}
	if col.dims == 0 {
		col.dims = len(vector)
	}
	if len(vector) != col.dims {
		return llcerrors.Newf(llcerrors.CodeInvariantViolation,
			"vector dims %d do not match collection %s/%s dims %d",
			len(vector), containerID, modality, col.dims)
	}

	normalized := normalizeVector(vector)
	numID, exists := col.ids[chunkID]
	if exists {
		col.graph.Delete(numID)
	} else {
		numID = col.nextID
		col.nextID++
		col.ids[chunkID] = numID
		col.rev[numID] = chunkID
	}
	col.graph.Add(hnsw.MakeNode(numID, normalized))
	col.dirty = true
	return nil
}

// Delete removes the chunk's vector. Unknown ids are a no-op.
func (m *HNSWManager) Delete(ctx context.Context, containerID string, modality Modality, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, err := m.ensureLocked(containerID, modality, 0)
	if err != nil {
		return err
	}
	numID, ok := col.ids[chunkID]
	if !ok {
		return nil
	}
	col.graph.Delete(numID)
	delete(col.ids, chunkID)
	delete(col.rev, numID)
	col.dirty = true
	return nil
}

// Search returns the nearest chunks by cosine similarity, best first.
func (m *HNSWManager) Search(ctx context.Context, containerID string, modality Modality, query []float32, limit int) ([]VectorHit, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	col, ok := m.collections[collectionKey(containerID, modality)]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		var err error
		col, err = m.ensureLocked(containerID, modality, len(query))
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if col.graph.Len() == 0 {
		return nil, nil
	}
	nodes := col.graph.Search(normalizeVector(query), limit)
	hits := make([]VectorHit, 0, len(nodes))
	for _, n := range nodes {
		chunkID, ok := col.rev[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{
			ChunkID: chunkID,
			Score:   cosineSimilarity(normalizeVector(query), n.Value),
		})
	}
	return hits, nil
}

// Vector returns the stored (normalized) vector for a chunk.
func (m *HNSWManager) Vector(ctx context.Context, containerID string, modality Modality, chunkID string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collectionKey(containerID, modality)]
	if !ok {
		return nil, false
	}
	numID, ok := col.ids[chunkID]
	if !ok {
		return nil, false
	}
	vec, ok := col.graph.Lookup(numID)
	if !ok {
		return nil, false
	}
	return vec, true
}

// Save persists every dirty collection atomically (temp file + rename).
func (m *HNSWManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, col := range m.collections {
		if !col.dirty {
			continue
		}
		containerID, modality := splitCollectionKey(key)
		path := m.collectionPath(containerID, Modality(modality))
		if err := m.saveCollection(path, col); err != nil {
			return err
		}
		col.dirty = false
	}
	return nil
}

func (m *HNSWManager) saveCollection(path string, col *hnswCollection) error {
	tmp, err := os.CreateTemp(m.dir, ".hnsw-*")
	if err != nil {
		return fmt.Errorf("create temp graph file: %w", err)
	}
	tmpName := tmp.Name()
	if err := col.graph.Export(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename graph file: %w", err)
	}

	mtmp, err := os.CreateTemp(m.dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	mtmpName := mtmp.Name()
	meta := collectionMeta{IDs: col.ids, NextID: col.nextID, Dims: col.dims}
	if err := gob.NewEncoder(mtmp).Encode(&meta); err != nil {
		mtmp.Close()
		os.Remove(mtmpName)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := mtmp.Close(); err != nil {
		os.Remove(mtmpName)
		return err
	}
	if err := os.Rename(mtmpName, path+".meta"); err != nil {
		os.Remove(mtmpName)
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// Close saves all dirty collections.
func (m *HNSWManager) Close() error { return m.Save() }

func splitCollectionKey(key string) (containerID, modality string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// normalizeVector returns a unit-length copy. Zero vectors come back
// unchanged.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// cosineSimilarity assumes both vectors are normalized.
func cosineSimilarity(a, b []float32) float32 {
	var dot float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}
