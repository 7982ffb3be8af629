package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
)

// idsSuffix names the sidecar file listing the keys held by the graph.
// The graph format has no key enumeration, so the sidecar is kept as a
// superset of the graph keys and filtered through Lookup on open.
const idsSuffix = ".ids"

// lockSuffix names the file locked for as long as a process has the index open.
const lockSuffix = ".lock"

// HNSWIndex is a file-backed EmbeddingIndex over a coder/hnsw graph.
//
// The graph is only ever grown in place. Removals rebuild it from the
// remaining vectors, and the rebuilt graph replaces the current one once it
// has been saved, so a failed write leaves memory and disk unchanged.
// One process at a time may hold the index; others get ErrIndexLocked.
type HNSWIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.SavedGraph[int64]
	vectors map[int64][]float32
	dim     int
	path    string
	lock    *flock.Flock

	// exactLimit is the size up to which Search scans every vector.
	exactLimit int
}

var _ EmbeddingIndex = (*HNSWIndex)(nil)

// OpenHNSWIndex takes the index lock and loads the index stored at path,
// creating an empty one if the file does not exist yet. Call Close to release
// the lock.
func OpenHNSWIndex(path string, dim int) (*HNSWIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid index dimension %d", dim)
	}

	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock HNSW index %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrIndexLocked, lock.Path())
	}

	idx, err := loadHNSWIndex(path, dim)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	idx.lock = lock
	return idx, nil
}

func loadHNSWIndex(path string, dim int) (*HNSWIndex, error) {
	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return nil, fmt.Errorf("load HNSW index %s: %w", path, err)
	}
	if saved.Len() == 0 {
		saved = newSavedGraph(path)
	} else if d := saved.Dims(); d != dim {
		return nil, fmt.Errorf("load HNSW index %s: %w", path, &DimensionMismatchError{Expected: dim, Actual: d})
	}
	saved.EfSearch = HNSWEfSearch

	known, err := loadIDs(path + idsSuffix)
	if err != nil {
		return nil, err
	}

	vectors := make(map[int64][]float32, len(known))
	for _, id := range known {
		if vec, ok := saved.Lookup(id); ok {
			vectors[id] = slices.Clone(vec)
		}
	}
	if len(vectors) != saved.Len() {
		return nil, fmt.Errorf("load HNSW index %s: %d keys listed, graph holds %d", path, len(vectors), saved.Len())
	}

	return &HNSWIndex{
		graph:      saved,
		vectors:    vectors,
		dim:        dim,
		path:       path,
		exactLimit: HNSWExactSearchLimit,
	}, nil
}

func newSavedGraph(path string) *hnsw.SavedGraph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	g.EfSearch = HNSWEfSearch
	return &hnsw.SavedGraph[int64]{Graph: g, Path: path}
}

// buildGraph builds a fresh graph from vectors, leaving out except.
func (h *HNSWIndex) buildGraph(except ...int64) *hnsw.SavedGraph[int64] {
	saved := newSavedGraph(h.path)
	for _, id := range slices.Sorted(maps.Keys(h.vectors)) {
		if slices.Contains(except, id) {
			continue
		}
		saved.Add(hnsw.MakeNode(id, h.vectors[id]))
	}
	return saved
}

// Close releases the index lock. The index must not be used afterwards.
func (h *HNSWIndex) Close() error {
	if h.lock == nil {
		return nil
	}
	if err := h.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock HNSW index %s: %w", h.path, err)
	}
	return nil
}

// Insert adds a vector under id and persists the index.
func (h *HNSWIndex) Insert(id int64, vector []float32) error {
	if err := ValidateEmbedding(vector, h.dim); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.vectors[id]; ok {
		return fmt.Errorf("insert %d: %w", id, ErrDuplicateID)
	}

	// Sidecar first so it never misses a key held by the graph file.
	if err := h.writeIDs(id); err != nil {
		return fmt.Errorf("insert %d: %w: %v", id, ErrIndexIO, err)
	}

	vec := slices.Clone(vector)
	h.graph.Add(hnsw.MakeNode(id, vec))
	if err := h.graph.Save(); err != nil {
		h.graph = h.buildGraph()
		return fmt.Errorf("insert %d: %w: %v", id, ErrIndexIO, err)
	}

	h.vectors[id] = vec
	return nil
}

// Remove deletes id from the index and persists the change. Absent ids are a no-op.
func (h *HNSWIndex) Remove(id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.vectors[id]; !ok {
		return nil
	}

	next := h.buildGraph(id)
	if err := next.Save(); err != nil {
		return fmt.Errorf("remove %d: %w: %v", id, ErrIndexIO, err)
	}
	h.graph = next
	delete(h.vectors, id)

	// A stale sidecar entry is filtered on the next open.
	_ = h.writeIDs()
	return nil
}

// Search returns up to k candidates whose cosine similarity to query is at
// least threshold. Similarities are recomputed exactly from the stored vectors.
func (h *HNSWIndex) Search(query []float32, k int, threshold float64) ([]Candidate, error) {
	if err := ValidateEmbedding(query, h.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.vectors)
	if n == 0 {
		return nil, nil
	}

	var candidates []Candidate
	if n <= h.exactLimit {
		candidates = make([]Candidate, 0, min(k, n))
		for id, vec := range h.vectors {
			if sim := CosineSimilarity(query, vec); sim >= threshold {
				candidates = append(candidates, Candidate{ID: id, Similarity: sim})
			}
		}
	} else {
		// Request more than k so threshold filtering and tie ordering see enough neighbors.
		searchK := min(max(k*HNSWSearchMultiplier, HNSWMinSearchK), n)
		for _, nb := range h.graph.Search(query, searchK) {
			if sim := CosineSimilarity(query, nb.Value); sim >= threshold {
				candidates = append(candidates, Candidate{ID: nb.Key, Similarity: sim})
			}
		}
	}

	SortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Contains reports whether id is indexed.
func (h *HNSWIndex) Contains(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.vectors[id]
	return ok
}

// IDs returns every indexed id in ascending order.
func (h *HNSWIndex) IDs() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.vectors))
}

// Count returns the number of indexed vectors.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.vectors)
}

// Path returns the index file location.
func (h *HNSWIndex) Path() string {
	return h.path
}

// SortCandidates orders candidates by similarity descending, ties by id ascending.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return c[i].ID < c[j].ID
	})
}

// writeIDs atomically rewrites the sidecar with the current keys plus extra.
func (h *HNSWIndex) writeIDs(extra ...int64) error {
	keys := slices.Sorted(maps.Keys(h.vectors))
	keys = append(keys, extra...)

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal index keys: %w", err)
	}
	if err := renameio.WriteFile(h.path+idsSuffix, data, 0600); err != nil {
		return fmt.Errorf("write index keys: %w", err)
	}
	return nil
}

func loadIDs(path string) ([]int64, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index keys: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal index keys: %w", err)
	}
	return ids, nil
}
