package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after threshold filtering.
	HNSWSearchMultiplier = 3

	// HNSWMinSearchK is the minimum number of candidates requested from the graph.
	HNSWMinSearchK = 100

	// HNSWExactSearchLimit is the index size up to which Search compares the
	// query with every stored vector instead of walking the graph.
	HNSWExactSearchLimit = 10000
)
