// Package facematch identifies registered children from face embeddings.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Mode selects the similarity threshold for an identification.
type Mode int

const (
	// Interactive is a single operator-driven identification.
	Interactive Mode = iota
	// Batch is cross-request bulk identification with a looser threshold.
	Batch
)

func (m Mode) String() string {
	if m == Batch {
		return "batch"
	}
	return "interactive"
}

// Options configures a Matcher. Zero MaxCandidates, Concurrency and Dim fall
// back to the package defaults; thresholds are always taken as given.
type Options struct {
	Threshold      float64
	BatchThreshold float64
	MaxCandidates  int
	Concurrency    int
	Dim            int
}

// DefaultOptions returns the stock thresholds and limits.
func DefaultOptions() Options {
	return Options{
		Threshold:      constants.DefaultInteractiveThreshold,
		BatchThreshold: constants.DefaultBatchThreshold,
		MaxCandidates:  constants.DefaultMaxCandidates,
		Concurrency:    constants.DefaultMatchConcurrency,
		Dim:            constants.EmbeddingDim,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = constants.DefaultMaxCandidates
	}
	if o.Concurrency <= 0 {
		o.Concurrency = constants.DefaultMatchConcurrency
	}
	if o.Dim <= 0 {
		o.Dim = constants.EmbeddingDim
	}
	return o
}

// Match is a resolved case with the best similarity any face reached against it.
type Match struct {
	Case       database.CaseRecord
	Similarity float64
}

// Result is the outcome of one identification request.
type Result struct {
	Matches       []Match // ascending by embedding id
	FacesDetected int
	FacesSearched int
	FacesSkipped  int
}

// NoMatch reports that the request was processed but nothing cleared the threshold.
func (r *Result) NoMatch() bool {
	return len(r.Matches) == 0
}

// Matcher fans face embeddings out to the index and joins hits with case metadata.
type Matcher struct {
	index     database.EmbeddingIndex
	cases     database.CaseReader
	extractor fingerprint.Extractor
	opts      Options
	logger    *slog.Logger
}

// NewMatcher creates a matcher. extractor may be nil when only Match is used.
func NewMatcher(index database.EmbeddingIndex, cases database.CaseReader, extractor fingerprint.Extractor,
	opts Options, logger *slog.Logger) *Matcher {
	return &Matcher{
		index:     index,
		cases:     cases,
		extractor: extractor,
		opts:      opts.withDefaults(),
		logger:    logging.OrDefault(logger),
	}
}

// Threshold returns the configured threshold for mode.
func (m *Matcher) Threshold(mode Mode) float64 {
	if mode == Batch {
		return m.opts.BatchThreshold
	}
	return m.opts.Threshold
}

// IdentifyImages extracts faces from every image or video and matches them in
// a single request. A file that fails extraction is skipped.
func (m *Matcher) IdentifyImages(ctx context.Context, files [][]byte, mode Mode) (*Result, error) {
	if m.extractor == nil {
		return nil, errors.New("no face extractor configured")
	}

	var embeddings [][]float32
	var lastErr error
	detected := 0
	for i, data := range files {
		faces, err := m.extractor.ExtractFaces(ctx, data)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			m.logger.Warn("face extraction failed", "file", i, "error", err)
			lastErr = err
			continue
		}
		detected += len(faces)
		for _, f := range CollapseTracks(faces, DefaultTrackIoU, DefaultTrackSimilarity) {
			embeddings = append(embeddings, f.Embedding)
		}
	}

	if len(embeddings) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, lastErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, fingerprint.ErrNoFace)
	}

	result, err := m.Match(ctx, embeddings, m.Threshold(mode))
	if err != nil {
		return nil, err
	}
	result.FacesDetected = detected
	return result, nil
}

// Match searches the index with every embedding, dedupes the hits by embedding
// id and then by child id, and returns resolved cases ordered by embedding id.
func (m *Matcher) Match(ctx context.Context, embeddings [][]float32, threshold float64) (*Result, error) {
	result := &Result{FacesDetected: len(embeddings)}

	var queries [][]float32
	for i, e := range embeddings {
		if err := database.ValidateEmbedding(e, m.opts.Dim); err != nil {
			m.logger.Warn("skipping unusable embedding", "face", i, "error", err)
			result.FacesSkipped++
			continue
		}
		queries = append(queries, e)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: no usable embedding among %d faces", ErrExtractionFailed, len(embeddings))
	}

	hits, failed, err := m.searchAll(ctx, queries, threshold)
	if err != nil {
		return nil, err
	}
	result.FacesSearched = len(queries) - failed
	result.FacesSkipped += failed

	matches, err := m.resolve(ctx, hits)
	if err != nil {
		return nil, err
	}
	result.Matches = matches
	return result, nil
}

// searchAll runs per-face searches concurrently and merges hits keeping the
// best similarity per embedding id.
func (m *Matcher) searchAll(ctx context.Context, queries [][]float32, threshold float64) (map[int64]float64, int, error) {
	results := make([][]database.Candidate, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = m.index.Search(q, m.opts.MaxCandidates, threshold)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	hits := make(map[int64]float64)
	failed := 0
	var firstErr error
	for i, err := range errs {
		if err != nil {
			m.logger.Warn("face search failed", "face", i, "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, c := range results[i] {
			if best, ok := hits[c.ID]; !ok || c.Similarity > best {
				hits[c.ID] = c.Similarity
			}
		}
	}

	if failed == len(queries) {
		return nil, failed, fmt.Errorf("%w: %w", ErrIndexUnavailable, firstErr)
	}
	return hits, failed, nil
}

// resolve looks up each hit in ascending id order, drops ids without an open
// or resolved case, and keeps one match per child.
func (m *Matcher) resolve(ctx context.Context, hits map[int64]float64) ([]Match, error) {
	ids := make([]int64, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var matches []Match
	byChild := make(map[int64]int)
	for _, id := range ids {
		rec, err := m.cases.Get(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			m.logger.Warn("matched embedding has no case", "embedding_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve embedding %d: %w", id, err)
		}
		if !rec.Status.Searchable() {
			m.logger.Warn("index inconsistency: closed case still searchable", "embedding_id", id)
			continue
		}

		if i, ok := byChild[rec.ChildID]; ok {
			matches[i].Similarity = max(matches[i].Similarity, hits[id])
			continue
		}
		byChild[rec.ChildID] = len(matches)
		matches = append(matches, Match{Case: *rec, Similarity: hits[id]})
	}
	return matches, nil
}
