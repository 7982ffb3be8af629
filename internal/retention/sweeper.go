// Package retention deletes closed cases once they have aged past the
// retention period and erases their image blobs.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/logging"
)

// Store selects and deletes aged closed cases in one call.
type Store interface {
	DeleteClosedOlderThan(ctx context.Context, days int, now time.Time) ([]database.SweepTarget, error)
}

// BlobEraser overwrites and removes an image blob.
type BlobEraser interface {
	SecureDelete(ref string, passes int) (existed bool, err error)
}

// SecureDeleteError records a blob that could not be erased. The case row is
// already gone when this happens.
type SecureDeleteError struct {
	EmbeddingID int64
	Path        string
	Err         error
}

func (e *SecureDeleteError) Error() string {
	return fmt.Sprintf("secure delete of %s (case %d) failed: %v", e.Path, e.EmbeddingID, e.Err)
}

func (e *SecureDeleteError) Unwrap() error { return e.Err }

// Report summarizes one sweep.
type Report struct {
	RunID        string
	Selected     int
	Deleted      int
	BlobsErased  int
	BlobsMissing int
	BlobFailures []*SecureDeleteError
}

type Options struct {
	Days   int
	Passes int
}

type Sweeper struct {
	store  Store
	index  database.EmbeddingIndex
	blobs  BlobEraser
	opts   Options
	logger *slog.Logger

	// OnRecord is called after each selected record is processed.
	OnRecord func(done, total int)
}

func NewSweeper(store Store, index database.EmbeddingIndex, blobs BlobEraser, opts Options, logger *slog.Logger) *Sweeper {
	if opts.Passes < 1 {
		opts.Passes = constants.DefaultSecureDeletePasses
	}
	return &Sweeper{
		store:  store,
		index:  index,
		blobs:  blobs,
		opts:   opts,
		logger: logging.OrDefault(logger),
	}
}

// Sweep deletes every Closed case whose age in whole days at now exceeds the
// retention period. Selection is by age alone, so running it again after an
// interrupted sweep finishes the remainder and a repeat run is a no-op.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	logger := s.logger.With("run_id", report.RunID)
	logger.Info("retention sweep started", "retention_days", s.opts.Days, "passes", s.opts.Passes)

	targets, err := s.store.DeleteClosedOlderThan(ctx, s.opts.Days, now)
	if err != nil {
		logger.Error("retention sweep aborted", "error", err)
		return report, fmt.Errorf("selecting expired cases: %w", err)
	}
	report.Selected = len(targets)
	report.Deleted = len(targets)

	for i, t := range targets {
		s.erase(logger, t, report)
		if s.OnRecord != nil {
			s.OnRecord(i+1, len(targets))
		}
	}

	logger.Info("retention sweep finished",
		"selected", report.Selected,
		"deleted", report.Deleted,
		"blobs_erased", report.BlobsErased,
		"blobs_missing", report.BlobsMissing,
		"blob_failures", len(report.BlobFailures))
	return report, nil
}

func (s *Sweeper) erase(logger *slog.Logger, t database.SweepTarget, report *Report) {
	// closed cases normally left the index at close time
	if s.index != nil {
		if err := s.index.Remove(t.EmbeddingID); err != nil {
			logger.Warn("index inconsistency: failed to remove swept case from index",
				"embedding_id", t.EmbeddingID, "error", err)
		}
	}

	if t.ImageReference == "" {
		report.BlobsMissing++
		return
	}

	existed, err := s.blobs.SecureDelete(t.ImageReference, s.opts.Passes)
	if err != nil {
		logger.Error("secure delete failed", "embedding_id", t.EmbeddingID, "path", t.ImageReference, "error", err)
		report.BlobFailures = append(report.BlobFailures, &SecureDeleteError{
			EmbeddingID: t.EmbeddingID,
			Path:        t.ImageReference,
			Err:         err,
		})
		return
	}
	if existed {
		report.BlobsErased++
	} else {
		logger.Warn("blob already missing", "embedding_id", t.EmbeddingID, "path", t.ImageReference)
		report.BlobsMissing++
	}
}
