package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/logging"
)

// BlobRemover deletes the image of an abandoned registration.
type BlobRemover interface {
	Remove(ref string) error
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	RunID         string `json:"run_id"`
	Drained       int    `json:"drained"`        // queued removals confirmed
	PendingPurged int    `json:"pending_purged"` // abandoned registrations removed
	Removed       int    `json:"removed"`        // index entries without an open or resolved case
	Restored      int    `json:"restored"`       // searchable cases missing from the index
	Failures      int    `json:"failures"`
}

// ProgressFunc is called after each step with a short description.
type ProgressFunc func(step string)

// Reconciler repairs divergence between the index and the metadata store.
type Reconciler struct {
	manager *Manager
	index   database.EmbeddingIndex
	store   database.CaseStore
	blobs   BlobRemover
	grace   time.Duration
	logger  *slog.Logger

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
	// OnProgress is optional.
	OnProgress ProgressFunc
}

func NewReconciler(index database.EmbeddingIndex, store database.CaseStore, blobs BlobRemover, logger *slog.Logger) *Reconciler {
	logger = logging.OrDefault(logger)
	return &Reconciler{
		manager: NewManager(index, store, logger),
		index:   index,
		store:   store,
		blobs:   blobs,
		grace:   constants.PendingRegistrationGraceHours * time.Hour,
		logger:  logger,
		Now:     time.Now,
	}
}

// Run drains the removal queue, purges abandoned registrations, removes index
// entries of closed or unknown cases and restores missing entries of
// searchable cases from their stored vectors. Per-entry failures are counted
// and logged; store errors abort the run.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{RunID: uuid.NewString()}
	logger := r.logger.With("run_id", report.RunID)
	logger.Info("reconciliation started", "index_entries", r.index.Count())

	drained, err := r.manager.DrainOutbox(ctx)
	if err != nil {
		return report, err
	}
	report.Drained = drained.Removed
	report.Failures += drained.Failed
	r.progress("outbox drained")

	inFlight, err := r.purgePending(ctx, logger, report)
	if err != nil {
		return report, err
	}
	r.progress("pending registrations checked")

	if err := r.removeStale(ctx, logger, report, inFlight); err != nil {
		return report, err
	}
	r.progress("stale index entries removed")

	if err := r.restoreMissing(ctx, logger, report); err != nil {
		return report, err
	}
	r.progress("missing index entries restored")

	logger.Info("reconciliation finished",
		"drained", report.Drained,
		"pending_purged", report.PendingPurged,
		"removed", report.Removed,
		"restored", report.Restored,
		"failures", report.Failures,
		"index_entries", r.index.Count())
	return report, nil
}

// purgePending deletes registrations that never completed within the grace
// period and returns the ids of younger pending rows, which must be left alone.
func (r *Reconciler) purgePending(ctx context.Context, logger *slog.Logger, report *ReconcileReport) (map[int64]bool, error) {
	now := r.Now()
	pending, err := r.store.ListPendingOlderThan(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing pending registrations: %w", err)
	}

	cutoff := now.Add(-r.grace)
	inFlight := make(map[int64]bool)
	for _, rec := range pending {
		if rec.RegisteredAt.After(cutoff) {
			inFlight[rec.EmbeddingID] = true
			continue
		}

		if err := r.index.Remove(rec.EmbeddingID); err != nil {
			logger.Warn("failed to remove index entry of abandoned registration", "embedding_id", rec.EmbeddingID, "error", err)
			report.Failures++
			inFlight[rec.EmbeddingID] = true
			continue
		}
		if r.blobs != nil && rec.ImageReference != "" {
			if err := r.blobs.Remove(rec.ImageReference); err != nil {
				logger.Warn("failed to remove blob of abandoned registration", "embedding_id", rec.EmbeddingID,
					"path", rec.ImageReference, "error", err)
				report.Failures++
			}
		}
		if err := r.store.Delete(ctx, rec.EmbeddingID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("deleting abandoned registration %d: %w", rec.EmbeddingID, err)
		}
		logger.Info("abandoned registration purged", "embedding_id", rec.EmbeddingID, "registered_at", rec.RegisteredAt)
		report.PendingPurged++
	}
	return inFlight, nil
}

// removeStale removes index entries whose case is closed or unknown. Entries
// of registrations still in progress are left alone. These are ids at or above
// the sequence value read before the snapshot and ids with a pending row.
func (r *Reconciler) removeStale(ctx context.Context, logger *slog.Logger, report *ReconcileReport, skip map[int64]bool) error {
	// sequence before the index snapshot so later registrations fall above it
	highWater, err := r.store.LastReservedEmbeddingID(ctx)
	if err != nil {
		return fmt.Errorf("reading embedding id sequence: %w", err)
	}
	ids := r.index.IDs()
	statuses, err := r.store.StatusByEmbeddingID(ctx)
	if err != nil {
		return fmt.Errorf("reading case statuses: %w", err)
	}

	var stale []int64
	for _, id := range ids {
		if skip[id] {
			continue
		}
		status, ok := statuses[id]
		if ok && status.Searchable() {
			continue
		}
		// without a complete row the newest reservation may still be registering
		if !ok && id >= highWater {
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return nil
	}

	// rows written since purgePending listed them
	pending, err := r.store.ListPendingOlderThan(ctx, r.Now())
	if err != nil {
		return fmt.Errorf("listing pending registrations: %w", err)
	}
	for _, rec := range pending {
		skip[rec.EmbeddingID] = true
	}

	for _, id := range stale {
		if skip[id] {
			continue
		}
		reason := "unknown case"
		if status, ok := statuses[id]; ok {
			reason = "case " + string(status)
		}
		if err := r.index.Remove(id); err != nil {
			logger.Warn("index inconsistency: failed to remove stale entry", "embedding_id", id, "reason", reason, "error", err)
			report.Failures++
			continue
		}
		logger.Warn("index inconsistency repaired: stale entry removed", "embedding_id", id, "reason", reason)
		report.Removed++
	}
	return nil
}

func (r *Reconciler) restoreMissing(ctx context.Context, logger *slog.Logger, report *ReconcileReport) error {
	cases, err := r.store.ListIndexable(ctx)
	if err != nil {
		return fmt.Errorf("listing searchable cases: %w", err)
	}

	for _, rec := range cases {
		if r.index.Contains(rec.EmbeddingID) {
			continue
		}
		if err := r.index.Insert(rec.EmbeddingID, rec.Embedding); err != nil && !errors.Is(err, database.ErrDuplicateID) {
			logger.Error("index inconsistency: failed to restore entry", "embedding_id", rec.EmbeddingID, "error", err)
			report.Failures++
			continue
		}
		logger.Warn("index inconsistency repaired: missing entry restored", "embedding_id", rec.EmbeddingID)
		report.Restored++
	}
	return nil
}

func (r *Reconciler) progress(step string) {
	if r.OnProgress != nil {
		r.OnProgress(step)
	}
}
