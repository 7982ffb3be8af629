// Package lifecycle moves cases between statuses and keeps the embedding index
// in line with the metadata store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/logging"
)

var (
	// ErrAlreadyClosed is returned when closing a case that is already Closed.
	ErrAlreadyClosed = errors.New("case already closed")

	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var (
	closable   = []database.CaseStatus{database.StatusOpen, database.StatusResolved}
	resolvable = []database.CaseStatus{database.StatusOpen}
)

// Store is the part of the metadata store the lifecycle needs.
type Store interface {
	database.CaseWriter
	database.IndexOutbox
}

type Manager struct {
	index  database.EmbeddingIndex
	store  Store
	logger *slog.Logger
}

func NewManager(index database.EmbeddingIndex, store Store, logger *slog.Logger) *Manager {
	return &Manager{index: index, store: store, logger: logging.OrDefault(logger)}
}

// CloseResult describes a completed close.
type CloseResult struct {
	Case *database.CaseRecord
	// IndexRemoved is false when the index entry is still searchable and the
	// removal waits in the outbox.
	IndexRemoved bool
}

// Close marks a case Closed and removes its index entry. The status change is
// durable before the index is touched; an index failure leaves the removal
// queued for DrainOutbox and does not fail the close.
func (m *Manager) Close(ctx context.Context, embeddingID int64) (*CloseResult, error) {
	rec, err := m.store.Get(ctx, embeddingID)
	if err != nil {
		return nil, err
	}
	if rec.Status == database.StatusClosed {
		return nil, fmt.Errorf("case %d: %w", embeddingID, ErrAlreadyClosed)
	}

	err = m.store.UpdateStatus(ctx, embeddingID, closable, database.StatusClosed)
	if err != nil {
		return nil, transitionError(embeddingID, database.StatusClosed, "closing", err)
	}
	rec.Status = database.StatusClosed
	m.logger.Info("case closed", "embedding_id", embeddingID, "child_id", rec.ChildID)

	result := &CloseResult{Case: rec}
	if err := m.index.Remove(embeddingID); err != nil {
		m.logger.Warn("index inconsistency: closed case still searchable, removal queued",
			"embedding_id", embeddingID, "error", err)
		return result, nil
	}
	result.IndexRemoved = true

	if err := m.store.AckIndexRemoval(ctx, embeddingID); err != nil {
		m.logger.Warn("failed to ack index removal", "embedding_id", embeddingID, "error", err)
	}
	return result, nil
}

// Resolve moves an Open case to Resolved. The case stays searchable.
func (m *Manager) Resolve(ctx context.Context, embeddingID int64) (*database.CaseRecord, error) {
	rec, err := m.store.Get(ctx, embeddingID)
	if err != nil {
		return nil, err
	}
	if rec.Status != database.StatusOpen {
		return nil, fmt.Errorf("case %d: %w: %s to %s", embeddingID, ErrInvalidTransition, rec.Status, database.StatusResolved)
	}

	err = m.store.UpdateStatus(ctx, embeddingID, resolvable, database.StatusResolved)
	if err != nil {
		return nil, transitionError(embeddingID, database.StatusResolved, "resolving", err)
	}
	rec.Status = database.StatusResolved
	m.logger.Info("case resolved", "embedding_id", embeddingID, "child_id", rec.ChildID)
	return rec, nil
}

// transitionError maps a status change lost to a concurrent one onto the
// lifecycle errors, as if the read had seen the newer status.
func transitionError(embeddingID int64, to database.CaseStatus, verb string, err error) error {
	var conflict *database.StatusConflictError
	if !errors.As(err, &conflict) {
		return fmt.Errorf("%s case %d: %w", verb, embeddingID, err)
	}
	if conflict.Current == database.StatusClosed && to == database.StatusClosed {
		return fmt.Errorf("case %d: %w", embeddingID, ErrAlreadyClosed)
	}
	return fmt.Errorf("case %d: %w: %s to %s", embeddingID, ErrInvalidTransition, conflict.Current, to)
}

// DrainReport counts the outcome of one outbox pass.
type DrainReport struct {
	Removed int
	Failed  int
}

// DrainOutbox retries queued index removals, oldest first, and acks each one
// the index confirms.
func (m *Manager) DrainOutbox(ctx context.Context) (*DrainReport, error) {
	ids, err := m.store.PendingIndexRemovals(ctx, constants.OutboxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("reading index removal queue: %w", err)
	}

	report := &DrainReport{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.index.Remove(id); err != nil {
			m.logger.Warn("index inconsistency: queued removal failed", "embedding_id", id, "error", err)
			report.Failed++
			continue
		}
		if err := m.store.AckIndexRemoval(ctx, id); err != nil {
			return report, fmt.Errorf("acking index removal %d: %w", id, err)
		}
		report.Removed++
	}

	if report.Removed > 0 || report.Failed > 0 {
		m.logger.Info("index removal queue drained", "removed", report.Removed, "failed", report.Failed)
	}
	return report, nil
}
