package database

import (
	"context"
	"time"
)

// EmbeddingIndex is a durable nearest-neighbor store keyed by embedding id.
// Implementations serialize mutations and allow concurrent searches.
type EmbeddingIndex interface {
	// Insert adds vector under id. Fails with ErrDuplicateID if id is present,
	// ErrDimensionMismatch for a wrong-sized vector and ErrIndexIO if the change
	// could not be persisted.
	Insert(id int64, vector []float32) error
	// Remove deletes id. Removing an absent id succeeds.
	Remove(id int64) error
	// Search returns up to k candidates with similarity >= threshold, ordered by
	// descending similarity and ascending id.
	Search(query []float32, k int, threshold float64) ([]Candidate, error)
	// Contains reports whether id is present.
	Contains(id int64) bool
	// IDs returns all ids in ascending order.
	IDs() []int64
	// Count returns the number of indexed vectors.
	Count() int
}

// CaseReader provides read-only access to registered cases.
// Only cases whose registration completed are visible.
type CaseReader interface {
	// Get retrieves a case by embedding id, ErrNotFound if absent
	Get(ctx context.Context, embeddingID int64) (*CaseRecord, error)
	// ListByStatus returns all cases in the given status ordered by embedding id
	ListByStatus(ctx context.Context, status CaseStatus) ([]CaseRecord, error)
	// SearchByName returns open cases whose name contains substring.
	// Matching ignores case and diacritics.
	SearchByName(ctx context.Context, substring string) ([]CaseRecord, error)
	// GuardianContacts returns the distinct guardian contacts of open cases with the given name
	GuardianContacts(ctx context.Context, name string) ([]string, error)
	// Count returns the number of cases per status
	Count(ctx context.Context) (map[CaseStatus]int, error)
}

// CaseWriter provides write access to registered cases.
type CaseWriter interface {
	CaseReader

	// ReserveEmbeddingID allocates a fresh embedding id from a sequence
	ReserveEmbeddingID(ctx context.Context) (int64, error)

	// Insert stores a pending case row and returns the assigned child id.
	// The row stays invisible until MarkRegistered is called.
	Insert(ctx context.Context, rec *CaseRecord) (int64, error)

	// MarkRegistered completes the registration of a pending row
	MarkRegistered(ctx context.Context, embeddingID int64) error

	// UpdateDetails applies a corrective metadata edit
	UpdateDetails(ctx context.Context, embeddingID int64, details CaseDetails) error

	// UpdateStatus sets the case status to `to` only if its current status is
	// one of from, as a single atomic step. Otherwise it returns a
	// *StatusConflictError carrying the current status, or ErrNotFound.
	// Setting StatusClosed also queues an index removal for the embedding id,
	// which the caller must carry out and acknowledge with AckIndexRemoval.
	UpdateStatus(ctx context.Context, embeddingID int64, from []CaseStatus, to CaseStatus) error

	// Delete removes a case row regardless of state (registration compensation)
	Delete(ctx context.Context, embeddingID int64) error

	// DeleteClosedOlderThan deletes closed cases whose age in whole days at now
	// exceeds days, returning what was deleted.
	DeleteClosedOlderThan(ctx context.Context, days int, now time.Time) ([]SweepTarget, error)
}

// IndexOutbox is the queue of index removals that must eventually happen.
type IndexOutbox interface {
	// PendingIndexRemovals returns up to limit queued embedding ids, oldest first
	PendingIndexRemovals(ctx context.Context, limit int) ([]int64, error)
	// AckIndexRemoval drops a queued removal once the index no longer holds the id
	AckIndexRemoval(ctx context.Context, embeddingID int64) error
}

// ReconcileSource exposes the views an index reconciliation pass needs.
type ReconcileSource interface {
	// ListIndexable returns complete, non-closed cases including their embeddings
	ListIndexable(ctx context.Context) ([]CaseRecord, error)
	// StatusByEmbeddingID returns the status of every complete case
	StatusByEmbeddingID(ctx context.Context) (map[int64]CaseStatus, error)
	// ListPendingOlderThan returns incomplete registrations started before cutoff
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]CaseRecord, error)
	// LastReservedEmbeddingID returns the highest embedding id reserved so far, 0 if none
	LastReservedEmbeddingID(ctx context.Context) (int64, error)
}

// CaseStore is the full metadata store used by the services.
type CaseStore interface {
	CaseWriter
	IndexOutbox
	ReconcileSource
}
