// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/facematch"
)

// MockCaseStore is an in-memory implementation of database.CaseStore
type MockCaseStore struct {
	mu       sync.RWMutex
	cases    map[int64]*database.CaseRecord
	removals map[int64]time.Time
	nextID   int64
	nextSeq  int64

	// Now supplies timestamps for mutations; defaults to time.Now
	Now func() time.Time

	// Error injection
	ReserveError       error
	InsertError        error
	MarkError          error
	GetError           error
	ListError          error
	UpdateStatusError  error
	UpdateDetailsError error
	DeleteError        error
	SweepError         error
	OutboxError        error
	AckError           error
	ReconcileError     error

	// GetErrors fails Get for specific embedding ids
	GetErrors map[int64]error

	// BeforeUpdateStatus runs at the start of UpdateStatus, outside the lock,
	// so tests can interleave a concurrent transition.
	BeforeUpdateStatus func(embeddingID int64)
}

var _ database.CaseStore = (*MockCaseStore)(nil)

// NewMockCaseStore creates a new empty mock case store
func NewMockCaseStore() *MockCaseStore {
	return &MockCaseStore{
		cases:    make(map[int64]*database.CaseRecord),
		removals: make(map[int64]time.Time),
		Now:      time.Now,
	}
}

// AddCase stores a complete case directly, bypassing registration
func (m *MockCaseStore) AddCase(rec database.CaseRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if rec.ChildID == 0 {
		rec.ChildID = m.nextID
	}
	if rec.Status == "" {
		rec.Status = database.StatusOpen
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = m.Now()
	}
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = rec.RegisteredAt
	}
	rec.RegistrationComplete = true
	if rec.EmbeddingID > m.nextSeq {
		m.nextSeq = rec.EmbeddingID
	}
	m.cases[rec.EmbeddingID] = &rec
}

// SetLastUpdated overrides a case's last_updated_at
func (m *MockCaseStore) SetLastUpdated(embeddingID int64, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cases[embeddingID]; ok {
		c.LastUpdatedAt = t
	}
}

// Raw returns a copy of a row regardless of registration state
func (m *MockCaseStore) Raw(embeddingID int64) (database.CaseRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[embeddingID]
	if !ok {
		return database.CaseRecord{}, false
	}
	return *c, true
}

// Len returns the number of rows, pending included
func (m *MockCaseStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cases)
}

// ReserveEmbeddingID returns the next id of an in-memory sequence
func (m *MockCaseStore) ReserveEmbeddingID(ctx context.Context) (int64, error) {
	if m.ReserveError != nil {
		return 0, m.ReserveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	return m.nextSeq, nil
}

// Insert stores a pending row
func (m *MockCaseStore) Insert(ctx context.Context, rec *database.CaseRecord) (int64, error) {
	if m.InsertError != nil {
		return 0, m.InsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[rec.EmbeddingID]; ok {
		return 0, fmt.Errorf("insert case %d: %w", rec.EmbeddingID, database.ErrDuplicateID)
	}
	m.nextID++
	c := *rec
	c.ChildID = m.nextID
	if c.Status == "" {
		c.Status = database.StatusOpen
	}
	c.RegisteredAt = m.Now()
	c.LastUpdatedAt = c.RegisteredAt
	c.RegistrationComplete = false
	c.Embedding = slices.Clone(rec.Embedding)
	m.cases[c.EmbeddingID] = &c
	if c.EmbeddingID > m.nextSeq {
		m.nextSeq = c.EmbeddingID
	}

	rec.ChildID = c.ChildID
	rec.Status = c.Status
	rec.RegisteredAt = c.RegisteredAt
	rec.LastUpdatedAt = c.LastUpdatedAt
	return c.ChildID, nil
}

// MarkRegistered completes a pending row
func (m *MockCaseStore) MarkRegistered(ctx context.Context, embeddingID int64) error {
	if m.MarkError != nil {
		return m.MarkError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[embeddingID]
	if !ok || c.RegistrationComplete {
		return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	c.RegistrationComplete = true
	c.LastUpdatedAt = m.Now()
	return nil
}

// Get retrieves a complete case
func (m *MockCaseStore) Get(ctx context.Context, embeddingID int64) (*database.CaseRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	if err := m.GetErrors[embeddingID]; err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[embeddingID]
	if !ok || !c.RegistrationComplete {
		return nil, fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	out := *c
	out.Embedding = slices.Clone(c.Embedding)
	return &out, nil
}

// ListByStatus returns complete cases in the given status
func (m *MockCaseStore) ListByStatus(ctx context.Context, status database.CaseStatus) ([]database.CaseRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	return m.filter(func(c *database.CaseRecord) bool {
		return c.RegistrationComplete && c.Status == status
	}, false), nil
}

// SearchByName returns open cases whose normalized name contains substring
func (m *MockCaseStore) SearchByName(ctx context.Context, substring string) ([]database.CaseRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	return m.filter(func(c *database.CaseRecord) bool {
		return c.RegistrationComplete && c.Status == database.StatusOpen && facematch.NameContains(c.Name, substring)
	}, false), nil
}

// GuardianContacts returns distinct contacts of open cases with the given name
func (m *MockCaseStore) GuardianContacts(ctx context.Context, name string) ([]string, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	want := facematch.NormalizeName(name)
	seen := make(map[string]bool)
	var contacts []string
	for _, c := range m.filter(func(c *database.CaseRecord) bool {
		return c.RegistrationComplete && c.Status == database.StatusOpen && facematch.NormalizeName(c.Name) == want
	}, false) {
		if !seen[c.GuardianContact] {
			seen[c.GuardianContact] = true
			contacts = append(contacts, c.GuardianContact)
		}
	}
	sort.Strings(contacts)
	return contacts, nil
}

// Count returns complete cases per status
func (m *MockCaseStore) Count(ctx context.Context) (map[database.CaseStatus]int, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[database.CaseStatus]int{
		database.StatusOpen:     0,
		database.StatusResolved: 0,
		database.StatusClosed:   0,
	}
	for _, c := range m.cases {
		if c.RegistrationComplete {
			counts[c.Status]++
		}
	}
	return counts, nil
}

// UpdateDetails applies a corrective edit
func (m *MockCaseStore) UpdateDetails(ctx context.Context, embeddingID int64, details database.CaseDetails) error {
	if m.UpdateDetailsError != nil {
		return m.UpdateDetailsError
	}
	if details.Empty() {
		return &database.ValidationError{Field: "details", Reason: "no fields to update"}
	}
	if err := details.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[embeddingID]
	if !ok || !c.RegistrationComplete {
		return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	if details.Name != nil {
		c.Name = strings.TrimSpace(*details.Name)
	}
	if details.Age != nil {
		c.Age = *details.Age
	}
	if details.Gender != nil {
		c.Gender, _ = database.ParseGender(string(*details.Gender))
	}
	if details.GuardianContact != nil {
		c.GuardianContact = strings.TrimSpace(*details.GuardianContact)
	}
	if details.DistinguishingFeatures != nil {
		c.DistinguishingFeatures = strings.TrimSpace(*details.DistinguishingFeatures)
	}
	if details.LastKnownLocation != nil {
		c.LastKnownLocation = strings.TrimSpace(*details.LastKnownLocation)
	}
	c.LastUpdatedAt = m.Now()
	return nil
}

// UpdateStatus moves a case from one of from to status, queueing an index
// removal on close
func (m *MockCaseStore) UpdateStatus(ctx context.Context, embeddingID int64, from []database.CaseStatus, status database.CaseStatus) error {
	if hook := m.BeforeUpdateStatus; hook != nil {
		hook(embeddingID)
	}
	if m.UpdateStatusError != nil {
		return m.UpdateStatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[embeddingID]
	if !ok || !c.RegistrationComplete {
		return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	if !slices.Contains(from, c.Status) {
		return &database.StatusConflictError{EmbeddingID: embeddingID, Current: c.Status}
	}
	c.Status = status
	c.LastUpdatedAt = m.Now()
	if status == database.StatusClosed {
		if _, queued := m.removals[embeddingID]; !queued {
			m.removals[embeddingID] = m.Now()
		}
	}
	return nil
}

// Delete removes a row in any state
func (m *MockCaseStore) Delete(ctx context.Context, embeddingID int64) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[embeddingID]; !ok {
		return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	delete(m.cases, embeddingID)
	return nil
}

// DeleteClosedOlderThan deletes closed cases older than days whole days at now
func (m *MockCaseStore) DeleteClosedOlderThan(ctx context.Context, days int, now time.Time) ([]database.SweepTarget, error) {
	if m.SweepError != nil {
		return nil, m.SweepError
	}
	if days < 0 {
		return nil, &database.ValidationError{Field: "days", Reason: "must not be negative"}
	}
	cutoff := now.Add(-time.Duration(days+1) * 24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	var targets []database.SweepTarget
	for id, c := range m.cases {
		if c.RegistrationComplete && c.Status == database.StatusClosed && !c.LastUpdatedAt.After(cutoff) {
			targets = append(targets, database.SweepTarget{EmbeddingID: id, ImageReference: c.ImageReference})
			delete(m.cases, id)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].EmbeddingID < targets[j].EmbeddingID })
	return targets, nil
}

// LastReservedEmbeddingID returns the last id handed out by the in-memory sequence
func (m *MockCaseStore) LastReservedEmbeddingID(ctx context.Context) (int64, error) {
	if m.ReconcileError != nil {
		return 0, m.ReconcileError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextSeq, nil
}

// ListPendingOlderThan returns incomplete rows registered at or before cutoff
func (m *MockCaseStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]database.CaseRecord, error) {
	if m.ReconcileError != nil {
		return nil, m.ReconcileError
	}
	return m.filter(func(c *database.CaseRecord) bool {
		return !c.RegistrationComplete && !c.RegisteredAt.After(cutoff)
	}, false), nil
}

// ListIndexable returns complete non-closed cases with embeddings
func (m *MockCaseStore) ListIndexable(ctx context.Context) ([]database.CaseRecord, error) {
	if m.ReconcileError != nil {
		return nil, m.ReconcileError
	}
	return m.filter(func(c *database.CaseRecord) bool {
		return c.RegistrationComplete && c.Status != database.StatusClosed
	}, true), nil
}

// StatusByEmbeddingID returns the status of every complete case
func (m *MockCaseStore) StatusByEmbeddingID(ctx context.Context) (map[int64]database.CaseStatus, error) {
	if m.ReconcileError != nil {
		return nil, m.ReconcileError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]database.CaseStatus, len(m.cases))
	for id, c := range m.cases {
		if c.RegistrationComplete {
			out[id] = c.Status
		}
	}
	return out, nil
}

// PendingIndexRemovals returns queued removals oldest first
func (m *MockCaseStore) PendingIndexRemovals(ctx context.Context, limit int) ([]int64, error) {
	if m.OutboxError != nil {
		return nil, m.OutboxError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.removals))
	for id := range m.removals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := m.removals[ids[i]], m.removals[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// AckIndexRemoval drops a queued removal
func (m *MockCaseStore) AckIndexRemoval(ctx context.Context, embeddingID int64) error {
	if m.AckError != nil {
		return m.AckError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.removals, embeddingID)
	return nil
}

func (m *MockCaseStore) filter(keep func(*database.CaseRecord) bool, withEmbedding bool) []database.CaseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.CaseRecord
	for _, c := range m.cases {
		if !keep(c) {
			continue
		}
		rec := *c
		if withEmbedding {
			rec.Embedding = slices.Clone(c.Embedding)
		} else {
			rec.Embedding = nil
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmbeddingID < out[j].EmbeddingID })
	return out
}

// MockIndex is an exact in-memory implementation of database.EmbeddingIndex
type MockIndex struct {
	mu      sync.RWMutex
	vectors map[int64][]float32
	dim     int

	// Error injection
	InsertError error
	RemoveError error
	SearchError error

	// SearchErrors fails searches whose first component equals the key
	SearchErrors map[float32]error
}

var _ database.EmbeddingIndex = (*MockIndex)(nil)

// NewMockIndex creates an empty mock index of the given dimension
func NewMockIndex(dim int) *MockIndex {
	return &MockIndex{vectors: make(map[int64][]float32), dim: dim}
}

// Insert adds a vector
func (m *MockIndex) Insert(id int64, vector []float32) error {
	if err := database.ValidateEmbedding(vector, m.dim); err != nil {
		return err
	}
	if m.InsertError != nil {
		return m.InsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vectors[id]; ok {
		return fmt.Errorf("insert %d: %w", id, database.ErrDuplicateID)
	}
	m.vectors[id] = slices.Clone(vector)
	return nil
}

// Remove deletes a vector; absent ids are a no-op
func (m *MockIndex) Remove(id int64) error {
	if m.RemoveError != nil {
		return m.RemoveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	return nil
}

// Search scans every vector
func (m *MockIndex) Search(query []float32, k int, threshold float64) ([]database.Candidate, error) {
	if err := database.ValidateEmbedding(query, m.dim); err != nil {
		return nil, err
	}
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	if k <= 0 {
		return nil, nil
	}
	if len(query) > 0 {
		if err := m.SearchErrors[query[0]]; err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Candidate
	for id, v := range m.vectors {
		if sim := database.CosineSimilarity(query, v); sim >= threshold {
			out = append(out, database.Candidate{ID: id, Similarity: sim})
		}
	}
	database.SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Contains reports whether id is present
func (m *MockIndex) Contains(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vectors[id]
	return ok
}

// IDs returns ids in ascending order
func (m *MockIndex) IDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.vectors))
	for id := range m.vectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of vectors
func (m *MockIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
