package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 16

func vec(i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

type fixture struct {
	index *mock.MockIndex
	store *mock.MockCaseStore
	logs  *bytes.Buffer
	log   *slog.Logger
}

func newFixture() *fixture {
	logs := &bytes.Buffer{}
	return &fixture{
		index: mock.NewMockIndex(dim),
		store: mock.NewMockCaseStore(),
		logs:  logs,
		log:   slog.New(slog.NewTextHandler(logs, nil)),
	}
}

func (f *fixture) add(t *testing.T, id int64, status database.CaseStatus, indexed bool) {
	t.Helper()
	if indexed {
		require.NoError(t, f.index.Insert(id, vec(int(id))))
	}
	f.store.AddCase(database.CaseRecord{
		EmbeddingID:     id,
		Name:            "child",
		Age:             9,
		Gender:          database.GenderOther,
		GuardianContact: "+15550000000",
		ImageReference:  "blob.enc",
		Status:          status,
		Embedding:       vec(int(id)),
	})
}

func TestClose(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	m := NewManager(f.index, f.store, f.log)

	before, err := f.index.Search(vec(1), 5, 0.6)
	require.NoError(t, err)
	require.Len(t, before, 1)

	result, err := m.Close(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, result.IndexRemoved)
	assert.Equal(t, database.StatusClosed, result.Case.Status)

	after, err := f.index.Search(vec(1), 5, 0.6)
	require.NoError(t, err)
	assert.Empty(t, after)

	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, rec.Status)

	queued, err := f.store.PendingIndexRemovals(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestClose_Twice(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	m := NewManager(f.index, f.store, f.log)

	_, err := m.Close(context.Background(), 1)
	require.NoError(t, err)

	_, err = m.Close(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestClose_NotFound(t *testing.T) {
	f := newFixture()
	m := NewManager(f.index, f.store, f.log)

	_, err := m.Close(context.Background(), 42)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestClose_StoreUnavailable(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	f.store.UpdateStatusError = database.ErrUnavailable
	m := NewManager(f.index, f.store, f.log)

	_, err := m.Close(context.Background(), 1)
	require.ErrorIs(t, err, database.ErrUnavailable)
	assert.True(t, f.index.Contains(1), "index must not change when the status update fails")
}

func TestClose_IndexFailureQueuesRemoval(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	f.index.RemoveError = errors.New("index file locked")
	m := NewManager(f.index, f.store, f.log)

	result, err := m.Close(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, result.IndexRemoved)
	assert.Contains(t, f.logs.String(), "index inconsistency")
	assert.Contains(t, f.logs.String(), "embedding_id=1")

	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, rec.Status, "status change is not rolled back")

	queued, err := f.store.PendingIndexRemovals(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, queued)

	// still failing: stays queued
	report, err := m.DrainOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	f.index.RemoveError = nil
	report, err = m.DrainOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, f.index.Contains(1))

	queued, err = f.store.PendingIndexRemovals(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestDrainOutbox_QueueUnavailable(t *testing.T) {
	f := newFixture()
	f.store.OutboxError = database.ErrUnavailable
	m := NewManager(f.index, f.store, f.log)

	_, err := m.DrainOutbox(context.Background())
	assert.ErrorIs(t, err, database.ErrUnavailable)
}

func TestResolve(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	m := NewManager(f.index, f.store, f.log)

	rec, err := m.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, database.StatusResolved, rec.Status)
	assert.True(t, f.index.Contains(1), "resolved cases stay searchable")

	_, err = m.Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	result, err := m.Close(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, result.IndexRemoved)

	_, err = m.Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResolve_LosesToConcurrentClose(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	m := NewManager(f.index, f.store, f.log)

	// a close lands after Resolve read the case but before it writes
	var closeErr error
	f.store.BeforeUpdateStatus = func(id int64) {
		f.store.BeforeUpdateStatus = nil
		_, closeErr = m.Close(context.Background(), id)
	}

	_, err := m.Resolve(context.Background(), 1)
	require.NoError(t, closeErr)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.False(t, f.index.Contains(1))
}

func TestClose_LosesToConcurrentClose(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusResolved, true)
	m := NewManager(f.index, f.store, f.log)

	var first *CloseResult
	var firstErr error
	f.store.BeforeUpdateStatus = func(id int64) {
		f.store.BeforeUpdateStatus = nil
		first, firstErr = m.Close(context.Background(), id)
	}

	_, err := m.Close(context.Background(), 1)
	require.NoError(t, firstErr)
	assert.True(t, first.IndexRemoved)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestClose_ResolvedWinsRace(t *testing.T) {
	f := newFixture()
	f.add(t, 1, database.StatusOpen, true)
	m := NewManager(f.index, f.store, f.log)

	// Close read Open; a resolve slips in before the write, which still applies
	f.store.BeforeUpdateStatus = func(id int64) {
		f.store.BeforeUpdateStatus = nil
		_, err := m.Resolve(context.Background(), id)
		require.NoError(t, err)
	}

	result, err := m.Close(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, result.Case.Status)
	assert.False(t, f.index.Contains(1))
}

type blobRecorder struct {
	removed []string
}

func (b *blobRecorder) Remove(ref string) error {
	b.removed = append(b.removed, ref)
	return nil
}

func TestReconciler_Run(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	f.add(t, 1, database.StatusOpen, true)      // consistent
	f.add(t, 2, database.StatusOpen, false)     // missing from index
	f.add(t, 3, database.StatusClosed, true)    // closed but searchable
	f.add(t, 4, database.StatusResolved, false) // resolved, missing
	// no case at all
	require.NoError(t, f.index.Insert(9, vec(9)))

	pending := func(id int64, at time.Time) {
		f.store.Now = func() time.Time { return at }
		require.NoError(t, f.index.Insert(id, vec(int(id))))
		_, err := f.store.Insert(ctx, &database.CaseRecord{
			EmbeddingID: id, Name: "pending", Age: 5, Gender: database.GenderMale,
			GuardianContact: "+15550000000", ImageReference: "pending.enc", Embedding: vec(int(id)),
		})
		require.NoError(t, err)
	}
	pending(10, now.Add(-48*time.Hour)) // abandoned
	pending(11, now.Add(-time.Hour))    // still in flight

	blobs := &blobRecorder{}
	r := NewReconciler(f.index, f.store, blobs, f.log)
	r.Now = func() time.Time { return now }
	var steps []string
	r.OnProgress = func(step string) { steps = append(steps, step) }

	report, err := r.Run(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.PendingPurged)
	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, 2, report.Restored)
	assert.Zero(t, report.Failures)
	assert.Len(t, steps, 4)

	assert.Equal(t, []int64{1, 2, 4, 11}, f.index.IDs())
	assert.Equal(t, []string{"pending.enc"}, blobs.removed)

	_, ok := f.store.Raw(10)
	assert.False(t, ok, "abandoned registration row must be deleted")
	_, ok = f.store.Raw(11)
	assert.True(t, ok, "in-flight registration must be kept")

	// a second pass has nothing left to do
	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PendingPurged+report.Removed+report.Restored+report.Failures)
}

// interleavedIndex runs beforeIDs once, right before the first IDs snapshot.
type interleavedIndex struct {
	*mock.MockIndex
	beforeIDs func()
}

func (i *interleavedIndex) IDs() []int64 {
	if hook := i.beforeIDs; hook != nil {
		i.beforeIDs = nil
		hook()
	}
	return i.MockIndex.IDs()
}

func TestReconciler_KeepsRegistrationStartedDuringRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.add(t, 1, database.StatusOpen, true)
	f.add(t, 5, database.StatusClosed, true)
	require.NoError(t, f.index.Insert(2, vec(2))) // no case at all

	var registered int64
	index := &interleavedIndex{MockIndex: f.index, beforeIDs: func() {
		// reserved and indexed, pending row not written yet
		id, err := f.store.ReserveEmbeddingID(ctx)
		require.NoError(t, err)
		require.NoError(t, f.index.Insert(id, vec(int(id))))
		registered = id
	}}

	report, err := NewReconciler(index, f.store, nil, f.log).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(6), registered)
	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, []int64{1, 6}, f.index.IDs())
}

func TestReconciler_KeepsPendingRowWrittenDuringRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.add(t, 1, database.StatusOpen, true)
	id, err := f.store.ReserveEmbeddingID(ctx)
	require.NoError(t, err)
	require.NoError(t, f.index.Insert(id, vec(int(id))))
	_, err = f.store.ReserveEmbeddingID(ctx) // a later registration moved the sequence on
	require.NoError(t, err)

	index := &interleavedIndex{MockIndex: f.index, beforeIDs: func() {
		_, err := f.store.Insert(ctx, &database.CaseRecord{
			EmbeddingID: id, Name: "pending", Age: 5, Gender: database.GenderFemale,
			GuardianContact: "+15550000000", ImageReference: "pending.enc", Embedding: vec(int(id)),
		})
		require.NoError(t, err)
	}}

	report, err := NewReconciler(index, f.store, nil, f.log).Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, report.Removed)
	assert.True(t, f.index.Contains(id), "entry of a registration in progress must be kept")
	_, ok := f.store.Raw(id)
	assert.True(t, ok)
}

func TestReconciler_StoreUnavailable(t *testing.T) {
	f := newFixture()
	f.store.ReconcileError = database.ErrUnavailable
	r := NewReconciler(f.index, f.store, nil, f.log)

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, database.ErrUnavailable)
}
