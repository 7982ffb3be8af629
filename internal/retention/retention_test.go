package retention

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/child-finder/internal/blobstore"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

type fixture struct {
	store *mock.MockCaseStore
	index *mock.MockIndex
	blobs *blobstore.Store
	logs  *bytes.Buffer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir(), make([]byte, 32))
	require.NoError(t, err)
	return &fixture{
		store: mock.NewMockCaseStore(),
		index: mock.NewMockIndex(4),
		blobs: blobs,
		logs:  &bytes.Buffer{},
		now:   time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	}
}

// add stores a case last touched age ago, with an image blob.
func (f *fixture) add(t *testing.T, id int64, status database.CaseStatus, age time.Duration) {
	t.Helper()
	ref, err := f.blobs.Put(id, []byte("image"))
	require.NoError(t, err)
	f.store.AddCase(database.CaseRecord{
		EmbeddingID:    id,
		Name:           "child",
		Age:            10,
		Gender:         database.GenderFemale,
		ImageReference: ref,
		Status:         status,
		LastUpdatedAt:  f.now.Add(-age),
	})
}

func (f *fixture) sweeper(days int) *Sweeper {
	return NewSweeper(f.store, f.index, f.blobs, Options{Days: days, Passes: 2},
		slog.New(slog.NewTextHandler(f.logs, nil)))
}

func (f *fixture) blobExists(t *testing.T, id int64) bool {
	t.Helper()
	ok, err := f.blobs.Exists(f.blobs.Ref(id))
	require.NoError(t, err)
	return ok
}

func TestSweep_AgeBoundary(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 30*day)              // exactly D days
	f.add(t, 2, database.StatusClosed, 30*day+23*time.Hour) // still D whole days
	f.add(t, 3, database.StatusClosed, 31*day)              // D+1
	f.add(t, 4, database.StatusClosed, 400*day)             // long expired
	f.add(t, 5, database.StatusOpen, 400*day)               // never swept
	f.add(t, 6, database.StatusResolved, 400*day)           // never swept

	report, err := f.sweeper(30).Sweep(context.Background(), f.now)
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 2, report.BlobsErased)
	assert.Empty(t, report.BlobFailures)

	for _, id := range []int64{1, 2, 5, 6} {
		_, ok := f.store.Raw(id)
		assert.True(t, ok, "case %d must survive", id)
		assert.True(t, f.blobExists(t, id), "blob %d must survive", id)
	}
	for _, id := range []int64{3, 4} {
		_, ok := f.store.Raw(id)
		assert.False(t, ok, "case %d must be deleted", id)
		assert.False(t, f.blobExists(t, id), "blob %d must be erased", id)
	}
}

func TestSweep_ZeroDays(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 23*time.Hour)
	f.add(t, 2, database.StatusClosed, day)

	report, err := f.sweeper(0).Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)

	_, ok := f.store.Raw(2)
	assert.False(t, ok)
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 45*day)
	s := f.sweeper(30)

	first, err := s.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Selected)

	second, err := s.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.Zero(t, second.Selected)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSweep_BlobFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 45*day)
	f.add(t, 3, database.StatusClosed, 45*day)
	// a reference outside the store cannot be erased
	f.store.AddCase(database.CaseRecord{
		EmbeddingID:    2,
		Name:           "child",
		Age:            10,
		Gender:         database.GenderMale,
		ImageReference: filepath.Join(os.TempDir(), "elsewhere", "2.enc"),
		Status:         database.StatusClosed,
		LastUpdatedAt:  f.now.Add(-45 * day),
	})

	var progress []int
	s := f.sweeper(30)
	s.OnRecord = func(done, total int) {
		assert.Equal(t, 3, total)
		progress = append(progress, done)
	}

	report, err := s.Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Deleted)
	assert.Equal(t, 2, report.BlobsErased)
	require.Len(t, report.BlobFailures, 1)
	assert.Equal(t, int64(2), report.BlobFailures[0].EmbeddingID)
	assert.ErrorIs(t, report.BlobFailures[0], blobstore.ErrOutsideStore)
	assert.Equal(t, []int{1, 2, 3}, progress)

	assert.Contains(t, f.logs.String(), "secure delete failed")
	assert.Contains(t, f.logs.String(), "embedding_id=2")
	assert.False(t, f.blobExists(t, 3), "records after the failure are still processed")
}

func TestSweep_MissingBlob(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 45*day)
	require.NoError(t, f.blobs.Remove(f.blobs.Ref(1)))

	report, err := f.sweeper(30).Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BlobsMissing)
	assert.Empty(t, report.BlobFailures)
}

func TestSweep_RemovesLeftoverIndexEntry(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1, database.StatusClosed, 45*day)
	require.NoError(t, f.index.Insert(1, []float32{1, 0, 0, 0}))

	_, err := f.sweeper(30).Sweep(context.Background(), f.now)
	require.NoError(t, err)
	assert.False(t, f.index.Contains(1))
}

func TestSweep_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.SweepError = database.ErrUnavailable

	_, err := f.sweeper(30).Sweep(context.Background(), f.now)
	assert.ErrorIs(t, err, database.ErrUnavailable)
}

func TestMonthly(t *testing.T) {
	s := Monthly(1)
	loc := time.UTC

	tests := []struct {
		name string
		at   time.Time
		next time.Time
		due  bool
	}{
		{"mid month", time.Date(2026, 5, 14, 8, 0, 0, 0, loc), time.Date(2026, 6, 1, 0, 0, 0, 0, loc), false},
		{"on the day", time.Date(2026, 6, 1, 8, 0, 0, 0, loc), time.Date(2026, 7, 1, 0, 0, 0, 0, loc), true},
		{"at midnight", time.Date(2026, 6, 1, 0, 0, 0, 0, loc), time.Date(2026, 7, 1, 0, 0, 0, 0, loc), true},
		{"year end", time.Date(2026, 12, 31, 23, 0, 0, 0, loc), time.Date(2027, 1, 1, 0, 0, 0, 0, loc), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.next, s.Next(tc.at))
			assert.Equal(t, tc.due, s.Due(tc.at))
		})
	}
}

func TestNewSchedule(t *testing.T) {
	s, err := NewSchedule("interval", 0, time.Hour)
	require.NoError(t, err)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(time.Hour), s.Next(at))
	assert.True(t, s.Due(at))

	_, err = NewSchedule("monthly", 31, 0)
	assert.Error(t, err)
	_, err = NewSchedule("interval", 1, 0)
	assert.Error(t, err)
	_, err = NewSchedule("weekly", 1, time.Hour)
	assert.Error(t, err)
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	job := func(context.Context, time.Time) error {
		if runs.Add(1) >= 3 {
			cancel()
		}
		return errors.New("job errors do not stop the scheduler")
	}

	s := NewScheduler("test", Every(time.Millisecond), job, false, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestScheduler_RunOnStartOnlyWhenDue(t *testing.T) {
	for _, tc := range []struct {
		name string
		now  time.Time
		want int32
	}{
		{"first of month", time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), 1},
		{"other day", time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var runs atomic.Int32
			ctx, cancel := context.WithCancel(context.Background())
			job := func(context.Context, time.Time) error {
				runs.Add(1)
				return nil
			}

			s := NewScheduler("sweep", Monthly(1), job, true, nil)
			s.Now = func() time.Time {
				// cancel once startup is over; the next monthly run is weeks away
				defer cancel()
				return tc.now
			}
			err := s.Run(ctx)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, tc.want, runs.Load())
		})
	}
}
