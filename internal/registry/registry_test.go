package registry

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/kozaktomas/child-finder/internal/blobstore"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/mock"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 512

func vec(i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

type fixture struct {
	index *mock.MockIndex
	store *mock.MockCaseStore
	blobs *blobstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir(), make([]byte, 32))
	require.NoError(t, err)
	return &fixture{
		index: mock.NewMockIndex(dim),
		store: mock.NewMockCaseStore(),
		blobs: blobs,
	}
}

func (f *fixture) service(blobs BlobStore, extractor fingerprint.Extractor) *Service {
	if blobs == nil {
		blobs = f.blobs
	}
	return NewService(f.index, f.store, blobs, extractor, Options{Dim: dim, CountryCode: "+1"}, nil)
}

func (f *fixture) assertNothingLeft(t *testing.T) {
	t.Helper()
	assert.Zero(t, f.index.Count(), "index entries left behind")
	assert.Zero(t, f.store.Len(), "case rows left behind")
	entries, err := os.ReadDir(f.blobs.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "blobs left behind")
}

func ava() Registration {
	return Registration{
		Name:            "  Ava ",
		Age:             7,
		Gender:          "female",
		GuardianContact: "+15551234567",
		Embedding:       vec(0),
		Image:           []byte("jpeg bytes"),
	}
}

type failingBlobs struct {
	*blobstore.Store
	putErr error
}

func (b *failingBlobs) Put(int64, []byte) (string, error) {
	return "", b.putErr
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)

	rec, err := svc.Register(context.Background(), ava())
	require.NoError(t, err)

	assert.Equal(t, "Ava", rec.Name)
	assert.Equal(t, database.GenderFemale, rec.Gender)
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.True(t, rec.RegistrationComplete)
	assert.True(t, f.index.Contains(rec.EmbeddingID))

	stored, err := f.store.Get(context.Background(), rec.EmbeddingID)
	require.NoError(t, err)
	assert.Equal(t, rec.ImageReference, stored.ImageReference)

	image, err := f.blobs.Get(stored.ImageReference)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), image)
}

func TestRegister_DistinctIDs(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)

	first, err := svc.Register(context.Background(), ava())
	require.NoError(t, err)
	// identical input is a second registration, not a collision
	second, err := svc.Register(context.Background(), ava())
	require.NoError(t, err)

	assert.NotEqual(t, first.EmbeddingID, second.EmbeddingID)
	assert.Equal(t, 2, f.index.Count())
}

func TestRegister_LocalContactGetsCountryCode(t *testing.T) {
	f := newFixture(t)
	reg := ava()
	reg.GuardianContact = "555 123 4567"

	rec, err := f.service(nil, nil).Register(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", rec.GuardianContact)
}

func TestRegister_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Registration)
	}{
		{"empty name", func(r *Registration) { r.Name = "   " }},
		{"age zero", func(r *Registration) { r.Age = 0 }},
		{"age eighteen", func(r *Registration) { r.Age = 18 }},
		{"unknown gender", func(r *Registration) { r.Gender = "unknown" }},
		{"empty contact", func(r *Registration) { r.GuardianContact = "" }},
		{"bad contact", func(r *Registration) { r.GuardianContact = "n/a" }},
		{"short embedding", func(r *Registration) { r.Embedding = make([]float32, 128) }},
		{"no image", func(r *Registration) { r.Image = nil }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			reg := ava()
			tc.mutate(&reg)

			_, err := f.service(nil, nil).Register(context.Background(), reg)
			require.ErrorIs(t, err, database.ErrValidation)
			f.assertNothingLeft(t)
		})
	}
}

func TestRegister_Compensation(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(f *fixture) BlobStore
	}{
		{"reserve fails", func(f *fixture) BlobStore {
			f.store.ReserveError = boom
			return nil
		}},
		{"index insert fails", func(f *fixture) BlobStore {
			f.index.InsertError = boom
			return nil
		}},
		{"metadata insert fails", func(f *fixture) BlobStore {
			f.store.InsertError = boom
			return nil
		}},
		{"blob write fails", func(f *fixture) BlobStore {
			return &failingBlobs{Store: f.blobs, putErr: boom}
		}},
		{"completion fails", func(f *fixture) BlobStore {
			f.store.MarkError = boom
			return nil
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			blobs := tc.setup(f)

			_, err := f.service(blobs, nil).Register(context.Background(), ava())
			require.ErrorIs(t, err, boom)
			f.assertNothingLeft(t)
		})
	}
}

func TestRegister_FailedCompensationKeepsOriginalError(t *testing.T) {
	f := newFixture(t)
	f.store.InsertError = database.ErrUnavailable
	f.index.RemoveError = errors.New("index file locked")

	_, err := f.service(nil, nil).Register(context.Background(), ava())
	require.ErrorIs(t, err, database.ErrUnavailable)
	assert.NotContains(t, err.Error(), "locked")
	// the orphan is left for reconciliation
	assert.Equal(t, 1, f.index.Count())
}

func TestRegister_PendingRowInvisibleUntilComplete(t *testing.T) {
	f := newFixture(t)
	f.store.MarkError = errors.New("interrupted")

	_, err := f.service(nil, nil).Register(context.Background(), ava())
	require.Error(t, err)

	cases, err := f.store.ListByStatus(context.Background(), database.StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

type stubExtractor struct {
	faces []fingerprint.Face
	err   error
}

func (s *stubExtractor) ExtractFaces(context.Context, []byte) ([]fingerprint.Face, error) {
	return s.faces, s.err
}

func TestRegisterImage_UsesBestFace(t *testing.T) {
	f := newFixture(t)
	extractor := &stubExtractor{faces: []fingerprint.Face{
		{Index: 0, Embedding: vec(1), Score: 0.6},
		{Index: 1, Embedding: vec(2), Score: 0.98},
	}}
	reg := ava()
	reg.Embedding = nil
	reg.Image = nil

	rec, err := f.service(nil, extractor).RegisterImage(context.Background(), reg, []byte("photo"))
	require.NoError(t, err)

	results, err := f.index.Search(vec(2), 1, 0.99)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.EmbeddingID, results[0].ID)
}

func TestRegisterImage_NoFace(t *testing.T) {
	f := newFixture(t)

	_, err := f.service(nil, &stubExtractor{}).RegisterImage(context.Background(), ava(), []byte("photo"))
	require.ErrorIs(t, err, fingerprint.ErrNoFace)
	f.assertNothingLeft(t)
}

func TestRegisterImage_ValidatesBeforeExtraction(t *testing.T) {
	f := newFixture(t)
	extractor := &stubExtractor{err: errors.New("should not be called")}
	reg := ava()
	reg.Age = 40

	_, err := f.service(nil, extractor).RegisterImage(context.Background(), reg, []byte("photo"))
	require.ErrorIs(t, err, database.ErrValidation)
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)
	rec, err := svc.Register(context.Background(), ava())
	require.NoError(t, err)

	location := " Central Station "
	contact := "555 987 6543"
	gender := database.Gender("F")
	edited, err := svc.Edit(context.Background(), rec.EmbeddingID, database.CaseDetails{
		LastKnownLocation: &location,
		GuardianContact:   &contact,
		Gender:            &gender,
	})
	require.NoError(t, err)

	assert.Equal(t, "Central Station", edited.LastKnownLocation)
	assert.Equal(t, "+15559876543", edited.GuardianContact)
	assert.Equal(t, database.GenderFemale, edited.Gender)
	assert.Equal(t, "Ava", edited.Name)
}

func TestEdit_Invalid(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, nil)
	rec, err := svc.Register(context.Background(), ava())
	require.NoError(t, err)

	age := 18
	blank := "   "
	for name, details := range map[string]database.CaseDetails{
		"empty":   {},
		"age":     {Age: &age},
		"name":    {Name: &blank},
		"contact": {GuardianContact: &blank},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Edit(context.Background(), rec.EmbeddingID, details)
			assert.ErrorIs(t, err, database.ErrValidation)
		})
	}

	stored, err := f.store.Get(context.Background(), rec.EmbeddingID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Age)
}

func TestEdit_NotFound(t *testing.T) {
	f := newFixture(t)
	age := 9
	_, err := f.service(nil, nil).Edit(context.Background(), 404, database.CaseDetails{Age: &age})
	assert.ErrorIs(t, err, database.ErrNotFound)
}
