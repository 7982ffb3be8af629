package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/child-finder/internal/blobstore"
	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/database/mock"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/lifecycle"
	"github.com/kozaktomas/child-finder/internal/registry"
)

// axis returns a unit embedding along dimension i
func axis(i int) []float32 {
	v := make([]float32, constants.EmbeddingDim)
	v[i] = 1
	return v
}

// stubExtractor maps file contents to the faces found in them
type stubExtractor struct {
	faces map[string][]fingerprint.Face
}

func (s *stubExtractor) ExtractFaces(_ context.Context, data []byte) ([]fingerprint.Face, error) {
	faces, ok := s.faces[string(data)]
	if !ok {
		return nil, fingerprint.ErrUnsupportedMedia
	}
	return faces, nil
}

// testEnv wires real services over in-memory stores
type testEnv struct {
	index     *mock.MockIndex
	store     *mock.MockCaseStore
	extractor *stubExtractor
	cases     *CasesHandler
	identify  *IdentifyHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	blobs, err := blobstore.New(t.TempDir(), make([]byte, 32))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	extractor := &stubExtractor{faces: map[string][]fingerprint.Face{
		"child.jpg": {{Embedding: axis(0), Score: 0.98}},
		"blank.jpg": nil,
	}}
	env := &testEnv{
		index:     mock.NewMockIndex(constants.EmbeddingDim),
		store:     mock.NewMockCaseStore(),
		extractor: extractor,
	}

	reg := registry.NewService(env.index, env.store, blobs, env.extractor, registry.Options{CountryCode: "+91"}, nil)
	lc := lifecycle.NewManager(env.index, env.store, nil)
	matcher := facematch.NewMatcher(env.index, env.store, env.extractor, facematch.DefaultOptions(), nil)

	env.cases = NewCasesHandler(env.store, reg, lc, nil)
	env.identify = NewIdentifyHandler(matcher, nil)
	return env
}

// addCase stores an open, indexed case under id with an embedding along axis(dim)
func (e *testEnv) addCase(t *testing.T, id int64, name string, dim int) {
	t.Helper()
	if err := e.index.Insert(id, axis(dim)); err != nil {
		t.Fatalf("failed to index case: %v", err)
	}
	e.store.AddCase(database.CaseRecord{
		EmbeddingID:     id,
		Name:            name,
		Age:             8,
		Gender:          database.GenderMale,
		GuardianContact: "+919876543210",
		ImageReference:  "case.enc",
		Status:          database.StatusOpen,
		Embedding:       axis(dim),
	})
}

type uploadFile struct {
	name    string
	content string
}

// multipartRequest builds a multipart POST with form fields and files under field
func multipartRequest(t *testing.T, path string, fields map[string]string, field string, files ...uploadFile) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for _, f := range files {
		part, err := writer.CreateFormFile(field, f.name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		part.Write([]byte(f.content))
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decode unmarshals the recorded body into v
func decode(t *testing.T, recorder *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", recorder.Body.String(), err)
	}
}

// assertStatus fails the test when the recorded status differs
func assertStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}
