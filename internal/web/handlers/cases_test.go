package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/child-finder/internal/database"
)

func registrationFields() map[string]string {
	return map[string]string{
		"name":                "Meera",
		"age":                 "6",
		"gender":              "female",
		"guardian_contact":    "98765 43210",
		"last_known_location": "Platform 4",
	}
}

func TestCasesHandler_Register(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "/api/v1/cases", registrationFields(), "image", uploadFile{"meera.jpg", "child.jpg"})
	recorder := httptest.NewRecorder()
	env.cases.Register(recorder, req)
	assertStatus(t, recorder, http.StatusCreated)

	var resp CaseResponse
	decode(t, recorder, &resp)
	if resp.Name != "Meera" || resp.Status != "open" {
		t.Errorf("unexpected case %+v", resp)
	}
	if resp.GuardianContact != "+919876543210" {
		t.Errorf("expected normalized contact, got %q", resp.GuardianContact)
	}
	if !env.index.Contains(resp.EmbeddingID) {
		t.Error("registered case must be searchable")
	}
	if strings.Contains(recorder.Body.String(), "embedding\"") {
		t.Error("response must not expose the embedding")
	}
}

func TestCasesHandler_Register_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(map[string]string)
		files  []uploadFile
		want   int
	}{
		{"age not a number", func(f map[string]string) { f["age"] = "six" }, []uploadFile{{"a.jpg", "child.jpg"}}, http.StatusBadRequest},
		{"age out of range", func(f map[string]string) { f["age"] = "18" }, []uploadFile{{"a.jpg", "child.jpg"}}, http.StatusBadRequest},
		{"unknown gender", func(f map[string]string) { f["gender"] = "x" }, []uploadFile{{"a.jpg", "child.jpg"}}, http.StatusBadRequest},
		{"missing name", func(f map[string]string) { delete(f, "name") }, []uploadFile{{"a.jpg", "child.jpg"}}, http.StatusBadRequest},
		{"no image", func(map[string]string) {}, nil, http.StatusBadRequest},
		{"two images", func(map[string]string) {}, []uploadFile{{"a.jpg", "child.jpg"}, {"b.jpg", "child.jpg"}}, http.StatusBadRequest},
		{"empty image", func(map[string]string) {}, []uploadFile{{"a.jpg", ""}}, http.StatusBadRequest},
		{"no face", func(map[string]string) {}, []uploadFile{{"a.jpg", "blank.jpg"}}, http.StatusUnprocessableEntity},
		{"unsupported media", func(map[string]string) {}, []uploadFile{{"a.txt", "hello"}}, http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			fields := registrationFields()
			tc.modify(fields)

			recorder := httptest.NewRecorder()
			env.cases.Register(recorder, multipartRequest(t, "/api/v1/cases", fields, "image", tc.files...))
			assertStatus(t, recorder, tc.want)

			if env.index.Count() != 0 || env.store.Len() != 0 {
				t.Error("failed registration must leave nothing behind")
			}
		})
	}
}

func TestCasesHandler_Register_NotMultipart(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases", strings.NewReader(`{"name":"Meera"}`))
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	env.cases.Register(recorder, req)
	assertStatus(t, recorder, http.StatusBadRequest)
}

func TestCasesHandler_List(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 1, "Arjun", 1)
	env.addCase(t, 2, "Kabir", 2)
	env.store.AddCase(database.CaseRecord{EmbeddingID: 3, Name: "Old", Age: 9, Gender: database.GenderOther, Status: database.StatusClosed})

	tests := []struct {
		query string
		count int
	}{
		{"", 2},
		{"?status=open", 2},
		{"?status=CLOSED", 1},
		{"?status=resolved", 0},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			env.cases.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/cases"+tc.query, nil))
			assertStatus(t, recorder, http.StatusOK)

			var resp CaseListResponse
			decode(t, recorder, &resp)
			if resp.Count != tc.count || len(resp.Cases) != tc.count {
				t.Errorf("expected %d cases, got %d", tc.count, resp.Count)
			}
		})
	}
}

func TestCasesHandler_List_Errors(t *testing.T) {
	env := newTestEnv(t)

	recorder := httptest.NewRecorder()
	env.cases.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/cases?status=lost", nil))
	assertStatus(t, recorder, http.StatusBadRequest)

	env.store.ListError = database.ErrUnavailable
	recorder = httptest.NewRecorder()
	env.cases.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/cases", nil))
	assertStatus(t, recorder, http.StatusServiceUnavailable)
	if strings.Contains(recorder.Body.String(), "store") {
		t.Errorf("server errors must not leak details: %s", recorder.Body.String())
	}
}

func TestCasesHandler_Search(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 1, "Zoë Fernandes", 1)
	env.addCase(t, 2, "Kabir", 2)

	recorder := httptest.NewRecorder()
	env.cases.Search(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/cases/search?q=zoe", nil))
	assertStatus(t, recorder, http.StatusOK)

	var resp CaseListResponse
	decode(t, recorder, &resp)
	if resp.Count != 1 || resp.Cases[0].EmbeddingID != 1 {
		t.Errorf("unexpected search result %+v", resp)
	}

	recorder = httptest.NewRecorder()
	env.cases.Search(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/cases/search?q=+", nil))
	assertStatus(t, recorder, http.StatusBadRequest)
}

func TestCasesHandler_Get(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 7, "Arjun", 1)

	tests := []struct {
		id   string
		want int
	}{
		{"7", http.StatusOK},
		{"8", http.StatusNotFound},
		{"abc", http.StatusBadRequest},
		{"-1", http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/cases/"+tc.id, nil),
				map[string]string{"embeddingId": tc.id})
			recorder := httptest.NewRecorder()
			env.cases.Get(recorder, req)
			assertStatus(t, recorder, tc.want)
		})
	}
}

func TestCasesHandler_Close(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 1, "Arjun", 1)
	params := map[string]string{"embeddingId": "1"}

	recorder := httptest.NewRecorder()
	env.cases.Close(recorder, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/api/v1/cases/1/close", nil), params))
	assertStatus(t, recorder, http.StatusOK)

	var resp CloseResponse
	decode(t, recorder, &resp)
	if resp.Case.Status != "closed" || !resp.IndexRemoved {
		t.Errorf("unexpected close response %+v", resp)
	}
	if env.index.Contains(1) {
		t.Error("closed case must leave the index")
	}

	recorder = httptest.NewRecorder()
	env.cases.Close(recorder, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/api/v1/cases/1/close", nil), params))
	assertStatus(t, recorder, http.StatusConflict)

	recorder = httptest.NewRecorder()
	env.cases.Close(recorder, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/api/v1/cases/2/close", nil),
		map[string]string{"embeddingId": "2"}))
	assertStatus(t, recorder, http.StatusNotFound)
}

func TestCasesHandler_Resolve(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 1, "Arjun", 1)
	params := map[string]string{"embeddingId": "1"}

	recorder := httptest.NewRecorder()
	env.cases.Resolve(recorder, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/api/v1/cases/1/resolve", nil), params))
	assertStatus(t, recorder, http.StatusOK)

	var resp CaseResponse
	decode(t, recorder, &resp)
	if resp.Status != "resolved" {
		t.Errorf("expected resolved, got %q", resp.Status)
	}

	recorder = httptest.NewRecorder()
	env.cases.Resolve(recorder, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/api/v1/cases/1/resolve", nil), params))
	assertStatus(t, recorder, http.StatusConflict)
}

func TestCasesHandler_Edit(t *testing.T) {
	env := newTestEnv(t)
	env.addCase(t, 1, "Arjun", 1)
	params := map[string]string{"embeddingId": "1"}

	body := `{"age": 9, "guardian_contact": "09123456789", "distinguishing_features": "scar on left hand"}`
	req := requestWithChiParams(httptest.NewRequest(http.MethodPatch, "/api/v1/cases/1", strings.NewReader(body)), params)
	recorder := httptest.NewRecorder()
	env.cases.Edit(recorder, req)
	assertStatus(t, recorder, http.StatusOK)

	var resp CaseResponse
	decode(t, recorder, &resp)
	if resp.Age != 9 || resp.GuardianContact != "+919123456789" || resp.DistinguishingFeatures != "scar on left hand" {
		t.Errorf("unexpected edit result %+v", resp)
	}

	for _, bad := range []string{`{}`, `{"age": 40}`, `not json`} {
		req := requestWithChiParams(httptest.NewRequest(http.MethodPatch, "/api/v1/cases/1", strings.NewReader(bad)), params)
		recorder := httptest.NewRecorder()
		env.cases.Edit(recorder, req)
		assertStatus(t, recorder, http.StatusBadRequest)
	}
}
