package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/api/middleware"
	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/internal/persistence"
	"github.com/smilecare/toothchart/internal/session"
	"github.com/smilecare/toothchart/pkg/idempotency"
)

const fillingBody = `{"type":"filling","surfaces":["O"],"status":"planned","provider":"dr1","date":"2024-01-01"}`

type downStore struct{}

func (downStore) Load(context.Context, string) (chart.Document, error) {
	return chart.Document{}, errors.New("connection refused")
}

func (downStore) Save(context.Context, chart.Document) error {
	return errors.New("connection refused")
}

func newServer(t *testing.T, store persistence.ChartStore, inbox *idempotency.Inbox) http.Handler {
	t.Helper()
	srv, _ := newServerWithRegistry(t, store, inbox)
	return srv
}

func newServerWithRegistry(t *testing.T, store persistence.ChartStore, inbox *idempotency.Inbox) (http.Handler, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(store, zap.NewNop(), session.WithCache(persistence.NewMemoryStore()))
	h := NewChartHandler(registry, inbox, zap.NewNop())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), "dr.smith")))
		})
	})
	r.Mount("/api/v1", h.Routes())
	return r, registry
}

func do(t *testing.T, srv http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) session.State {
	t.Helper()
	var st session.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func TestLabels(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/labels?system=fdi&dentition=primary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Labels []chart.ToothLabel `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Labels, 20)
	assert.Equal(t, "51", resp.Labels[0].Label)

	rec = do(t, srv, http.MethodGet, "/api/v1/labels?system=roman", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChartEditingFlow(t *testing.T) {
	store := persistence.NewMemoryStore()
	srv := newServer(t, store, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeState(t, rec)
	assert.True(t, st.Loaded)
	assert.Equal(t, "p1", st.PatientID)

	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/selection/toggle", `{"tooth":14}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{14}, decodeState(t, rec).Selection)

	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", fillingBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added TreatmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	require.Len(t, added.Treatments, 1)
	assert.Equal(t, 14, added.Treatments[0].Tooth)
	assert.True(t, added.State.Dirty)

	rec = do(t, srv, http.MethodGet, "/api/v1/charts/p1/teeth/14", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail session.ToothDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 1, detail.Summary.Planned)
	assert.Equal(t, "14", detail.Label)

	rec = do(t, srv, http.MethodGet, "/api/v1/charts/p1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Entries []chart.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit.Entries, 1)
	assert.Equal(t, "dr.smith", audit.Entries[0].UserID)
	assert.Equal(t, chart.ActionAddTreatment, audit.Entries[0].Action)

	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/save", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeState(t, rec)
	assert.False(t, st.Dirty)
	assert.NotNil(t, st.SavedAt)

	saved, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, saved.Treatments, 1)
}

func TestBatchAddToExplicitTeeth(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "").Code)

	body := strings.Replace(fillingBody, "{", `{"teeth":[3,4,5],`, 1)
	rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added TreatmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.Len(t, added.Treatments, 3)
	assert.Len(t, added.State.Chart.Audit, 3)
}

func TestUpdateDeleteAndNotes(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "").Code)

	body := strings.Replace(fillingBody, "{", `{"teeth":[14],`, 1)
	rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added TreatmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	id := added.Treatments[0].ID

	rec = do(t, srv, http.MethodPatch, "/api/v1/charts/p1/treatments/"+id, `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated TreatmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, chart.StatusCompleted, updated.Treatment.Status)

	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/notes", `{"tooth":14,"text":"watch margin"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/v1/charts/p1/teeth/1/state", `{"missing":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{1}, decodeState(t, rec).Chart.Missing)

	rec = do(t, srv, http.MethodDelete, "/api/v1/charts/p1/treatments/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeState(t, rec)
	assert.Empty(t, st.Chart.Treatments)
	assert.Len(t, st.Chart.Audit, 5)

	rec = do(t, srv, http.MethodDelete, "/api/v1/charts/p1/treatments/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"edit before load", http.MethodPost, "/api/v1/charts/p1/notes", `{"tooth":3,"text":"x"}`, http.StatusConflict},
		{"audit before load", http.MethodGet, "/api/v1/charts/p1/audit", "", http.StatusConflict},
		{"load", http.MethodPost, "/api/v1/charts/p1/load", "", http.StatusOK},
		{"malformed json", http.MethodPost, "/api/v1/charts/p1/notes", `{"tooth":`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/api/v1/charts/p1/notes", "", http.StatusBadRequest},
		{"tooth out of range", http.MethodPost, "/api/v1/charts/p1/notes", `{"tooth":40,"text":"x"}`, http.StatusBadRequest},
		{"empty selection", http.MethodPost, "/api/v1/charts/p1/treatments", fillingBody, http.StatusBadRequest},
		{"unknown treatment", http.MethodPatch, "/api/v1/charts/p1/treatments/x", `{"status":"completed"}`, http.StatusNotFound},
		{"bad tooth param", http.MethodGet, "/api/v1/charts/p1/teeth/abc", "", http.StatusBadRequest},
		{"no tooth state", http.MethodPut, "/api/v1/charts/p1/teeth/3/state", `{}`, http.StatusBadRequest},
		{"bad preference", http.MethodPut, "/api/v1/charts/p1/preferences", `{"dentition":"canine"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status >= 400 {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestSelectionBounds(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"range within adult teeth", "/selection/range", `{"from":32,"to":1}`, http.StatusOK},
		{"range end too large", "/selection/range", `{"from":1,"to":5000000}`, http.StatusBadRequest},
		{"range start below one", "/selection/range", `{"from":0,"to":3}`, http.StatusBadRequest},
		{"extreme range", "/selection/range", `{"from":-9223372036854775808,"to":9223372036854775807}`, http.StatusBadRequest},
		{"toggle too large", "/selection/toggle", `{"tooth":33}`, http.StatusBadRequest},
		{"toggle negative", "/selection/toggle", `{"tooth":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1"+tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/charts/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeState(t, rec).Selection, 32)
}

func TestReadOnlyRoutesDoNotOpenSessions(t *testing.T) {
	srv, registry := newServerWithRegistry(t, persistence.NewMemoryStore(), nil)

	for i := 0; i < 50; i++ {
		pid := fmt.Sprintf("nobody-%d", i)
		rec := do(t, srv, http.MethodGet, "/api/v1/charts/"+pid, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decodeState(t, rec).Loaded)

		rec = do(t, srv, http.MethodGet, "/api/v1/charts/"+pid+"/teeth/3", "")
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = do(t, srv, http.MethodGet, "/api/v1/charts/"+pid+"/audit", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	}
	assert.Equal(t, 0, registry.Len())

	rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, registry.Len())
	rec = do(t, srv, http.MethodGet, "/api/v1/charts/p1", "")
	assert.True(t, decodeState(t, rec).Loaded)
}

func TestStorageUnavailable(t *testing.T) {
	srv := newServer(t, downStore{}, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"chart storage unavailable"}`, rec.Body.String())
}

func TestPreferencesAndUnload(t *testing.T) {
	srv := newServer(t, persistence.NewMemoryStore(), nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "").Code)

	rec := do(t, srv, http.MethodPut, "/api/v1/charts/p1/preferences", `{"numberingSystem":"palmer","dentition":"primary"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeState(t, rec)
	assert.Equal(t, chart.NumberingPalmer, st.NumberingSystem)
	assert.Equal(t, chart.DentitionPrimary, st.Dentition)
	assert.Empty(t, st.Chart.Audit)

	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/selection/range", `{"from":5,"to":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{5, 4, 3}, decodeState(t, rec).Selection)

	rec = do(t, srv, http.MethodDelete, "/api/v1/charts/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st = decodeState(t, rec)
	assert.False(t, st.Loaded)
	assert.Equal(t, []int{5, 4, 3}, st.Selection)

	rec = do(t, srv, http.MethodDelete, "/api/v1/charts/p1/selection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeState(t, rec).Selection)
}

func TestIdempotentAdd(t *testing.T) {
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), zap.NewNop())
	srv := newServer(t, persistence.NewMemoryStore(), inbox)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/charts/p1/load", "").Code)

	body := strings.Replace(fillingBody, "{", `{"teeth":[14],`, 1)
	first := do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", body, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", body, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	rec := do(t, srv, http.MethodGet, "/api/v1/charts/p1", "")
	assert.Len(t, decodeState(t, rec).Chart.Treatments, 1)

	other := strings.Replace(body, "dr1", "dr2", 1)
	rec = do(t, srv, http.MethodPost, "/api/v1/charts/p1/treatments", other, IdempotencyHeader, "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

type stubHistory struct {
	entries []chart.AuditEntry
	limit   int
}

func (s *stubHistory) AuditLog(_ context.Context, _ string, limit int) ([]chart.AuditEntry, error) {
	s.limit = limit
	return s.entries, nil
}

func TestAuditHistoryWhenNotLoaded(t *testing.T) {
	registry := session.NewRegistry(persistence.NewMemoryStore(), zap.NewNop())
	history := &stubHistory{entries: []chart.AuditEntry{{
		ID:      "e1",
		UserID:  "dr1",
		Action:  chart.ActionDeleteTreatment,
		Payload: chart.TreatmentDeleted{ID: "t1"},
	}}}
	h := NewChartHandler(registry, nil, zap.NewNop()).WithAuditHistory(history)
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())

	rec := do(t, r, http.MethodGet, "/api/v1/charts/p1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Source  string             `json:"source"`
		Entries []chart.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "store", resp.Source)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, chart.TreatmentDeleted{ID: "t1"}, resp.Entries[0].Payload)
	assert.Equal(t, defaultAuditLimit, history.limit)
	assert.Equal(t, 0, registry.Len())
}
