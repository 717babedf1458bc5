// Package handlers provides HTTP handlers for the chart API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/api/middleware"
	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/internal/session"
	"github.com/smilecare/toothchart/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// IdempotencyHeader carries the client's retry key on mutating requests
const IdempotencyHeader = "Idempotency-Key"

const defaultAuditLimit = 500

var errBadRequest = errors.New("invalid request body")

// AuditReader reads persisted audit history without loading a chart
type AuditReader interface {
	AuditLog(ctx context.Context, patientID string, limit int) ([]chart.AuditEntry, error)
}

// ChartHandler exposes editing sessions over HTTP
type ChartHandler struct {
	registry *session.Registry
	inbox    *idempotency.Inbox
	history  AuditReader
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewChartHandler creates a new handler. inbox may be nil, in which case
// Idempotency-Key headers are ignored.
func NewChartHandler(registry *session.Registry, inbox *idempotency.Inbox, logger *zap.Logger) *ChartHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartHandler{
		registry: registry,
		inbox:    inbox,
		logger:   logger,
		tracer:   otel.Tracer("chart-handler"),
	}
}

// WithAuditHistory serves stored audit history for charts that are not
// loaded
func (h *ChartHandler) WithAuditHistory(r AuditReader) *ChartHandler {
	h.history = r
	return h
}

// Routes returns the handler routes
func (h *ChartHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/labels", h.Labels)
	r.Route("/charts/{patientID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.command("unload", h.unload))
		r.Post("/load", h.command("load", h.load))
		r.Post("/save", h.command("save", h.save))

		r.Post("/selection/toggle", h.command("toggle_tooth", h.toggle))
		r.Post("/selection/range", h.command("select_range", h.selectRange))
		r.Delete("/selection", h.command("clear_selection", h.clearSelection))
		r.Put("/preferences", h.command("set_preferences", h.preferences))

		r.Post("/treatments", h.command("add_treatment", h.addTreatment))
		r.Patch("/treatments/{id}", h.command("update_treatment", h.updateTreatment))
		r.Delete("/treatments/{id}", h.command("delete_treatment", h.deleteTreatment))
		r.Post("/notes", h.command("add_note", h.addNote))
		r.Put("/teeth/{tooth}/state", h.command("set_tooth_state", h.toothState))

		r.Get("/teeth/{tooth}", h.Tooth)
		r.Get("/audit", h.Audit)
	})
	return r
}

// Labels handles GET /labels?system=&dentition=
func (h *ChartHandler) Labels(w http.ResponseWriter, r *http.Request) {
	system, dentition := chart.NumberingUniversal, chart.DentitionAdult
	var err error
	if v := r.URL.Query().Get("system"); v != "" {
		if system, err = chart.ParseNumberingSystem(v); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("dentition"); v != "" {
		if dentition, err = chart.ParseDentition(v); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"numberingSystem": system,
		"dentition":       dentition,
		"labels":          chart.Labels(system, dentition),
	})
}

// Get handles GET /charts/{patientID}
func (h *ChartHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Peek(chi.URLParam(r, "patientID")))
}

// Tooth handles GET /charts/{patientID}/teeth/{tooth}
func (h *ChartHandler) Tooth(w http.ResponseWriter, r *http.Request) {
	tooth, err := toothParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, ok := h.registry.Lookup(chi.URLParam(r, "patientID"))
	if !ok {
		h.writeError(w, r, session.ErrNoChartLoaded)
		return
	}
	detail, err := sess.Tooth(tooth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Audit handles GET /charts/{patientID}/audit?limit=n. A loaded chart
// answers with its log including unsaved entries; otherwise the stored
// history is returned when available. Entries are oldest first.
func (h *ChartHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	patientID := chi.URLParam(r, "patientID")
	st := h.registry.Peek(patientID)
	if st.Loaded {
		entries := st.Chart.Audit
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "session", "entries": entries})
		return
	}
	if h.history == nil {
		h.writeError(w, r, session.ErrNoChartLoaded)
		return
	}

	if limit == 0 {
		limit = defaultAuditLimit
	}
	entries, err := h.history.AuditLog(r.Context(), patientID, limit)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", session.ErrStorageUnavailable, err))
		return
	}
	if entries == nil {
		entries = []chart.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": "store", "entries": entries})
}

// commandFunc runs one session command. body is the raw request body.
type commandFunc func(ctx context.Context, r *http.Request, sess *session.Session, body []byte) (int, any, error)

// command wraps a session command with tracing, error mapping, the local
// checkpoint and optional idempotent replay
func (h *ChartHandler) command(name string, fn commandFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "patientID")
		ctx, span := h.tracer.Start(r.Context(), "chart."+name,
			trace.WithAttributes(attribute.String("patient_id", patientID)))
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		run := func(ctx context.Context) (idempotency.Response, error) {
			sess := h.registry.Open(ctx, patientID)
			status, payload, err := fn(ctx, r, sess, body)
			if err != nil {
				span.RecordError(err)
				var msg string
				status, msg = h.classify(r, err)
				payload = map[string]string{"error": msg}
			} else if err := sess.Checkpoint(ctx); err != nil {
				h.logger.Warn("session checkpoint failed",
					zap.String("patient_id", patientID),
					zap.Error(err))
			}
			out, err := json.Marshal(payload)
			if err != nil {
				return idempotency.Response{}, fmt.Errorf("encode response: %w", err)
			}
			return idempotency.Response{StatusCode: status, Body: out}, nil
		}

		key := r.Header.Get(IdempotencyHeader)
		if key == "" || h.inbox == nil {
			resp, err := run(ctx)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			writeRaw(w, resp)
			return
		}

		scoped := idempotency.GenerateKey(middleware.GetUserID(ctx), patientID, r.Method, r.URL.Path, key)
		res, err := h.inbox.Process(ctx, scoped, name, body, run)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			h.jsonError(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, idempotency.ErrKeyReused):
			h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		case err != nil:
			h.writeError(w, r, err)
			return
		}
		if res.Replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		writeRaw(w, res.Response)
	}
}

func (h *ChartHandler) load(ctx context.Context, r *http.Request, sess *session.Session, _ []byte) (int, any, error) {
	st, err := sess.Load(ctx, chi.URLParam(r, "patientID"))
	return http.StatusOK, st, err
}

func (h *ChartHandler) save(ctx context.Context, _ *http.Request, sess *session.Session, _ []byte) (int, any, error) {
	st, err := sess.Save(ctx)
	return http.StatusOK, st, err
}

func (h *ChartHandler) unload(ctx context.Context, r *http.Request, sess *session.Session, _ []byte) (int, any, error) {
	st := sess.Unload()
	if err := sess.Checkpoint(ctx); err != nil {
		h.logger.Warn("session checkpoint failed", zap.Error(err))
	}
	h.registry.Close(chi.URLParam(r, "patientID"))
	return http.StatusOK, st, nil
}

// ToggleRequest is the body of POST /selection/toggle
type ToggleRequest struct {
	Tooth int `json:"tooth"`
}

func (h *ChartHandler) toggle(_ context.Context, _ *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var req ToggleRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	if err := checkSelectable(req.Tooth); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sess.ToggleTooth(req.Tooth), nil
}

// RangeRequest is the body of POST /selection/range
type RangeRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (h *ChartHandler) selectRange(_ context.Context, _ *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var req RangeRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	if err := checkSelectable(req.From, req.To); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sess.SelectRange(req.From, req.To), nil
}

// checkSelectable bounds selection input to the largest dentition; the
// selection itself does not validate ids
func checkSelectable(teeth ...int) error {
	maxTooth := chart.ToothCount(chart.DentitionAdult)
	for _, n := range teeth {
		if n < 1 || n > maxTooth {
			return fmt.Errorf("%w: tooth %d outside 1..%d", errBadRequest, n, maxTooth)
		}
	}
	return nil
}

func (h *ChartHandler) clearSelection(_ context.Context, _ *http.Request, sess *session.Session, _ []byte) (int, any, error) {
	return http.StatusOK, sess.ClearSelection(), nil
}

// PreferencesRequest is the body of PUT /preferences
type PreferencesRequest struct {
	NumberingSystem *string `json:"numberingSystem,omitempty"`
	Dentition       *string `json:"dentition,omitempty"`
}

func (h *ChartHandler) preferences(_ context.Context, _ *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var req PreferencesRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	// parse both before applying either
	var (
		system    chart.NumberingSystem
		dentition chart.Dentition
		err       error
	)
	if req.NumberingSystem != nil {
		if system, err = chart.ParseNumberingSystem(*req.NumberingSystem); err != nil {
			return 0, nil, err
		}
	}
	if req.Dentition != nil {
		if dentition, err = chart.ParseDentition(*req.Dentition); err != nil {
			return 0, nil, err
		}
	}

	st := sess.State()
	if req.NumberingSystem != nil {
		st = sess.SetNumberingSystem(system)
	}
	if req.Dentition != nil {
		st = sess.SetDentition(dentition)
	}
	return http.StatusOK, st, nil
}

// AddTreatmentRequest is the body of POST /treatments. Without teeth the
// treatment is added to every selected tooth.
type AddTreatmentRequest struct {
	chart.TreatmentInput
	Teeth []int `json:"teeth,omitempty"`
}

// TreatmentsResponse is returned by POST /treatments
type TreatmentsResponse struct {
	Treatments []chart.Treatment `json:"treatments"`
	State      session.State     `json:"state"`
}

func (h *ChartHandler) addTreatment(_ context.Context, r *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var req AddTreatmentRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	user := middleware.GetUserID(r.Context())

	var (
		created []chart.Treatment
		st      session.State
		err     error
	)
	if req.Teeth == nil {
		created, st, err = sess.AddTreatment(user, req.TreatmentInput)
	} else {
		created, st, err = sess.AddTreatmentTo(user, req.TreatmentInput, req.Teeth)
	}
	if err != nil {
		return 0, nil, err
	}
	h.logger.Info("treatments added",
		zap.String("patient_id", st.PatientID),
		zap.String("user_id", user),
		zap.Int("count", len(created)),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	return http.StatusCreated, TreatmentsResponse{Treatments: created, State: st}, nil
}

// TreatmentResponse is returned by PATCH /treatments/{id}
type TreatmentResponse struct {
	Treatment chart.Treatment `json:"treatment"`
	State     session.State   `json:"state"`
}

func (h *ChartHandler) updateTreatment(_ context.Context, r *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var patch chart.TreatmentPatch
	if err := decode(body, &patch); err != nil {
		return 0, nil, err
	}
	t, st, err := sess.UpdateTreatment(middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, TreatmentResponse{Treatment: t, State: st}, nil
}

func (h *ChartHandler) deleteTreatment(_ context.Context, r *http.Request, sess *session.Session, _ []byte) (int, any, error) {
	st, err := sess.DeleteTreatment(middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	return http.StatusOK, st, err
}

// NoteRequest is the body of POST /notes
type NoteRequest struct {
	Tooth int    `json:"tooth"`
	Text  string `json:"text"`
}

// NoteResponse is returned by POST /notes
type NoteResponse struct {
	Note  chart.ToothNote `json:"note"`
	State session.State   `json:"state"`
}

func (h *ChartHandler) addNote(_ context.Context, r *http.Request, sess *session.Session, body []byte) (int, any, error) {
	var req NoteRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	note, st, err := sess.AddNote(middleware.GetUserID(r.Context()), req.Tooth, req.Text)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, NoteResponse{Note: note, State: st}, nil
}

// ToothStateRequest is the body of PUT /teeth/{tooth}/state
type ToothStateRequest struct {
	Missing  *bool `json:"missing,omitempty"`
	Erupting *bool `json:"erupting,omitempty"`
}

func (h *ChartHandler) toothState(_ context.Context, r *http.Request, sess *session.Session, body []byte) (int, any, error) {
	tooth, err := toothParam(r)
	if err != nil {
		return 0, nil, err
	}
	var req ToothStateRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	if req.Missing == nil && req.Erupting == nil {
		return 0, nil, fmt.Errorf("%w: missing or erupting is required", errBadRequest)
	}

	user := middleware.GetUserID(r.Context())
	st := sess.State()
	if req.Missing != nil {
		if st, err = sess.SetMissing(user, tooth, *req.Missing); err != nil {
			return 0, nil, err
		}
	}
	if req.Erupting != nil {
		if st, err = sess.SetErupting(user, tooth, *req.Erupting); err != nil {
			return 0, nil, err
		}
	}
	return http.StatusOK, st, nil
}

// classify maps a command error to a status and client message
func (h *ChartHandler) classify(r *http.Request, err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), chart.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chart.ErrTreatmentNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrNoChartLoaded), errors.Is(err, session.ErrLoadSuperseded):
		return http.StatusConflict, err.Error()
	case errors.Is(err, session.ErrStorageUnavailable):
		h.logger.Warn("chart storage unavailable",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		return http.StatusServiceUnavailable, "chart storage unavailable"
	default:
		h.logger.Error("chart command failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *ChartHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.classify(r, err)
	h.jsonError(w, msg, status)
}

func (h *ChartHandler) jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, resp idempotency.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func toothParam(r *http.Request) (int, error) {
	tooth, err := strconv.Atoi(chi.URLParam(r, "tooth"))
	if err != nil {
		return 0, fmt.Errorf("%w: tooth must be an integer", errBadRequest)
	}
	return tooth, nil
}
