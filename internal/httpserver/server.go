// Package httpserver exposes the ingestion core's HTTP surface: health,
// event submission, exception listing/lookup, and exception resolution.
package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/ingest"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/resolve"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

// Server wires the ingest and resolve services onto a chi router.
type Server struct {
	ingest  *ingest.Service
	resolve *resolve.Service
	store   store.Store
}

// New constructs a Server.
func New(ingestSvc *ingest.Service, resolveSvc *resolve.Service, s store.Store) *Server {
	return &Server{ingest: ingestSvc, resolve: resolveSvc, store: s}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/v1/health", s.handleHealth)
	r.Post("/v1/events", s.handleIngestEvent)
	r.Get("/v1/exceptions", s.handleListExceptions)
	r.Get("/v1/exceptions/{exception_id}", s.handleGetException)
	r.Post("/v1/exceptions/{exception_id}/resolve", s.handleResolveException)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Health never fails the response itself: any internal error degrades
	// the reported status rather than surfacing as a 5xx.
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "degraded",
			"db":     "error",
			"error":  err.Error(),
		})
		return
	}

	counts, err := s.store.HealthCounts(r.Context())
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "degraded",
			"db":     "error",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"db":      "ok",
		"db_time": counts.DBTime.Format(time.RFC3339Nano),
		"counts": map[string]interface{}{
			"events_raw":       counts.EventsRaw,
			"exceptions_open":  counts.ExceptionsOpen,
			"idempotency": map[string]interface{}{
				"processed":   counts.IdempProcessed,
				"quarantined": counts.IdempQuarantine,
				"ignored":     counts.IdempIgnored,
			},
		},
	})
}

type eventRequest struct {
	TenantID      string          `json:"tenant_id"`
	StoreID       string          `json:"store_id"`
	SourceSystem  string          `json:"source_system"`
	SchemaVersion string          `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	EventID       string          `json:"event_id"`
	SourceEventID *string         `json:"source_event_id,omitempty"`
	EventType     string          `json:"event_type"`
	TxnID         string          `json:"txn_id"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	var payload map[string]interface{}
	if len(req.Payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Payload))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", "payload must be a JSON object")
			return
		}
	}

	res, err := s.ingest.Ingest(r.Context(), ingest.Input{
		TenantID: req.TenantID, StoreID: req.StoreID, SourceSystem: req.SourceSystem,
		SchemaVersion: req.SchemaVersion, OccurredAt: req.OccurredAt, EventID: req.EventID,
		SourceEventID: req.SourceEventID, EventType: req.EventType, TxnID: req.TxnID, Payload: payload,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	status := http.StatusCreated
	switch res.Outcome {
	case ingest.ResultDuplicate:
		status = http.StatusOK
	case ingest.ResultQuarantined:
		status = http.StatusAccepted
	}

	respondJSON(w, status, map[string]interface{}{
		"tenant_id":       res.TenantID,
		"idempotency_key": res.IdempotencyKey,
		"raw_id":          res.RawID,
		"result":          res.Outcome,
		"exception_id":    res.ExceptionID,
		"reason_code":     res.ReasonCode,
	})
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.ExceptionOpen
	}
	if status != models.ExceptionOpen && status != models.ExceptionResolved {
		respondError(w, http.StatusBadRequest, "INVALID_STATUS", "allowed: open, resolved")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= 500 {
			limit = n
		}
	}

	exceptions, err := s.store.ListExceptions(r.Context(), store.ListExceptionsInput{
		Status: status, TenantID: r.URL.Query().Get("tenant_id"), Limit: limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": exceptions})
}

func (s *Server) handleGetException(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "exception_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_EXCEPTION_ID", err.Error())
		return
	}
	ex, err := s.store.GetException(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "exception not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	rawEvent, err := s.store.FetchRawEvent(r.Context(), ex.RawID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	idemp, err := s.store.GetIdempotencyRecord(r.Context(), ex.TenantID, ex.IdempotencyKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	firstRawEvent, err := s.store.FetchRawEvent(r.Context(), idemp.FirstRawID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	lastRawEvent, err := s.store.FetchRawEvent(r.Context(), idemp.LastRawID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"exception":        ex,
		"raw_event":        rawEvent,
		"events_processed": idemp,
		"first_raw_event":  firstRawEvent,
		"last_raw_event":   lastRawEvent,
	})
}

type resolveRequest struct {
	Action          string                 `json:"action"`
	Actor           string                 `json:"actor"`
	ResolutionNotes string                 `json:"resolution_notes"`
	CanonicalRawID  *int64                 `json:"canonical_raw_id,omitempty"`
	OverridePatch   map[string]interface{} `json:"override_patch,omitempty"`
}

func (s *Server) handleResolveException(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "exception_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_EXCEPTION_ID", err.Error())
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	res, err := s.resolve.Resolve(r.Context(), resolve.Input{
		ExceptionID: id, Action: req.Action, Actor: req.Actor,
		ResolutionNotes: req.ResolutionNotes, CanonicalRawID: req.CanonicalRawID, OverridePatch: req.OverridePatch,
	})
	if err != nil {
		writeResolveError(w, err)
		return
	}

	body := map[string]interface{}{
		"exception_id": res.ExceptionID,
		"status":       res.Status,
		"replay": map[string]interface{}{
			"attempted": res.ReplayAttempted,
		},
	}
	if res.ReplayAttempted {
		body["replay"] = map[string]interface{}{
			"attempted":           true,
			"canonical_raw_id":    res.ReplayRawID,
			"final_payload_hash":  res.ReplayFinalHash,
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolve.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error())
	case errors.Is(err, resolve.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, resolve.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "ALREADY_RESOLVED", err.Error())
	case errors.Is(err, resolve.ErrMissingIdempotencyRecord):
		respondError(w, http.StatusConflict, "MISSING_IDEMPOTENCY_RECORD", err.Error())
	case errors.Is(err, resolve.ErrInvalidCanonicalRawID):
		respondError(w, http.StatusBadRequest, "INVALID_CANONICAL_RAW_ID", err.Error())
	case errors.Is(err, resolve.ErrCanonicalRawTenantMismatch):
		respondError(w, http.StatusBadRequest, "CANONICAL_RAW_TENANT_MISMATCH", err.Error())
	case errors.Is(err, resolve.ErrMissingEventTypeInPayload):
		respondError(w, http.StatusBadRequest, "MISSING_EVENT_TYPE_IN_PAYLOAD", err.Error())
	case errors.Is(err, resolve.ErrReplayValidationFailed):
		respondError(w, http.StatusConflict, "REPLAY_VALIDATION_FAILED", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": code, "message": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
