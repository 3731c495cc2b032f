// Package httpapi exposes the engine's record-oriented operations over
// JSON. The core mandates no wire format; this surface exists for the
// ingestion, correction and reporting collaborators that speak HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/auth"
	"github.com/rpattn/toponymdb/internal/domain"
	"github.com/rpattn/toponymdb/internal/export"
	"github.com/rpattn/toponymdb/internal/ingestion"
	"github.com/rpattn/toponymdb/internal/metrics"
	"github.com/rpattn/toponymdb/internal/query"
	"github.com/rpattn/toponymdb/internal/store"
)

// mutationAttempts bounds automatic retries of concurrent-conflict aborts.
const mutationAttempts = 3

// Handler wires the stores, query engine and collaborator services into a
// chi router.
type Handler struct {
	entities store.EntityStore
	names    store.NameStore
	engine   *query.Engine
	auditLog audit.Log
	ingest   *ingestion.Service
	exporter *export.Service
	metrics  *metrics.Metrics
}

// New builds the handler.
func New(
	entities store.EntityStore,
	names store.NameStore,
	engine *query.Engine,
	auditLog audit.Log,
	ingest *ingestion.Service,
	exporter *export.Service,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		entities: entities,
		names:    names,
		engine:   engine,
		auditLog: auditLog,
		ingest:   ingest,
		exporter: exporter,
		metrics:  m,
	}
}

// Routes returns the API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/entities", h.createEntity)
		r.Get("/entities/{entityID}/versions", h.listEntityVersions)
		r.Post("/entities/versions/{versionID}/supersede", h.supersedeEntity)
		r.Post("/entities/versions/{versionID}/retract", h.retractEntity)

		r.Post("/names", h.createName)
		r.Get("/names/{nameID}/versions", h.listNameVersions)
		r.Post("/names/versions/{versionID}/supersede", h.supersedeName)
		r.Post("/names/versions/{versionID}/retract", h.retractName)

		r.Get("/query/current", h.queryCurrent)
		r.Get("/query/valid-time", h.queryValidTime)
		r.Get("/query/transaction-time", h.queryTransactionTime)

		r.Get("/audit/records/{recordID}", h.auditRecord)
		r.Get("/audit/verify", h.auditVerify)

		r.Post("/ingest/entities", h.ingestFile(ingestion.DatasetEntities))
		r.Post("/ingest/names", h.ingestFile(ingestion.DatasetNames))

		r.Get("/export", h.exportDataset)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

type retractRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

func (h *Handler) createEntity(w http.ResponseWriter, r *http.Request) {
	var fact domain.EntityFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	var row domain.Entity
	err := store.WithRetry(r.Context(), mutationAttempts, func() error {
		var err error
		row, err = h.entities.Create(r.Context(), fact, actor)
		return err
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("create").Inc()
	writeJSON(w, http.StatusCreated, row)
}

func (h *Handler) supersedeEntity(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version id: %v", err), http.StatusBadRequest)
		return
	}
	var fact domain.EntityFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	var row domain.Entity
	err = store.WithRetry(r.Context(), mutationAttempts, func() error {
		var err error
		row, err = h.entities.Supersede(r.Context(), versionID, fact, actor)
		return err
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("supersede").Inc()
	writeJSON(w, http.StatusOK, row)
}

func (h *Handler) retractEntity(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version id: %v", err), http.StatusBadRequest)
		return
	}
	var req retractRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	actor := auth.ActorFromContext(r.Context())
	err = store.WithRetry(r.Context(), mutationAttempts, func() error {
		return h.entities.Retract(r.Context(), versionID, asOf, actor)
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("retract").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listEntityVersions(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity id: %v", err), http.StatusBadRequest)
		return
	}
	rows, err := h.entities.ListVersions(r.Context(), entityID)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) createName(w http.ResponseWriter, r *http.Request) {
	var fact domain.NameFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	var row domain.Name
	err := store.WithRetry(r.Context(), mutationAttempts, func() error {
		var err error
		row, err = h.names.Create(r.Context(), fact, actor)
		return err
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("create").Inc()
	writeJSON(w, http.StatusCreated, row)
}

func (h *Handler) supersedeName(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version id: %v", err), http.StatusBadRequest)
		return
	}
	var fact domain.NameFact
	if err := json.NewDecoder(r.Body).Decode(&fact); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	actor := auth.ActorFromContext(r.Context())
	var row domain.Name
	err = store.WithRetry(r.Context(), mutationAttempts, func() error {
		var err error
		row, err = h.names.Supersede(r.Context(), versionID, fact, actor)
		return err
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("supersede").Inc()
	writeJSON(w, http.StatusOK, row)
}

func (h *Handler) retractName(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid version id: %v", err), http.StatusBadRequest)
		return
	}
	var req retractRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	actor := auth.ActorFromContext(r.Context())
	err = store.WithRetry(r.Context(), mutationAttempts, func() error {
		return h.names.Retract(r.Context(), versionID, asOf, actor)
	})
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.metrics.MutationsAccepted.WithLabelValues("retract").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listNameVersions(w http.ResponseWriter, r *http.Request) {
	nameID, err := uuid.Parse(chi.URLParam(r, "nameID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid name id: %v", err), http.StatusBadRequest)
		return
	}
	rows, err := h.names.ListVersions(r.Context(), nameID)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) queryCurrent(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.serveQuery(w, r, "current", func() (query.Result, error) {
		return h.engine.Current(r.Context(), filter)
	})
}

func (h *Handler) queryValidTime(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	at, err := parseAt(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.serveQuery(w, r, "valid_time", func() (query.Result, error) {
		return h.engine.AsOfValidTime(r.Context(), at, filter)
	})
}

func (h *Handler) queryTransactionTime(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	at, err := parseAt(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.serveQuery(w, r, "transaction_time", func() (query.Result, error) {
		return h.engine.AsOfTransactionTime(r.Context(), at, filter)
	})
}

func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request, mode string, run func() (query.Result, error)) {
	start := time.Now()
	result, err := run()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.metrics.QueriesServed.WithLabelValues(mode).Inc()
	h.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) auditRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid record id: %v", err), http.StatusBadRequest)
		return
	}
	entries, err := h.auditLog.ListByRecord(r.Context(), recordID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := audit.VerifyRecord(entries); err != nil {
		// Integrity failure is fatal to the read, never repaired.
		writeErrorJSON(w, http.StatusInternalServerError, "audit_chain_corrupted", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) auditVerify(w http.ResponseWriter, r *http.Request) {
	entries, err := h.auditLog.ListAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := audit.Verify(entries); err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "audit_chain_corrupted", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": len(entries), "intact": true})
}

func (h *Handler) ingestFile(dataset ingestion.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
			return
		}
		defer file.Close()

		req := ingestion.Request{
			Dataset:         dataset,
			FileName:        header.Filename,
			SourceAuthority: r.FormValue("sourceAuthority"),
			Actor:           auth.ActorFromContext(r.Context()),
			Data:            file,
		}
		summary, err := h.ingest.Ingest(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (h *Handler) exportDataset(w http.ResponseWriter, r *http.Request) {
	dataset := export.Dataset(r.URL.Query().Get("dataset"))
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if err := h.exporter.Write(r.Context(), w, dataset, format); err != nil {
		if errors.Is(err, export.ErrUnknownDataset) || errors.Is(err, export.ErrUnknownFormat) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeMutationError maps the engine's error taxonomy onto HTTP statuses
// and counts the rejection.
func (h *Handler) writeMutationError(w http.ResponseWriter, err error) {
	var overlap *domain.TemporalOverlapError
	switch {
	case errors.As(err, &overlap):
		h.metrics.MutationsRejected.WithLabelValues("temporal_overlap").Inc()
		writeErrorJSON(w, http.StatusConflict, "temporal_overlap", err.Error(), map[string]any{
			"conflict_version_id": overlap.ConflictVersionID,
			"conflict_range":      overlap.ConflictRange,
		})
	case errors.Is(err, domain.ErrTemporalOverlap):
		h.metrics.MutationsRejected.WithLabelValues("temporal_overlap").Inc()
		writeErrorJSON(w, http.StatusConflict, "temporal_overlap", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidRange):
		h.metrics.MutationsRejected.WithLabelValues("invalid_range").Inc()
		writeErrorJSON(w, http.StatusBadRequest, "invalid_range", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownType):
		h.metrics.MutationsRejected.WithLabelValues("unknown_type").Inc()
		writeErrorJSON(w, http.StatusBadRequest, "unknown_type", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownRecord):
		h.metrics.MutationsRejected.WithLabelValues("unknown_record").Inc()
		writeErrorJSON(w, http.StatusNotFound, "unknown_record", err.Error(), nil)
	case errors.Is(err, domain.ErrReferentialViolation):
		h.metrics.MutationsRejected.WithLabelValues("referential_violation").Inc()
		writeErrorJSON(w, http.StatusUnprocessableEntity, "referential_violation", err.Error(), nil)
	case errors.Is(err, domain.ErrWriteConflict):
		h.metrics.MutationsRejected.WithLabelValues("write_conflict").Inc()
		writeErrorJSON(w, http.StatusServiceUnavailable, "write_conflict", err.Error(), nil)
	default:
		writeErrorJSON(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		Language:   q.Get("language"),
		NamePrefix: q.Get("prefix"),
		FuzzyName:  q.Get("fuzzy"),
	}

	if t := q.Get("type"); t != "" {
		entityType := domain.EntityType(t)
		if !entityType.Valid() {
			return query.Filter{}, fmt.Errorf("unknown entity type %q", t)
		}
		f.EntityType = entityType
	}

	if d := q.Get("max_distance"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return query.Filter{}, fmt.Errorf("invalid max_distance %q", d)
		}
		f.MaxDistance = n
	}

	if v := q.Get("valid_at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return query.Filter{}, fmt.Errorf("invalid valid_at %q: %v", v, err)
		}
		f.ValidAt = &at
	}

	bboxParams := []string{"min_lat", "min_lon", "max_lat", "max_lon"}
	present := 0
	vals := make([]float64, 4)
	for i, p := range bboxParams {
		raw := q.Get(p)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return query.Filter{}, fmt.Errorf("invalid %s %q", p, raw)
		}
		vals[i] = v
		present++
	}
	if present == 4 {
		f.Region = &domain.BoundingBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	} else if present > 0 {
		return query.Filter{}, fmt.Errorf("bounding region requires min_lat, min_lon, max_lat and max_lon")
	}

	return f, nil
}

func parseAt(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return time.Time{}, fmt.Errorf("query parameter at is required")
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid at %q: %v", raw, err)
	}
	return at, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeErrorJSON(w http.ResponseWriter, status int, code, message string, detail map[string]any) {
	body := map[string]any{"code": code, "message": message}
	if detail != nil {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}
