package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/auth"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/middleware"
	"github.com/synaptica-ai/interaction-engine/pkg/ml/linear"
	"github.com/synaptica-ai/interaction-engine/pkg/observability/metrics"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
)

const userHeader = "X-User-ID"

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/interactions/check", h.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/interactions/batch", h.handleBatch).Methods(http.MethodPost)
	api.HandleFunc("/interactions/explain", h.handleExplain).Methods(http.MethodPost)
	api.HandleFunc("/overrides", h.handleCreateOverride).Methods(http.MethodPost)
	api.HandleFunc("/overrides/{id}", h.handleGetOverride).Methods(http.MethodGet)
	api.HandleFunc("/overrides/{id}/signoff", h.handleSignoff).Methods(http.MethodPost)
	api.HandleFunc("/patients/{id}/history", h.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/normalize", h.handleNormalize).Methods(http.MethodGet)
	api.HandleFunc("/models", h.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/models/{name}/retrain", h.handleRetrain).Methods(http.MethodPost)
	api.HandleFunc("/models/{name}/versions/{version}/promote", h.handlePromote).Methods(http.MethodPost)

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Log.WithError(err).WithField("path", r.URL.Path).Warn("invalid request payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *HTTPHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req models.CheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.RequestID(r.Context())
	}
	req.Context.UserID = clinicianID(r, req.Context.UserID)
	writeJSON(w, http.StatusOK, h.service.CheckInteractions(r.Context(), req))
}

func (h *HTTPHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.PatientIDs) == 0 {
		http.Error(w, "patient_ids: required", http.StatusBadRequest)
		return
	}
	req.Context.UserID = clinicianID(r, req.Context.UserID)
	writeJSON(w, http.StatusOK, h.service.ProcessBatch(r.Context(), req))
}

func (h *HTTPHandler) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req models.ExplainRequest
	if !h.decode(w, r, &req) {
		return
	}
	exp, err := h.service.Explain(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *HTTPHandler) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req models.OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = clinicianID(r, req.UserID)
	rec, err := h.service.CreateOverride(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *HTTPHandler) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetOverride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type signoffRequest struct {
	UserID string `json:"user_id"`
}

func (h *HTTPHandler) handleSignoff(w http.ResponseWriter, r *http.Request) {
	var req signoffRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = clinicianID(r, req.UserID)
	rec, err := h.service.ApproveOverride(r.Context(), mux.Vars(r)["id"], req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.service.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *HTTPHandler) handleNormalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Normalize(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.Models()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type retrainRequest struct {
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	L2           float64 `json:"l2"`
}

func (h *HTTPHandler) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req retrainRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	v, err := h.service.Retrain(r.Context(), mux.Vars(r)["name"], linear.Options{Epochs: req.Epochs, LearningRate: req.LearningRate, L2: req.L2})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type promoteRequest struct {
	Status predictive.Status `json:"status"`
}

func (h *HTTPHandler) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	vars := mux.Vars(r)
	v, err := h.service.Promote(r.Context(), vars["name"], vars["version"], req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.service.Health(r.Context())
	status := http.StatusOK
	if rep.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w)
}

// clinicianID prefers the verified token subject over anything the caller
// put in the body or the X-User-ID header.
func clinicianID(r *http.Request, claimed string) string {
	if claims, ok := auth.ClinicianFromContext(r.Context()); ok {
		return claims.Subject
	}
	if claimed != "" {
		return claimed
	}
	return r.Header.Get(userHeader)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err), errors.Is(err, models.ErrMalformedFacts),
		errors.Is(err, predictive.ErrInvalidStatus), errors.Is(err, predictive.ErrEmptyTrainingSet):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInteractionNotFound), errors.Is(err, ErrOverrideNotFound),
		errors.Is(err, predictive.ErrVersionNotFound), errors.Is(err, predictive.ErrNotPredicted):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrOverrideNotAllowed), errors.Is(err, ErrOverrideApproved), errors.Is(err, predictive.ErrMissingMetrics):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrRegistryUnavailable), errors.Is(err, ErrPredictorUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logger.Log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
