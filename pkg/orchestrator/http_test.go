package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/auth"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/middleware"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
)

func newTestRouter(t *testing.T) (*mux.Router, *fixture) {
	t.Helper()
	f := newFixture(t)
	router := mux.NewRouter()
	NewHTTPHandler(f.service, 1<<20).Register(router)
	return router, f
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, "dr-a")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHTTPCheckAndOverride(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/interactions/check", models.CheckRequest{
		PatientID: "p1",
		Drugs:     drugs("warfarin", "amoxicillin"),
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var resp models.CheckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Interactions, 1)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides", models.OverrideRequest{
		InteractionID:         resp.Interactions[0].ID,
		ReasonCode:            ReasonNoAlternative,
		ClinicalJustification: "no oral alternative tolerated",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var rec models.OverrideRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "dr-a", rec.UserID)
	assert.False(t, rec.Approved)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides/"+rec.ID+"/signoff", signoffRequest{UserID: "dr-a"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides/"+rec.ID+"/signoff", signoffRequest{UserID: "dr-b"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/overrides/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.True(t, rec.Approved)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides/"+rec.ID+"/signoff", signoffRequest{UserID: "dr-c"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/overrides/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPAllergyOverrideConflict(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/api/v1/interactions/check", models.CheckRequest{
		PatientID:    "p2",
		PatientFacts: &models.PatientFacts{Allergies: []string{"penicillin"}},
		Drugs:        drugs("amoxicillin"),
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.CheckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Interactions, 1)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides", models.OverrideRequest{
		InteractionID:         resp.Interactions[0].ID,
		ReasonCode:            ReasonEmergencyUse,
		ClinicalJustification: "anaphylaxis kit at bedside",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHTTPHistory(t *testing.T) {
	router, _ := newTestRouter(t)
	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/interactions/check", models.CheckRequest{
			PatientID: "p9",
			Drugs:     drugs("warfarin", "aspirin"),
		})
	}

	rr := doJSON(t, router, http.MethodGet, "/api/v1/patients/p9/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []models.HistoryEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/patients/p9/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTPNormalize(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/normalize", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/normalize?q=coumadin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res normalizer.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Len(t, res.Drugs, 1)
	assert.Equal(t, "Warfarin", res.Drugs[0].Drug.Name)
}

func TestHTTPBatchRequiresPatients(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/api/v1/interactions/batch", models.BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/interactions/check", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPHealthMetricsAndModels(t *testing.T) {
	router, _ := newTestRouter(t)
	doJSON(t, router, http.MethodPost, "/api/v1/interactions/check", models.CheckRequest{
		PatientID: "p1",
		Drugs:     drugs("warfarin", "amoxicillin"),
	})

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rep models.HealthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, models.HealthHealthy, rep.Status)

	rr = doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ddi_checks_total")

	rr = doJSON(t, router, http.MethodGet, "/api/v1/models", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/models/ddi-logistic/versions/v99/promote", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPOverrideUsesVerifiedClinician(t *testing.T) {
	tokens, err := auth.NewJWTManager("0123456789abcdef-interaction", "interaction-engine", "", time.Hour)
	require.NoError(t, err)
	router, _ := newTestRouter(t)
	router.Use(middleware.Authenticate(tokens, "/health"))

	token, err := tokens.IssueToken("dr-z", "", "physician")
	require.NoError(t, err)
	post := func(path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(userHeader, "dr-a")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := post("/api/v1/interactions/check", models.CheckRequest{PatientID: "p1", Drugs: drugs("warfarin", "amoxicillin")})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = post("/api/v1/overrides", models.OverrideRequest{
		InteractionID:         "ddi:amoxicillin+warfarin",
		UserID:                "dr-a",
		ReasonCode:            ReasonClinicalJudgment,
		ClinicalJustification: "INR stable for a year",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var rec models.OverrideRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "dr-z", rec.UserID)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/overrides", models.OverrideRequest{})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
