package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eptb-dst-server/internal/audit"
	"github.com/eptb-dst-server/internal/config"
	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/engine"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/normalize"
	"github.com/eptb-dst-server/internal/repository"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	table, err := guideline.Builtin()
	require.NoError(t, err)

	normalizer, err := normalize.New(normalize.DefaultRenalBands())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	evaluator, err := engine.NewEvaluator(table, normalizer, logger, 0)
	require.NoError(t, err)

	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	cfg.Logging.Level = "error"

	return NewServer(cfg, evaluator, store, logger)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func validEvaluationBody() map[string]interface{} {
	return map[string]interface{}{
		"age_years":      40,
		"weight_kg":      58,
		"renal_function": "Normal",
		"eptb_site":      "Pleural",
		"regimen_drugs":  []string{"Isoniazid", "Rifampicin", "Pyrazinamide", "Ethambutol"},
		"regimen_doses_mg": map[string]float64{
			"Isoniazid":    300,
			"Rifampicin":   600,
			"Pyrazinamide": 1500,
			"Ethambutol":   1200,
		},
		"duration_weeks": 26,
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, guideline.BuiltinVersion, body["guideline_version"])
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodOptions, "/api/v1/evaluations", nil)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestHandleEvaluate_CleanRegimen(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", validEvaluationBody())

	require.Equal(t, http.StatusOK, w.Code)

	var result engine.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.EvaluationID)
	assert.Empty(t, result.Findings)
	assert.Equal(t, guideline.BuiltinVersion, result.GuidelineVersion)

	// The evaluation must also land in the audit trail.
	rec := doRequest(t, s, http.MethodGet, "/api/v1/evaluations/"+result.EvaluationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stored audit.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, result.EvaluationID, stored.EvaluationID)
	assert.Equal(t, "Pleural", stored.EPTBSite)
}

func TestHandleEvaluate_MeningealShortCourse(t *testing.T) {
	s := newTestServer(t)

	body := validEvaluationBody()
	body["eptb_site"] = "Meningeal"

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", body)

	require.Equal(t, http.StatusOK, w.Code)

	var result engine.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "DUR-MEN-MIN", result.Findings[0].RuleID)
	assert.GreaterOrEqual(t, result.Summary.Critical, 1)
}

func TestHandleEvaluate_NormalizationError(t *testing.T) {
	s := newTestServer(t)

	body := validEvaluationBody()
	delete(body, "weight_kg")

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", body)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "weight_kg", resp["field"])
	assert.Contains(t, resp["message"], "Correct the value and resubmit")
}

func TestHandleEvaluate_MissingDoseIsServerError(t *testing.T) {
	s := newTestServer(t)

	// Isoniazid stays in the regimen but loses its documented dose: the
	// dosage rule applies and cannot evaluate.
	body := validEvaluationBody()
	delete(body["regimen_doses_mg"].(map[string]float64), "Isoniazid")

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", body)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Unable to complete assessment, contact maintainer.", resp["message"])

	// A configuration defect must never look like a clinical finding.
	assert.NotContains(t, w.Body.String(), "findings")
	assert.NotContains(t, w.Body.String(), "rule_id")
	assert.NotContains(t, w.Body.String(), "DOS-H")
}

func TestHandleEvaluate_InvalidJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluations", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEvaluate_TextFormat(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations?format=text", validEvaluationBody())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "EPTB Regimen Assessment")
	assert.Contains(t, w.Body.String(), "No guideline findings")
}

func TestHandleListEvaluations(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", validEvaluationBody())
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/evaluations?limit=2", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total   int64           `json:"total"`
		Records []*audit.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Records, 2)
}

func TestHandleGetEvaluation_NotFound(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/evaluations/no-such-id", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleReviewEvaluation(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/evaluations", validEvaluationBody())
	require.Equal(t, http.StatusOK, w.Code)

	var result engine.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))

	ack := true
	notes := "Reviewed with attending physician"
	patch := doRequest(t, s, http.MethodPatch, "/api/v1/evaluations/"+result.EvaluationID, map[string]interface{}{
		"acknowledged":   ack,
		"reviewer_notes": notes,
	})

	require.Equal(t, http.StatusOK, patch.Code)

	var updated audit.Record
	require.NoError(t, json.Unmarshal(patch.Body.Bytes(), &updated))
	assert.True(t, updated.Acknowledged)
	assert.Equal(t, notes, updated.ReviewerNotes)
}

func TestHandleReviewEvaluation_NotFound(t *testing.T) {
	s := newTestServer(t)

	ack := true
	w := doRequest(t, s, http.MethodPatch, "/api/v1/evaluations/missing", map[string]interface{}{
		"acknowledged": ack,
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGuidelines(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/guidelines", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Version    string         `json:"version"`
		RuleCount  int            `json:"rule_count"`
		Categories map[string]int `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, guideline.BuiltinVersion, resp.Version)
	assert.Greater(t, resp.RuleCount, 0)
	assert.Len(t, resp.Categories, 4)
}

func TestHandleGuidelineRules_CategoryFilter(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/guidelines/rules?category=DurationRule", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
		Rules []struct {
			ID       string `json:"id"`
			Category string `json:"category"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Greater(t, resp.Count, 0)
	for _, r := range resp.Rules {
		assert.Equal(t, "DurationRule", r.Category)
	}
}

func TestHandleGuidelineRules_InvalidCategory(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/guidelines/rules?category=Bogus", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// memRevisionStore is an in-memory RevisionStore for handler tests; the
// pgx-backed implementation has its own integration tests.
type memRevisionStore struct {
	revisions []*repository.RuleSetRevision
	nextID    int64
}

func (m *memRevisionStore) Create(_ context.Context, dataset *guideline.Dataset, source string) (*repository.RuleSetRevision, error) {
	table, err := guideline.FromDataset(dataset)
	if err != nil {
		return nil, err
	}

	m.nextID++
	rev := &repository.RuleSetRevision{
		ID:        m.nextID,
		Version:   dataset.Version,
		Source:    source,
		RuleCount: table.Len(),
		CreatedAt: time.Now(),
		Dataset:   *dataset,
	}
	m.revisions = append(m.revisions, rev)
	return rev, nil
}

func (m *memRevisionStore) GetActive(_ context.Context) (*repository.RuleSetRevision, error) {
	for _, rev := range m.revisions {
		if rev.Active {
			return rev, nil
		}
	}
	return nil, fmt.Errorf("no active guideline revision: %w", domain.ErrNotFound)
}

func (m *memRevisionStore) List(_ context.Context, limit, offset int) ([]*repository.RuleSetRevision, error) {
	var out []*repository.RuleSetRevision
	for i := len(m.revisions) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.revisions[i])
	}
	return out, nil
}

func (m *memRevisionStore) Activate(_ context.Context, version string) error {
	found := false
	for _, rev := range m.revisions {
		rev.Active = rev.Version == version
		found = found || rev.Active
	}
	if !found {
		return fmt.Errorf("guideline revision %s: %w", version, domain.ErrNotFound)
	}
	return nil
}

// recordingInvalidator captures versions whose cached findings were
// dropped.
type recordingInvalidator struct {
	versions []string
}

func (r *recordingInvalidator) InvalidateVersion(_ context.Context, guidelineVersion string) error {
	r.versions = append(r.versions, guidelineVersion)
	return nil
}

func revisionDatasetBody(t *testing.T, version string) *guideline.Dataset {
	t.Helper()

	table, err := guideline.Builtin()
	require.NoError(t, err)
	return &guideline.Dataset{Version: version, Rules: table.AllRules()}
}

func TestRevisionEndpoints_NotConfigured(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/guidelines/revisions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions/rev.1/activate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCreateRevision(t *testing.T) {
	s := newTestServer(t)
	s.SetRevisionStore(&memRevisionStore{}, nil)

	w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions", revisionDatasetBody(t, "rev.1"))

	require.Equal(t, http.StatusCreated, w.Code)

	var created revisionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "rev.1", created.Version)
	assert.Equal(t, "api", created.Source)
	assert.Greater(t, created.RuleCount, 0)
	assert.False(t, created.Active)
}

func TestHandleCreateRevision_RejectsInvalidDataset(t *testing.T) {
	s := newTestServer(t)
	s.SetRevisionStore(&memRevisionStore{}, nil)

	ds := revisionDatasetBody(t, "bad.1")
	ds.Rules = ds.Rules[:1] // missing categories

	w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions", ds)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListRevisions(t *testing.T) {
	s := newTestServer(t)
	s.SetRevisionStore(&memRevisionStore{}, nil)

	for _, v := range []string{"rev.1", "rev.2"} {
		w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions", revisionDatasetBody(t, v))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/guidelines/revisions", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count     int               `json:"count"`
		Revisions []revisionSummary `json:"revisions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "rev.2", resp.Revisions[0].Version, "newest first")
}

func TestHandleActivateRevision(t *testing.T) {
	s := newTestServer(t)
	store := &memRevisionStore{}
	invalidator := &recordingInvalidator{}
	s.SetRevisionStore(store, invalidator)

	for _, v := range []string{"rev.1", "rev.2"} {
		w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions", revisionDatasetBody(t, v))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions/rev.1/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, invalidator.versions, "nothing to invalidate on first activation")

	// Switching revisions drops cached findings for the replaced one.
	w = doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions/rev.2/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"rev.1"}, invalidator.versions)

	active, err := store.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rev.2", active.Version)
}

func TestHandleActivateRevision_NotFound(t *testing.T) {
	s := newTestServer(t)
	s.SetRevisionStore(&memRevisionStore{}, nil)

	w := doRequest(t, s, http.MethodPost, "/api/v1/guidelines/revisions/rev.404/activate", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
