package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/audit"
	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/engine"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/report"
	"github.com/eptb-dst-server/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealth reports service liveness and the guideline table in use.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"guideline_version": s.evaluator.GuidelineVersion(),
		"rule_count":        s.evaluator.Table().Len(),
		"timestamp":         time.Now().UTC(),
	})
}

// handleEvaluate runs a raw patient record through the evaluation pipeline,
// persists an audit record, and returns the findings. Pass ?format=text for
// a clinician-readable report instead of JSON.
func (s *Server) handleEvaluate(c *gin.Context) {
	var record domain.RawPatientRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "invalid request body: " + err.Error(),
			"correlation_id": c.GetString("correlation_id"),
		})
		return
	}

	result, err := s.evaluator.Evaluate(c.Request.Context(), &record)
	if err != nil {
		if normErr, ok := domain.IsNormalizationError(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":          normErr.Error(),
				"field":          normErr.Field,
				"reason":         normErr.Reason,
				"message":        report.RenderError(err),
				"correlation_id": c.GetString("correlation_id"),
			})
			return
		}
		s.log.WithError(err).Error("Evaluation request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "evaluation failed",
			"message":        report.RenderError(err),
			"correlation_id": c.GetString("correlation_id"),
		})
		return
	}

	s.saveAuditRecord(c, result)

	if c.Query("format") == "text" {
		c.String(http.StatusOK, report.RenderText(result))
		return
	}

	c.JSON(http.StatusOK, result)
}

// saveAuditRecord persists the evaluation outcome. Persistence failures do
// not fail the request; the findings were already computed and the loss is
// logged for the operator.
func (s *Server) saveAuditRecord(c *gin.Context, result *engine.Result) {
	rec := &audit.Record{
		EvaluationID:     result.EvaluationID,
		GuidelineVersion: result.GuidelineVersion,
		FactHash:         result.FactHash,
		EPTBSite:         string(result.Fact.EPTBSite),
		CriticalCount:    result.Summary.Critical,
		WarningCount:     result.Summary.Warning,
		InfoCount:        result.Summary.Info,
		Findings:         result.Findings,
	}
	if err := s.store.Save(c.Request.Context(), rec); err != nil {
		s.log.WithFields(logrus.Fields{
			"evaluation_id":  result.EvaluationID,
			"correlation_id": c.GetString("correlation_id"),
		}).WithError(err).Warn("Failed to persist evaluation audit record")
	}
}

// handleListEvaluations returns persisted evaluations newest-first.
func (s *Server) handleListEvaluations(c *gin.Context) {
	limit := parseQueryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseQueryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := s.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list audit records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list evaluations"})
		return
	}

	total, err := s.store.Count(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to count audit records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list evaluations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"records": records,
	})
}

// handleGetEvaluation returns one persisted evaluation by evaluation id.
func (s *Server) handleGetEvaluation(c *gin.Context) {
	record, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch audit record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch evaluation"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

type reviewRequest struct {
	Acknowledged  *bool   `json:"acknowledged"`
	ReviewerNotes *string `json:"reviewer_notes"`
}

// handleReviewEvaluation updates the reviewer fields of a persisted
// evaluation. Only acknowledged and reviewer_notes may change.
func (s *Server) handleReviewEvaluation(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Acknowledged == nil && req.ReviewerNotes == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	record, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch audit record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch evaluation"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
		return
	}

	if req.Acknowledged != nil {
		record.Acknowledged = *req.Acknowledged
	}
	if req.ReviewerNotes != nil {
		record.ReviewerNotes = *req.ReviewerNotes
	}

	if err := s.store.Save(c.Request.Context(), record); err != nil {
		s.log.WithError(err).Error("Failed to update audit record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update evaluation"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// handleGuidelines summarizes the loaded guideline table.
func (s *Server) handleGuidelines(c *gin.Context) {
	table := s.evaluator.Table()
	categories := make(map[string]int, len(domain.CategoryOrder))
	for _, cat := range domain.CategoryOrder {
		categories[string(cat)] = len(table.RulesFor(cat))
	}

	c.JSON(http.StatusOK, gin.H{
		"version":    table.Version(),
		"rule_count": table.Len(),
		"categories": categories,
	})
}

type ruleSummary struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// handleGuidelineRules lists the rules of the loaded table, optionally
// filtered by category.
func (s *Server) handleGuidelineRules(c *gin.Context) {
	table := s.evaluator.Table()

	var rules []domain.GuidelineRule
	if raw := c.Query("category"); raw != "" {
		cat := domain.RuleCategory(raw)
		if !cat.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule category: " + raw})
			return
		}
		rules = table.RulesFor(cat)
	} else {
		rules = table.AllRules()
	}

	out := make([]ruleSummary, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleSummary{
			ID:       r.ID,
			Category: string(r.Category),
			Severity: string(r.Severity),
			Message:  r.Message,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"version": table.Version(),
		"count":   len(out),
		"rules":   out,
	})
}

// revisionSummary is a stored revision without its dataset payload.
type revisionSummary struct {
	ID        int64     `json:"id"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	RuleCount int       `json:"rule_count"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func summarizeRevision(rev *repository.RuleSetRevision) revisionSummary {
	return revisionSummary{
		ID:        rev.ID,
		Version:   rev.Version,
		Source:    rev.Source,
		RuleCount: rev.RuleCount,
		Active:    rev.Active,
		CreatedAt: rev.CreatedAt,
	}
}

// revisionStore guards the admin endpoints on deployments that run without
// a revision database.
func (s *Server) revisionStore(c *gin.Context) (RevisionStore, bool) {
	if s.revisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "guideline revision storage is not configured",
		})
		return nil, false
	}
	return s.revisions, true
}

// handleListRevisions returns stored guideline revisions newest-first,
// without their dataset payloads.
func (s *Server) handleListRevisions(c *gin.Context) {
	store, ok := s.revisionStore(c)
	if !ok {
		return
	}

	limit := parseQueryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseQueryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	revisions, err := store.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list guideline revisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list guideline revisions"})
		return
	}

	out := make([]revisionSummary, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, summarizeRevision(rev))
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(out),
		"limit":     limit,
		"offset":    offset,
		"revisions": out,
	})
}

// handleCreateRevision stores a new guideline dataset revision. The
// dataset must load into a valid table; a revision that cannot serve is
// rejected before it reaches storage.
func (s *Server) handleCreateRevision(c *gin.Context) {
	store, ok := s.revisionStore(c)
	if !ok {
		return
	}

	var dataset guideline.Dataset
	if err := c.ShouldBindJSON(&dataset); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dataset body: " + err.Error()})
		return
	}

	rev, err := store.Create(c.Request.Context(), &dataset, "api")
	if err != nil {
		if _, ok := domain.IsTableLoadError(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.WithError(err).Error("Failed to store guideline revision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store guideline revision"})
		return
	}

	c.JSON(http.StatusCreated, summarizeRevision(rev))
}

// handleActivateRevision marks a stored revision active and drops shared
// cached findings for the revision it replaces. The running engine keeps
// serving its loaded table until restart.
func (s *Server) handleActivateRevision(c *gin.Context) {
	store, ok := s.revisionStore(c)
	if !ok {
		return
	}
	version := c.Param("version")

	previous, err := store.GetActive(c.Request.Context())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.WithError(err).Error("Failed to resolve active guideline revision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate guideline revision"})
		return
	}

	if err := store.Activate(c.Request.Context(), version); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "guideline revision not found: " + version})
			return
		}
		s.log.WithError(err).Error("Failed to activate guideline revision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate guideline revision"})
		return
	}

	if s.invalidator != nil && previous != nil && previous.Version != version {
		if err := s.invalidator.InvalidateVersion(c.Request.Context(), previous.Version); err != nil {
			s.log.WithFields(logrus.Fields{
				"version": previous.Version,
			}).WithError(err).Warn("Failed to invalidate cached findings for deactivated revision")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"active":  true,
		"note":    "the engine loads the active revision at startup; restart to serve it",
	})
}

func parseQueryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
