package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/normalize"
)

// DefaultCacheSize bounds the in-process result cache. Entries are keyed
// by guideline version plus fact hash, so a table reload never serves
// stale findings.
const DefaultCacheSize = 1024

// FindingCache is an optional shared cache layered behind the in-process
// LRU, typically Redis. Lookups are best-effort: errors are logged and
// treated as misses.
type FindingCache interface {
	GetFindings(ctx context.Context, guidelineVersion, factHash string) ([]domain.Finding, bool, error)
	SetFindings(ctx context.Context, guidelineVersion, factHash string, findings []domain.Finding, ttl time.Duration) error
}

// Summary counts findings per severity for quick triage display.
type Summary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// Result is the outcome of one full evaluation. FindingSequence order is
// final: renderers present it as-is.
type Result struct {
	EvaluationID     string              `json:"evaluation_id"`
	GuidelineVersion string              `json:"guideline_version"`
	FactHash         string              `json:"fact_hash"`
	Fact             *domain.PatientFact `json:"fact"`
	Findings         []domain.Finding    `json:"findings"`
	Summary          Summary             `json:"summary"`
	CacheHit         bool                `json:"cache_hit"`
	EvaluatedAt      time.Time           `json:"evaluated_at"`
	DurationMS       int64               `json:"duration_ms"`
}

// Evaluator wires the normalizer, the per-category matcher and the
// aggregator into the full normalize -> match -> aggregate pipeline. The
// guideline table is immutable after construction, so concurrent
// evaluations need no locking beyond the result cache's own.
type Evaluator struct {
	table      *guideline.Table
	normalizer *normalize.Normalizer
	matcher    *Matcher
	cache      *lru.Cache[string, []domain.Finding]
	shared     FindingCache
	logger     *logrus.Logger
}

// NewEvaluator creates an evaluator over a loaded table. cacheSize <= 0
// selects DefaultCacheSize.
func NewEvaluator(table *guideline.Table, normalizer *normalize.Normalizer, logger *logrus.Logger, cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, []domain.Finding](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		table:      table,
		normalizer: normalizer,
		matcher:    NewMatcher(table, logger),
		cache:      cache,
		logger:     logger,
	}, nil
}

// SetSharedCache attaches a shared finding cache consulted on local
// misses. Call before serving traffic; it is not safe to swap while
// evaluations are in flight.
func (e *Evaluator) SetSharedCache(shared FindingCache) {
	e.shared = shared
}

// GuidelineVersion returns the version of the table being served.
func (e *Evaluator) GuidelineVersion() string {
	return e.table.Version()
}

// Table returns the read-only guideline table handle.
func (e *Evaluator) Table() *guideline.Table {
	return e.table
}

// Evaluate normalizes the raw record and evaluates it against every rule
// category. Normalization failures return a NormalizationError; a table /
// fact contract mismatch returns an EvaluationError. The four category
// passes run concurrently; each writes to its own result slot and the
// aggregator is the single merge point.
func (e *Evaluator) Evaluate(ctx context.Context, raw *domain.RawPatientRecord) (*Result, error) {
	start := time.Now()

	fact, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.logger.WithError(err).Warn("Patient record rejected during normalization")
		return nil, err
	}

	hash := fact.Hash()
	cacheKey := e.table.Version() + ":" + hash

	if findings, ok := e.cache.Get(cacheKey); ok {
		e.logger.WithField("fact_hash", hash).Debug("Serving evaluation from result cache")
		return e.buildResult(fact, hash, findings, true, start), nil
	}

	if e.shared != nil {
		findings, ok, err := e.shared.GetFindings(ctx, e.table.Version(), hash)
		if err != nil {
			e.logger.WithError(err).Warn("Shared finding cache lookup failed")
		} else if ok {
			e.cache.Add(cacheKey, findings)
			e.logger.WithField("fact_hash", hash).Debug("Serving evaluation from shared cache")
			return e.buildResult(fact, hash, findings, true, start), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cats := domain.CategoryOrder
	results := make([][]domain.Finding, len(cats))
	errs := make([]error, len(cats))

	var wg sync.WaitGroup
	for i, cat := range cats {
		wg.Add(1)
		go func(i int, cat domain.RuleCategory) {
			defer wg.Done()
			results[i], errs[i] = e.matcher.EvaluateCategory(cat, fact)
		}(i, cat)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"category":  cats[i],
				"fact_hash": hash,
			}).WithError(err).Error("Evaluation failed")
			return nil, err
		}
	}

	perCategory := make(map[domain.RuleCategory][]domain.Finding, len(cats))
	for i, cat := range cats {
		perCategory[cat] = results[i]
	}
	findings := Aggregate(perCategory)

	e.cache.Add(cacheKey, findings)
	if e.shared != nil {
		if err := e.shared.SetFindings(ctx, e.table.Version(), hash, findings, 0); err != nil {
			e.logger.WithError(err).Warn("Shared finding cache write failed")
		}
	}

	result := e.buildResult(fact, hash, findings, false, start)
	e.logger.WithFields(logrus.Fields{
		"evaluation_id": result.EvaluationID,
		"fact_hash":     hash,
		"findings":      len(findings),
		"critical":      result.Summary.Critical,
		"duration_ms":   result.DurationMS,
	}).Info("Evaluation complete")

	return result, nil
}

func (e *Evaluator) buildResult(fact *domain.PatientFact, hash string, findings []domain.Finding, cached bool, start time.Time) *Result {
	var summary Summary
	for _, f := range findings {
		switch f.Severity {
		case domain.CRITICAL:
			summary.Critical++
		case domain.WARNING:
			summary.Warning++
		case domain.INFO:
			summary.Info++
		}
	}

	return &Result{
		EvaluationID:     uuid.New().String(),
		GuidelineVersion: e.table.Version(),
		FactHash:         hash,
		Fact:             fact,
		Findings:         findings,
		Summary:          summary,
		CacheHit:         cached,
		EvaluatedAt:      start.UTC(),
		DurationMS:       time.Since(start).Milliseconds(),
	}
}
