package engine

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/normalize"
)

func f64(v float64) *float64 { return &v }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	table, err := guideline.Builtin()
	require.NoError(t, err)

	normalizer, err := normalize.New(normalize.DefaultRenalBands())
	require.NoError(t, err)

	ev, err := NewEvaluator(table, normalizer, quietLogger(), 0)
	require.NoError(t, err)
	return ev
}

// cleanRecord is a 58 kg pleural TB patient on a standard 26-week HRZE
// regimen with all doses inside their weight bands. It must produce zero
// findings against the built-in table.
func cleanRecord() *domain.RawPatientRecord {
	return &domain.RawPatientRecord{
		AgeYears:      f64(40),
		WeightKg:      f64(58),
		RenalFunction: "Normal",
		EPTBSite:      "Pleural",
		RegimenDrugs:  []string{"Isoniazid", "Rifampicin", "Pyrazinamide", "Ethambutol"},
		RegimenDosesMg: map[string]float64{
			"Isoniazid":    300,
			"Rifampicin":   600,
			"Pyrazinamide": 1500,
			"Ethambutol":   1200,
		},
		DurationWeeks: f64(26),
	}
}

func TestEvaluate_CleanRegimenNoFindings(t *testing.T) {
	ev := newEvaluator(t)

	result, err := ev.Evaluate(context.Background(), cleanRecord())
	require.NoError(t, err)

	assert.Empty(t, result.Findings)
	assert.Equal(t, Summary{}, result.Summary)
	assert.Equal(t, guideline.BuiltinVersion, result.GuidelineVersion)
	assert.NotEmpty(t, result.EvaluationID)
	assert.NotEmpty(t, result.FactHash)
	assert.False(t, result.CacheHit)
}

func TestEvaluate_MeningealDurationBelowMinimum(t *testing.T) {
	ev := newEvaluator(t)

	rec := cleanRecord()
	rec.EPTBSite = "Meningeal"
	// 26 weeks is fine for pleural TB but far below the CNS minimum.

	result, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)

	require.Len(t, result.Findings, 1)
	finding := result.Findings[0]
	assert.Equal(t, "DUR-MEN-MIN", finding.RuleID)
	assert.Equal(t, domain.DURATION_RULE, finding.Category)
	assert.Equal(t, domain.CRITICAL, finding.Severity)
	assert.Contains(t, finding.RenderedMessage, "48")
	assert.Contains(t, finding.RenderedMessage, "26")
	assert.Equal(t, 1, result.Summary.Critical)
}

func TestEvaluate_HIVHighDoseRifampicinInteraction(t *testing.T) {
	ev := newEvaluator(t)

	rec := &domain.RawPatientRecord{
		AgeYears:           f64(35),
		WeightKg:           f64(62),
		RenalFunction:      "Normal",
		Comorbidities:      []string{"HIV"},
		CurrentMedications: []string{"Efavirenz"},
		EPTBSite:           "Pleural",
		RegimenDrugs:       []string{"RifampicinHighDose"},
		DurationWeeks:      f64(26),
	}

	result, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)

	require.Len(t, result.Findings, 2)
	assert.Equal(t, "INT-RIFHD-EFV", result.Findings[0].RuleID)
	assert.Equal(t, domain.CRITICAL, result.Findings[0].Severity)
	assert.Equal(t, domain.INTERACTION_RULE, result.Findings[0].Category)
	assert.Equal(t, "INT-HIV-RIF", result.Findings[1].RuleID)
	assert.Equal(t, domain.WARNING, result.Findings[1].Severity)
}

func TestEvaluate_InteractionSymmetry(t *testing.T) {
	ev := newEvaluator(t)

	// Nevirapine current, rifampicin proposed.
	recA := cleanRecord()
	recA.CurrentMedications = []string{"Nevirapine"}

	// Sides swapped: rifampicin current, nevirapine proposed.
	recB := cleanRecord()
	recB.CurrentMedications = []string{"Rifampicin"}
	recB.RegimenDrugs = []string{"Nevirapine", "Isoniazid", "Pyrazinamide", "Ethambutol"}
	recB.RegimenDosesMg = map[string]float64{
		"Isoniazid":    300,
		"Pyrazinamide": 1500,
		"Ethambutol":   1200,
	}

	resA, err := ev.Evaluate(context.Background(), recA)
	require.NoError(t, err)
	resB, err := ev.Evaluate(context.Background(), recB)
	require.NoError(t, err)

	hasRule := func(findings []domain.Finding, id string) bool {
		for _, f := range findings {
			if f.RuleID == id {
				return true
			}
		}
		return false
	}
	assert.True(t, hasRule(resA.Findings, "INT-RIF-NVP"))
	assert.True(t, hasRule(resB.Findings, "INT-RIF-NVP"))
}

func TestEvaluate_DialysisTriggersAllRenalThresholds(t *testing.T) {
	ev := newEvaluator(t)

	rec := cleanRecord()
	rec.RenalFunction = ""
	rec.OnDialysis = true
	rec.RegimenDrugs = []string{"Pyrazinamide", "Ethambutol"}
	rec.RegimenDosesMg = map[string]float64{"Pyrazinamide": 1500, "Ethambutol": 1200}

	result, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)

	var ids []string
	for _, f := range result.Findings {
		ids = append(ids, f.RuleID)
	}
	// Critical severities first, id-ascending within each severity.
	assert.Equal(t, []string{"REN-E-SEV", "REN-Z-SEV", "REN-E-MOD", "REN-Z-MOD"}, ids)
}

func TestEvaluate_WeightBoundaryUsesUpperBand(t *testing.T) {
	ev := newEvaluator(t)

	// At exactly 55 kg the [55,70) rifampicin band (550-700 mg) applies,
	// not [40,55) (450-600 mg). 500 mg is inside the lower band only, so
	// the dosage rule must fire.
	rec := cleanRecord()
	rec.WeightKg = f64(55)
	rec.RegimenDrugs = []string{"Rifampicin"}
	rec.RegimenDosesMg = map[string]float64{"Rifampicin": 500}

	result, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)

	require.Len(t, result.Findings, 1)
	assert.Equal(t, "DOS-R", result.Findings[0].RuleID)
	assert.Contains(t, result.Findings[0].RenderedMessage, "550")
	assert.Contains(t, result.Findings[0].RenderedMessage, "700")
}

func TestEvaluate_MissingWeightIsNormalizationError(t *testing.T) {
	ev := newEvaluator(t)

	rec := cleanRecord()
	rec.WeightKg = nil

	result, err := ev.Evaluate(context.Background(), rec)
	require.Error(t, err)
	assert.Nil(t, result)

	ne, ok := domain.IsNormalizationError(err)
	require.True(t, ok)
	assert.Equal(t, "weight_kg", ne.Field)
}

func TestEvaluate_MissingDoseIsEvaluationError(t *testing.T) {
	ev := newEvaluator(t)

	rec := cleanRecord()
	delete(rec.RegimenDosesMg, "Isoniazid")

	result, err := ev.Evaluate(context.Background(), rec)
	require.Error(t, err)
	assert.Nil(t, result)

	ee, ok := domain.IsEvaluationError(err)
	require.True(t, ok)
	assert.Equal(t, "DOS-H", ee.RuleID)
	assert.ErrorIs(t, err, domain.ErrMissingRegimenDose)
}

func TestEvaluate_Deterministic(t *testing.T) {
	rec := cleanRecord()
	rec.EPTBSite = "BoneJoint"
	rec.DurationWeeks = f64(60)
	rec.Comorbidities = []string{"Diabetes"}
	rec.CurrentMedications = []string{"Glibenclamide", "Metformin"}

	// Two independent evaluators so no cache can mask a nondeterministic
	// ordering.
	resA, err := newEvaluator(t).Evaluate(context.Background(), rec)
	require.NoError(t, err)
	resB, err := newEvaluator(t).Evaluate(context.Background(), rec)
	require.NoError(t, err)

	jsonA, err := json.Marshal(resA.Findings)
	require.NoError(t, err)
	jsonB, err := json.Marshal(resB.Findings)
	require.NoError(t, err)
	assert.Equal(t, string(jsonA), string(jsonB))
	assert.Equal(t, resA.FactHash, resB.FactHash)
}

func TestEvaluate_CacheHit(t *testing.T) {
	ev := newEvaluator(t)
	rec := cleanRecord()
	rec.EPTBSite = "Meningeal"

	first, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := ev.Evaluate(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Findings, second.Findings)
	assert.NotEqual(t, first.EvaluationID, second.EvaluationID)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ev := newEvaluator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ev.Evaluate(ctx, cleanRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
