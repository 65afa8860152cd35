package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizationError(t *testing.T) {
	err := NewNormalizationError("weight_kg", "field is required")

	assert.Equal(t, "weight_kg", err.Field)
	assert.Contains(t, err.Error(), "weight_kg")
	assert.Contains(t, err.Error(), "field is required")
}

func TestNormalizationError_DetectedThroughWrapping(t *testing.T) {
	base := NewNormalizationError("eptb_site", "unrecognized value")
	wrapped := fmt.Errorf("normalizing record: %w", base)

	ne, ok := IsNormalizationError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "eptb_site", ne.Field)

	_, ok = IsNormalizationError(errors.New("unrelated"))
	assert.False(t, ok)
}

func TestEvaluationError(t *testing.T) {
	cause := fmt.Errorf("%w: Pyrazinamide", ErrMissingRegimenDose)
	err := NewEvaluationError("DOS-Z", cause)

	assert.Contains(t, err.Error(), "DOS-Z")
	assert.True(t, errors.Is(err, ErrMissingRegimenDose), "cause must unwrap")

	ee, ok := IsEvaluationError(fmt.Errorf("evaluating: %w", err))
	require.True(t, ok)
	assert.Equal(t, "DOS-Z", ee.RuleID)
}

func TestTableLoadError(t *testing.T) {
	err := &TableLoadError{Version: "2025.1", Cause: errors.New("duplicate rule id DUR-STD-MIN")}

	assert.Contains(t, err.Error(), "2025.1")
	assert.Contains(t, err.Error(), "duplicate rule id")
}

// A normalization error must never be mistaken for an evaluation error and
// vice versa; the API boundary maps them to different responses.
func TestErrorTaxonomyIsDisjoint(t *testing.T) {
	ne := NewNormalizationError("age_years", "not a number")
	_, ok := IsEvaluationError(ne)
	assert.False(t, ok)

	ee := NewEvaluationError("REN-E", errors.New("missing fact data"))
	_, ok = IsNormalizationError(ee)
	assert.False(t, ok)
}
