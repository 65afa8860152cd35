package domain

import (
	"errors"
	"fmt"
)

// NormalizationError reports malformed, out-of-range or unrecognized
// patient input. It is recoverable at the boundary: the single evaluation
// request is rejected and the field returned to the input provider for
// correction. It never propagates past the normalizer.
type NormalizationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization error for field %q: %s", e.Field, e.Reason)
}

// NewNormalizationError creates a NormalizationError for a field.
func NewNormalizationError(field, reason string) *NormalizationError {
	return &NormalizationError{Field: field, Reason: reason}
}

// EvaluationError reports a guideline table / fact contract violation: a
// rule's predicate needed data the fact does not carry. This is a
// configuration defect, not a clinical state; it fails the evaluation hard
// and is logged with the rule id for diagnosis.
type EvaluationError struct {
	RuleID string `json:"rule_id"`
	Cause  error  `json:"-"`
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error for rule %q: %v", e.RuleID, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// NewEvaluationError creates an EvaluationError for a rule.
func NewEvaluationError(ruleID string, cause error) *EvaluationError {
	return &EvaluationError{RuleID: ruleID, Cause: cause}
}

// TableLoadError reports a defect in the guideline dataset (duplicate rule
// id, unknown category, malformed rule). It is fatal at startup: the engine
// must not serve any evaluation with a partially loaded table.
type TableLoadError struct {
	Version string `json:"version,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *TableLoadError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("guideline table load (version %s): %v", e.Version, e.Cause)
	}
	return fmt.Sprintf("guideline table load: %v", e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TableLoadError) Unwrap() error {
	return e.Cause
}

// IsNormalizationError reports whether err is (or wraps) a
// NormalizationError, returning it when so.
func IsNormalizationError(err error) (*NormalizationError, bool) {
	var ne *NormalizationError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// IsEvaluationError reports whether err is (or wraps) an EvaluationError,
// returning it when so.
func IsEvaluationError(err error) (*EvaluationError, bool) {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsTableLoadError reports whether err is (or wraps) a TableLoadError,
// returning it when so.
func IsTableLoadError(err error) (*TableLoadError, bool) {
	var tle *TableLoadError
	if errors.As(err, &tle) {
		return tle, true
	}
	return nil, false
}
