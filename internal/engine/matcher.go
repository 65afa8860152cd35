// Package engine evaluates patient facts against the guideline table: one
// matcher pass per rule category, then aggregation into a single ordered
// finding sequence.
package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/guideline"
)

// Matcher evaluates the rules of one category at a time against a fact.
// It holds only read-only state and is safe for concurrent use.
type Matcher struct {
	table  *guideline.Table
	logger *logrus.Logger
}

// NewMatcher creates a matcher bound to a loaded guideline table.
func NewMatcher(table *guideline.Table, logger *logrus.Logger) *Matcher {
	return &Matcher{table: table, logger: logger}
}

// EvaluateCategory runs every rule of the category against the fact and
// returns the findings in rule-id ascending order. All applicable rules
// fire; there is no first-match-wins shortcut. A predicate that cannot be
// evaluated against the fact fails the whole call with an EvaluationError
// carrying the rule id.
func (m *Matcher) EvaluateCategory(category domain.RuleCategory, fact *domain.PatientFact) ([]domain.Finding, error) {
	rules := m.table.RulesFor(category)
	findings := make([]domain.Finding, 0, len(rules))

	for i := range rules {
		rule := &rules[i]

		applies, err := rule.Applicability.Eval(fact)
		if err != nil {
			return nil, domain.NewEvaluationError(rule.ID, err)
		}
		if !applies {
			continue
		}

		violated, err := rule.Condition.Eval(fact)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"rule_id":  rule.ID,
				"category": category,
			}).Error("Rule condition could not be evaluated")
			return nil, domain.NewEvaluationError(rule.ID, err)
		}
		if !violated {
			continue
		}

		findings = append(findings, domain.Finding{
			RuleID:          rule.ID,
			Category:        rule.Category,
			Severity:        rule.Severity,
			RenderedMessage: domain.RenderMessage(rule.Message, rule.Placeholders(fact)),
		})
	}

	m.logger.WithFields(logrus.Fields{
		"category":       category,
		"rules_checked":  len(rules),
		"findings_fired": len(findings),
	}).Debug("Category evaluation complete")

	return findings, nil
}
