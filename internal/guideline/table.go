// Package guideline holds the versioned table of codified WHO treatment
// guideline rules. The table is loaded once at startup, validated as a
// whole, and is immutable for the process lifetime; every evaluation takes
// a read-only handle.
package guideline

import (
	"fmt"
	"sort"

	"github.com/eptb-dst-server/internal/domain"
)

// Table is the process-wide, read-only collection of guideline rules,
// grouped by category and pre-sorted by rule id so evaluation output is
// reproducible independent of dataset order.
type Table struct {
	version string
	rules   map[domain.RuleCategory][]domain.GuidelineRule
	count   int
}

// New validates the rule set as a whole and builds an immutable table.
// Any defect (duplicate rule id, invalid rule, category with no rules) is
// returned as a TableLoadError; the caller must treat it as fatal and not
// serve evaluations.
func New(version string, rules []domain.GuidelineRule) (*Table, error) {
	if version == "" {
		return nil, &domain.TableLoadError{Cause: fmt.Errorf("dataset version is required")}
	}

	byCategory := make(map[domain.RuleCategory][]domain.GuidelineRule, len(domain.CategoryOrder))
	seen := make(map[string]struct{}, len(rules))

	for i := range rules {
		rule := rules[i]
		if err := rule.Validate(); err != nil {
			return nil, &domain.TableLoadError{Version: version, Cause: err}
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, &domain.TableLoadError{Version: version, Cause: fmt.Errorf("duplicate rule id %s", rule.ID)}
		}
		seen[rule.ID] = struct{}{}
		byCategory[rule.Category] = append(byCategory[rule.Category], rule)
	}

	for _, cat := range domain.CategoryOrder {
		if len(byCategory[cat]) == 0 {
			return nil, &domain.TableLoadError{Version: version, Cause: fmt.Errorf("category %s has no rules", cat)}
		}
		sort.Slice(byCategory[cat], func(i, j int) bool {
			return byCategory[cat][i].ID < byCategory[cat][j].ID
		})
	}

	return &Table{
		version: version,
		rules:   byCategory,
		count:   len(rules),
	}, nil
}

// Version returns the dataset version the table was loaded from.
func (t *Table) Version() string {
	return t.version
}

// Len returns the total number of rules across all categories.
func (t *Table) Len() int {
	return t.count
}

// RulesFor returns the rules of one category, ordered by id ascending.
// The returned slice is shared; callers must not modify it.
func (t *Table) RulesFor(category domain.RuleCategory) []domain.GuidelineRule {
	return t.rules[category]
}

// AllRules returns every rule in fixed category order, id-ascending within
// a category. Used for the guideline inventory endpoint.
func (t *Table) AllRules() []domain.GuidelineRule {
	out := make([]domain.GuidelineRule, 0, t.count)
	for _, cat := range domain.CategoryOrder {
		out = append(out, t.rules[cat]...)
	}
	return out
}
