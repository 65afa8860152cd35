package engine

import (
	"sort"

	"github.com/eptb-dst-server/internal/domain"
)

// Aggregate merges per-category findings into the final ordered sequence:
// categories in their fixed order, then a stable sort by severity
// descending so the matcher's id-ascending order survives as the tie-break,
// then deduplication by rule id keeping the first occurrence. The renderer
// downstream must not reorder or filter this sequence.
func Aggregate(perCategory map[domain.RuleCategory][]domain.Finding) []domain.Finding {
	var merged []domain.Finding
	for _, cat := range domain.CategoryOrder {
		merged = append(merged, perCategory[cat]...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Severity.Rank() > merged[j].Severity.Rank()
	})

	seen := make(map[string]struct{}, len(merged))
	out := merged[:0]
	for _, f := range merged {
		if _, dup := seen[f.RuleID]; dup {
			continue
		}
		seen[f.RuleID] = struct{}{}
		out = append(out, f)
	}
	return out
}
