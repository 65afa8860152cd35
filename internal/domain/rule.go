package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PredicateKind discriminates the closed set of predicate variants a
// guideline rule may use. Rules are data, so predicates must be fully
// serializable; the evaluator is a small interpreter over this tagged
// variant rather than ad hoc runtime dispatch.
type PredicateKind string

const (
	PRED_ALWAYS            PredicateKind = "always"
	PRED_ALL               PredicateKind = "all"
	PRED_ANY               PredicateKind = "any"
	PRED_SITE_IN           PredicateKind = "site_in"
	PRED_DRUG_IN_REGIMEN   PredicateKind = "drug_in_regimen"
	PRED_DRUG_IN_CURRENT   PredicateKind = "drug_in_current"
	PRED_HAS_COMORBIDITY   PredicateKind = "has_comorbidity"
	PRED_INTERACTION_PAIR  PredicateKind = "interaction_pair"
	PRED_DURATION_BELOW    PredicateKind = "duration_below"
	PRED_DURATION_ABOVE    PredicateKind = "duration_above"
	PRED_DOSE_OUTSIDE_BAND PredicateKind = "dose_outside_band"
	PRED_RENAL_AT_OR_ABOVE PredicateKind = "renal_at_or_above"
)

// WeightBand is one weight-banded dose range: the band covers weights in
// [LowKg, HighKg); the topmost band of a table is closed on both ends, and a
// HighKg of zero marks an unbounded top band.
type WeightBand struct {
	LowKg     float64 `json:"low_kg"`
	HighKg    float64 `json:"high_kg,omitempty"`
	MinDoseMg float64 `json:"min_dose_mg"`
	MaxDoseMg float64 `json:"max_dose_mg"`
}

// Predicate is one node of a rule's applicability or condition expression.
// Exactly the fields relevant to Kind are populated.
type Predicate struct {
	Kind PredicateKind `json:"kind"`

	Sites       []EPTBSite    `json:"sites,omitempty"`
	Drug        DrugCode      `json:"drug,omitempty"`
	DrugA       DrugCode      `json:"drug_a,omitempty"`
	DrugB       DrugCode      `json:"drug_b,omitempty"`
	Comorbidity Comorbidity   `json:"comorbidity,omitempty"`
	Weeks       float64       `json:"weeks,omitempty"`
	Threshold   RenalFunction `json:"threshold,omitempty"`
	Bands       []WeightBand  `json:"bands,omitempty"`

	All []Predicate `json:"all,omitempty"`
	Any []Predicate `json:"any,omitempty"`
}

// BandFor selects the band covering the given weight. Interior bands are
// closed-open [low, high); the last band is closed on both ends, or
// unbounded above when HighKg is zero. A weight on a shared boundary
// belongs to the band whose lower bound equals it.
func BandFor(bands []WeightBand, weightKg float64) (WeightBand, bool) {
	for i, b := range bands {
		last := i == len(bands)-1
		if weightKg < b.LowKg {
			continue
		}
		if last {
			if b.HighKg <= 0 || weightKg <= b.HighKg {
				return b, true
			}
			continue
		}
		if weightKg < b.HighKg {
			return b, true
		}
	}
	return WeightBand{}, false
}

// Eval interprets the predicate against the fact. It returns an error only
// when the predicate needs data the fact does not carry (a table/normalizer
// contract mismatch), never for a clinical state.
func (p *Predicate) Eval(fact *PatientFact) (bool, error) {
	switch p.Kind {
	case PRED_ALWAYS:
		return true, nil

	case PRED_ALL:
		for i := range p.All {
			ok, err := p.All[i].Eval(fact)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case PRED_ANY:
		for i := range p.Any {
			ok, err := p.Any[i].Eval(fact)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case PRED_SITE_IN:
		for _, s := range p.Sites {
			if fact.EPTBSite == s {
				return true, nil
			}
		}
		return false, nil

	case PRED_DRUG_IN_REGIMEN:
		return fact.Regimen.Contains(p.Drug), nil

	case PRED_DRUG_IN_CURRENT:
		return fact.TakesMedication(p.Drug), nil

	case PRED_HAS_COMORBIDITY:
		return fact.HasComorbidity(p.Comorbidity), nil

	case PRED_INTERACTION_PAIR:
		// Symmetric by construction: the order the pair was defined in, and
		// the order drugs appear in the fact, must not affect the outcome.
		if fact.TakesMedication(p.DrugA) && fact.Regimen.Contains(p.DrugB) {
			return true, nil
		}
		if fact.TakesMedication(p.DrugB) && fact.Regimen.Contains(p.DrugA) {
			return true, nil
		}
		return false, nil

	case PRED_DURATION_BELOW:
		return fact.Regimen.DurationWeeks < p.Weeks, nil

	case PRED_DURATION_ABOVE:
		return fact.Regimen.DurationWeeks > p.Weeks, nil

	case PRED_DOSE_OUTSIDE_BAND:
		dose, ok := fact.Regimen.DosesMg[p.Drug]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrMissingRegimenDose, p.Drug)
		}
		band, ok := BandFor(p.Bands, fact.WeightKg)
		if !ok {
			return false, fmt.Errorf("no weight band covers %g kg for drug %s", fact.WeightKg, p.Drug)
		}
		return dose < band.MinDoseMg || dose > band.MaxDoseMg, nil

	case PRED_RENAL_AT_OR_ABOVE:
		return fact.RenalFunction.AtOrAbove(p.Threshold), nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownPredicate, p.Kind)
	}
}

// Validate checks the predicate tree at table-load time so malformed rules
// are rejected before the engine serves any evaluation.
func (p *Predicate) Validate() error {
	switch p.Kind {
	case PRED_ALWAYS:
		return nil
	case PRED_ALL:
		if len(p.All) == 0 {
			return fmt.Errorf("predicate %q requires at least one operand", p.Kind)
		}
		for i := range p.All {
			if err := p.All[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case PRED_ANY:
		if len(p.Any) == 0 {
			return fmt.Errorf("predicate %q requires at least one operand", p.Kind)
		}
		for i := range p.Any {
			if err := p.Any[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	case PRED_SITE_IN:
		if len(p.Sites) == 0 {
			return fmt.Errorf("predicate %q requires at least one site", p.Kind)
		}
		for _, s := range p.Sites {
			if !s.IsValid() {
				return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidEPTBSite, s)
			}
		}
		return nil
	case PRED_DRUG_IN_REGIMEN, PRED_DRUG_IN_CURRENT:
		if !p.Drug.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidDrugCode, p.Drug)
		}
		return nil
	case PRED_HAS_COMORBIDITY:
		if !p.Comorbidity.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidComorbidity, p.Comorbidity)
		}
		return nil
	case PRED_INTERACTION_PAIR:
		if !p.DrugA.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidDrugCode, p.DrugA)
		}
		if !p.DrugB.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidDrugCode, p.DrugB)
		}
		return nil
	case PRED_DURATION_BELOW, PRED_DURATION_ABOVE:
		if p.Weeks <= 0 {
			return fmt.Errorf("predicate %q requires a positive week count", p.Kind)
		}
		return nil
	case PRED_DOSE_OUTSIDE_BAND:
		if !p.Drug.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidDrugCode, p.Drug)
		}
		return validateBands(p.Bands)
	case PRED_RENAL_AT_OR_ABOVE:
		if !p.Threshold.IsValid() {
			return fmt.Errorf("predicate %q: %w: %s", p.Kind, ErrInvalidRenalStage, p.Threshold)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPredicate, p.Kind)
	}
}

func validateBands(bands []WeightBand) error {
	if len(bands) == 0 {
		return fmt.Errorf("dose band predicate requires at least one weight band")
	}
	if !sort.SliceIsSorted(bands, func(i, j int) bool { return bands[i].LowKg < bands[j].LowKg }) {
		return fmt.Errorf("weight bands must be ordered by ascending lower bound")
	}
	for i, b := range bands {
		last := i == len(bands)-1
		if !last && b.HighKg <= b.LowKg {
			return fmt.Errorf("weight band [%g,%g) is empty", b.LowKg, b.HighKg)
		}
		if last && b.HighKg > 0 && b.HighKg < b.LowKg {
			return fmt.Errorf("topmost weight band [%g,%g] is empty", b.LowKg, b.HighKg)
		}
		if b.MinDoseMg < 0 || b.MaxDoseMg < b.MinDoseMg {
			return fmt.Errorf("weight band starting at %g kg has an invalid dose range", b.LowKg)
		}
		if !last && bands[i+1].LowKg != b.HighKg {
			return fmt.Errorf("weight bands must be contiguous at %g kg", b.HighKg)
		}
	}
	return nil
}

// GuidelineRule is one codified WHO guideline check. Applicability selects
// whether the rule concerns the patient at all; Condition is phrased as
// "this is a problem" and a Finding is emitted only when it holds.
type GuidelineRule struct {
	ID            string       `json:"id"`
	Category      RuleCategory `json:"category"`
	Severity      Severity     `json:"severity"`
	Message       string       `json:"message"`
	Applicability Predicate    `json:"applicability"`
	Condition     Predicate    `json:"condition"`
}

// Validate ensures the rule definition is complete and well-formed. Called
// at table load; any failure there is startup-fatal.
func (r *GuidelineRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("guideline rule validation: rule id is required")
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("guideline rule %s: %w: %s", r.ID, ErrInvalidCategory, r.Category)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("guideline rule %s: %w: %s", r.ID, ErrInvalidSeverity, r.Severity)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("guideline rule %s: message template is required", r.ID)
	}
	if err := r.Applicability.Validate(); err != nil {
		return fmt.Errorf("guideline rule %s applicability: %w", r.ID, err)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("guideline rule %s condition: %w", r.ID, err)
	}
	return nil
}

// Placeholders collects the fact values available to this rule's message
// template. Rule-specific values (band bounds, thresholds) come from the
// predicate trees so the same template works across table revisions.
func (r *GuidelineRule) Placeholders(fact *PatientFact) map[string]string {
	ph := map[string]string{
		"age_years":      formatNum(fact.AgeYears),
		"weight_kg":      formatNum(fact.WeightKg),
		"site":           fact.EPTBSite.String(),
		"renal_function": fact.RenalFunction.String(),
		"duration_weeks": formatNum(fact.Regimen.DurationWeeks),
	}
	collectPlaceholders(&r.Applicability, fact, ph)
	collectPlaceholders(&r.Condition, fact, ph)
	return ph
}

func collectPlaceholders(p *Predicate, fact *PatientFact, ph map[string]string) {
	switch p.Kind {
	case PRED_ALL:
		for i := range p.All {
			collectPlaceholders(&p.All[i], fact, ph)
		}
	case PRED_ANY:
		for i := range p.Any {
			collectPlaceholders(&p.Any[i], fact, ph)
		}
	case PRED_DRUG_IN_REGIMEN, PRED_DRUG_IN_CURRENT:
		ph["drug"] = p.Drug.String()
	case PRED_INTERACTION_PAIR:
		ph["drug_a"] = p.DrugA.String()
		ph["drug_b"] = p.DrugB.String()
	case PRED_DURATION_BELOW:
		ph["min_weeks"] = formatNum(p.Weeks)
	case PRED_DURATION_ABOVE:
		ph["max_weeks"] = formatNum(p.Weeks)
	case PRED_RENAL_AT_OR_ABOVE:
		ph["threshold"] = p.Threshold.String()
	case PRED_DOSE_OUTSIDE_BAND:
		ph["drug"] = p.Drug.String()
		if dose, ok := fact.Regimen.DosesMg[p.Drug]; ok {
			ph["dose_mg"] = formatNum(dose)
		}
		if band, ok := BandFor(p.Bands, fact.WeightKg); ok {
			ph["min_dose_mg"] = formatNum(band.MinDoseMg)
			ph["max_dose_mg"] = formatNum(band.MaxDoseMg)
		}
	}
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RenderMessage substitutes {placeholder} tokens in a message template.
// Unknown tokens are left intact so a template typo is visible in the
// rendered finding instead of silently disappearing.
func RenderMessage(template string, placeholders map[string]string) string {
	pairs := make([]string, 0, len(placeholders)*2)
	for k, v := range placeholders {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Finding is a single reportable result of evaluating one guideline rule
// against patient facts. Findings are ephemeral: produced per evaluation,
// ordered by the aggregator, discarded after rendering.
type Finding struct {
	RuleID          string       `json:"rule_id"`
	Category        RuleCategory `json:"category"`
	Severity        Severity     `json:"severity"`
	RenderedMessage string       `json:"rendered_message"`
}
