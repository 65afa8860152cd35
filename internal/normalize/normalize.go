// Package normalize converts raw patient records into canonical typed
// facts. It is a pure boundary layer: every defect in the input surfaces
// as a field-specific NormalizationError and nothing is silently defaulted.
package normalize

import (
	"fmt"
	"strings"

	"github.com/eptb-dst-server/internal/domain"
)

// RenalBands maps a raw eGFR lab value (mL/min/1.73m2) to a renal staging
// level. The cutoffs are clinical configuration, not code: they follow the
// KDIGO GFR categories and can be overridden without touching the engine.
type RenalBands struct {
	NormalMin   float64 `mapstructure:"normal_min" json:"normal_min"`
	MildMin     float64 `mapstructure:"mild_min" json:"mild_min"`
	ModerateMin float64 `mapstructure:"moderate_min" json:"moderate_min"`
	SevereMin   float64 `mapstructure:"severe_min" json:"severe_min"`
}

// DefaultRenalBands returns the KDIGO staging cutoffs: >=90 normal, 60-89
// mild, 30-59 moderate, 15-29 severe. Below 15 is kidney failure and is
// staged as Dialysis so every renal threshold applies.
func DefaultRenalBands() RenalBands {
	return RenalBands{NormalMin: 90, MildMin: 60, ModerateMin: 30, SevereMin: 15}
}

// Validate checks that the cutoffs are strictly descending and positive.
func (b RenalBands) Validate() error {
	if !(b.NormalMin > b.MildMin && b.MildMin > b.ModerateMin && b.ModerateMin > b.SevereMin && b.SevereMin > 0) {
		return fmt.Errorf("renal bands must be strictly descending positive cutoffs, got %+v", b)
	}
	return nil
}

// Stage maps an eGFR value into the renal staging enum.
func (b RenalBands) Stage(egfr float64) domain.RenalFunction {
	switch {
	case egfr >= b.NormalMin:
		return domain.RENAL_NORMAL
	case egfr >= b.MildMin:
		return domain.RENAL_MILD
	case egfr >= b.ModerateMin:
		return domain.RENAL_MODERATE
	case egfr >= b.SevereMin:
		return domain.RENAL_SEVERE
	default:
		return domain.RENAL_DIALYSIS
	}
}

// Normalizer turns RawPatientRecord values into validated PatientFacts.
// A zero-value Normalizer is not usable; construct with New.
type Normalizer struct {
	bands RenalBands
}

// New creates a Normalizer with the given eGFR staging bands.
func New(bands RenalBands) (*Normalizer, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{bands: bands}, nil
}

// Drug name aliases accepted on input, keyed lowercase. Canonical enum
// names are accepted case-insensitively as well.
var drugAliases = map[string]domain.DrugCode{
	"inh":                  domain.DRUG_ISONIAZID,
	"h":                    domain.DRUG_ISONIAZID,
	"rif":                  domain.DRUG_RIFAMPICIN,
	"r":                    domain.DRUG_RIFAMPICIN,
	"rifampin":             domain.DRUG_RIFAMPICIN,
	"rifampicin high dose": domain.DRUG_RIFAMPICIN_HIGH_DOSE,
	"pza":                  domain.DRUG_PYRAZINAMIDE,
	"z":                    domain.DRUG_PYRAZINAMIDE,
	"emb":                  domain.DRUG_ETHAMBUTOL,
	"e":                    domain.DRUG_ETHAMBUTOL,
	"sm":                   domain.DRUG_STREPTOMYCIN,
	"s":                    domain.DRUG_STREPTOMYCIN,
	"efv":                  domain.DRUG_EFAVIRENZ,
	"nvp":                  domain.DRUG_NEVIRAPINE,
	"dtg":                  domain.DRUG_DOLUTEGRAVIR,
	"lpv/r":                domain.DRUG_LOPINAVIR_RITONAVIR,
	"lopinavir/ritonavir":  domain.DRUG_LOPINAVIR_RITONAVIR,
}

var siteAliases = map[string]domain.EPTBSite{
	"lymph node":    domain.SITE_LYMPH_NODE,
	"bone":          domain.SITE_BONE_JOINT,
	"bone/joint":    domain.SITE_BONE_JOINT,
	"joint":         domain.SITE_BONE_JOINT,
	"cns":           domain.SITE_MENINGEAL,
	"tb meningitis": domain.SITE_MENINGEAL,
	"miliary":       domain.SITE_DISSEMINATED,
}

var renalAliases = map[string]domain.RenalFunction{
	"mild":     domain.RENAL_MILD,
	"moderate": domain.RENAL_MODERATE,
	"severe":   domain.RENAL_SEVERE,
	"esrd":     domain.RENAL_DIALYSIS,
}

func parseDrug(raw string) (domain.DrugCode, bool) {
	trimmed := strings.TrimSpace(raw)
	if d := domain.DrugCode(trimmed); d.IsValid() {
		return d, true
	}
	lower := strings.ToLower(trimmed)
	if d, ok := drugAliases[lower]; ok {
		return d, true
	}
	for _, d := range domain.AllDrugs() {
		if strings.EqualFold(trimmed, string(d)) {
			return d, true
		}
	}
	return "", false
}

func parseSite(raw string) (domain.EPTBSite, bool) {
	trimmed := strings.TrimSpace(raw)
	if s := domain.EPTBSite(trimmed); s.IsValid() {
		return s, true
	}
	lower := strings.ToLower(trimmed)
	if s, ok := siteAliases[lower]; ok {
		return s, true
	}
	for _, s := range domain.AllSites() {
		if strings.EqualFold(trimmed, string(s)) {
			return s, true
		}
	}
	return "", false
}

func parseComorbidity(raw string) (domain.Comorbidity, bool) {
	trimmed := strings.TrimSpace(raw)
	if c := domain.Comorbidity(trimmed); c.IsValid() {
		return c, true
	}
	switch strings.ToLower(trimmed) {
	case "hiv", "hiv+", "hiv positive":
		return domain.COMORBIDITY_HIV, true
	case "diabetes", "dm", "diabetes mellitus":
		return domain.COMORBIDITY_DIABETES, true
	case "none":
		return domain.COMORBIDITY_NONE, true
	}
	return "", false
}

func parseRenal(raw string) (domain.RenalFunction, bool) {
	trimmed := strings.TrimSpace(raw)
	if r := domain.RenalFunction(trimmed); r.IsValid() {
		return r, true
	}
	lower := strings.ToLower(trimmed)
	if r, ok := renalAliases[lower]; ok {
		return r, true
	}
	for _, r := range domain.AllRenalStages() {
		if strings.EqualFold(trimmed, string(r)) {
			return r, true
		}
	}
	return "", false
}

// Normalize validates and converts a raw record into a PatientFact. It is a
// pure function of its input. Any missing, out-of-range or unrecognized
// value fails with a NormalizationError naming the offending field; no
// value is ever coerced to a default category.
func (n *Normalizer) Normalize(raw *domain.RawPatientRecord) (*domain.PatientFact, error) {
	if raw == nil {
		return nil, domain.NewNormalizationError("record", "record is required")
	}

	if raw.AgeYears == nil {
		return nil, domain.NewNormalizationError("age_years", "field is required")
	}
	if *raw.AgeYears < 0 || *raw.AgeYears > 120 {
		return nil, domain.NewNormalizationError("age_years", fmt.Sprintf("must be in [0,120], got %g", *raw.AgeYears))
	}

	if raw.WeightKg == nil {
		return nil, domain.NewNormalizationError("weight_kg", "field is required")
	}
	if *raw.WeightKg <= 0 {
		return nil, domain.NewNormalizationError("weight_kg", fmt.Sprintf("must be positive, got %g", *raw.WeightKg))
	}

	renal, err := n.normalizeRenal(raw)
	if err != nil {
		return nil, err
	}

	site, ok := parseSite(raw.EPTBSite)
	if !ok {
		if strings.TrimSpace(raw.EPTBSite) == "" {
			return nil, domain.NewNormalizationError("eptb_site", "field is required")
		}
		return nil, domain.NewNormalizationError("eptb_site", fmt.Sprintf("unrecognized site %q", raw.EPTBSite))
	}

	comorbidities := make(map[domain.Comorbidity]struct{}, len(raw.Comorbidities))
	for _, c := range raw.Comorbidities {
		parsed, ok := parseComorbidity(c)
		if !ok {
			return nil, domain.NewNormalizationError("comorbidities", fmt.Sprintf("unrecognized comorbidity %q", c))
		}
		if parsed == domain.COMORBIDITY_NONE {
			continue
		}
		comorbidities[parsed] = struct{}{}
	}

	currentMeds := make(map[domain.DrugCode]struct{}, len(raw.CurrentMedications))
	for _, m := range raw.CurrentMedications {
		drug, ok := parseDrug(m)
		if !ok {
			return nil, domain.NewNormalizationError("current_medications", fmt.Sprintf("unrecognized medication %q", m))
		}
		currentMeds[drug] = struct{}{}
	}

	if len(raw.RegimenDrugs) == 0 {
		return nil, domain.NewNormalizationError("regimen_drugs", "at least one regimen drug is required")
	}
	regimenDrugs := make(map[domain.DrugCode]struct{}, len(raw.RegimenDrugs))
	for _, d := range raw.RegimenDrugs {
		drug, ok := parseDrug(d)
		if !ok {
			return nil, domain.NewNormalizationError("regimen_drugs", fmt.Sprintf("unrecognized drug %q", d))
		}
		regimenDrugs[drug] = struct{}{}
	}

	doses := make(map[domain.DrugCode]float64, len(raw.RegimenDosesMg))
	for name, mg := range raw.RegimenDosesMg {
		drug, ok := parseDrug(name)
		if !ok {
			return nil, domain.NewNormalizationError("regimen_doses_mg", fmt.Sprintf("unrecognized drug %q", name))
		}
		if _, inRegimen := regimenDrugs[drug]; !inRegimen {
			return nil, domain.NewNormalizationError("regimen_doses_mg", fmt.Sprintf("dose documented for %s which is not in the regimen", drug))
		}
		if mg <= 0 {
			return nil, domain.NewNormalizationError("regimen_doses_mg", fmt.Sprintf("dose for %s must be positive, got %g", drug, mg))
		}
		doses[drug] = mg
	}

	if raw.DurationWeeks == nil {
		return nil, domain.NewNormalizationError("duration_weeks", "field is required")
	}
	if *raw.DurationWeeks <= 0 {
		return nil, domain.NewNormalizationError("duration_weeks", fmt.Sprintf("must be positive, got %g", *raw.DurationWeeks))
	}

	fact := &domain.PatientFact{
		AgeYears:      *raw.AgeYears,
		WeightKg:      *raw.WeightKg,
		RenalFunction: renal,
		Comorbidities: comorbidities,
		CurrentMeds:   currentMeds,
		EPTBSite:      site,
		Regimen: domain.ProposedRegimen{
			Drugs:         regimenDrugs,
			DosesMg:       doses,
			DurationWeeks: *raw.DurationWeeks,
		},
	}
	if err := fact.Validate(); err != nil {
		return nil, domain.NewNormalizationError("record", err.Error())
	}
	return fact, nil
}

// normalizeRenal resolves the staging level from, in order of precedence:
// the explicit dialysis flag, the staging name, the raw eGFR value.
func (n *Normalizer) normalizeRenal(raw *domain.RawPatientRecord) (domain.RenalFunction, error) {
	if raw.OnDialysis {
		return domain.RENAL_DIALYSIS, nil
	}
	if strings.TrimSpace(raw.RenalFunction) != "" {
		stage, ok := parseRenal(raw.RenalFunction)
		if !ok {
			return "", domain.NewNormalizationError("renal_function", fmt.Sprintf("unrecognized renal staging %q", raw.RenalFunction))
		}
		return stage, nil
	}
	if raw.EGFRmLMin != nil {
		if *raw.EGFRmLMin < 0 {
			return "", domain.NewNormalizationError("egfr_ml_min", fmt.Sprintf("must be non-negative, got %g", *raw.EGFRmLMin))
		}
		return n.bands.Stage(*raw.EGFRmLMin), nil
	}
	return "", domain.NewNormalizationError("renal_function", "either renal_function, egfr_ml_min or on_dialysis is required")
}
