package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// RawPatientRecord is the key/value record supplied by the input provider
// before normalization. Numeric fields are pointers so a missing field can
// be distinguished from a zero value; enumeration fields arrive as plain
// strings and are validated during normalization.
type RawPatientRecord struct {
	AgeYears *float64 `json:"age_years"`
	WeightKg *float64 `json:"weight_kg"`

	// Renal function can be supplied either as a staging name or as a raw
	// eGFR lab value that the normalizer bands. OnDialysis overrides both.
	RenalFunction string   `json:"renal_function,omitempty"`
	EGFRmLMin     *float64 `json:"egfr_ml_min,omitempty"`
	OnDialysis    bool     `json:"on_dialysis,omitempty"`

	Comorbidities      []string `json:"comorbidities"`
	CurrentMedications []string `json:"current_medications"`

	EPTBSite string `json:"eptb_site"`

	RegimenDrugs   []string           `json:"regimen_drugs"`
	RegimenDosesMg map[string]float64 `json:"regimen_doses_mg,omitempty"`
	DurationWeeks  *float64           `json:"duration_weeks"`
}

// ProposedRegimen is the drug set, documented daily doses and total
// treatment duration prescribed by the clinician.
type ProposedRegimen struct {
	Drugs         map[DrugCode]struct{} `json:"-"`
	DosesMg       map[DrugCode]float64  `json:"doses_mg,omitempty"`
	DurationWeeks float64               `json:"duration_weeks"`
}

// Contains reports whether the drug is part of the regimen.
func (r *ProposedRegimen) Contains(drug DrugCode) bool {
	_, ok := r.Drugs[drug]
	return ok
}

// DrugList returns the regimen drugs sorted by code for deterministic
// serialization and logging.
func (r *ProposedRegimen) DrugList() []DrugCode {
	drugs := make([]DrugCode, 0, len(r.Drugs))
	for d := range r.Drugs {
		drugs = append(drugs, d)
	}
	sort.Slice(drugs, func(i, j int) bool { return drugs[i] < drugs[j] })
	return drugs
}

// PatientFact is the canonical, typed fact record evaluated against the
// guideline table. It is created once per evaluation by the normalizer and
// is immutable thereafter; concurrent category evaluations share it
// read-only.
type PatientFact struct {
	AgeYears      float64                  `json:"age_years"`
	WeightKg      float64                  `json:"weight_kg"`
	RenalFunction RenalFunction            `json:"renal_function"`
	Comorbidities map[Comorbidity]struct{} `json:"-"`
	CurrentMeds   map[DrugCode]struct{}    `json:"-"`
	EPTBSite      EPTBSite                 `json:"eptb_site"`
	Regimen       ProposedRegimen          `json:"regimen"`
}

// HasComorbidity reports whether the comorbidity was recorded for the
// patient.
func (f *PatientFact) HasComorbidity(c Comorbidity) bool {
	_, ok := f.Comorbidities[c]
	return ok
}

// TakesMedication reports whether the drug appears in the patient's current
// medication list.
func (f *PatientFact) TakesMedication(drug DrugCode) bool {
	_, ok := f.CurrentMeds[drug]
	return ok
}

// ComorbidityList returns recorded comorbidities sorted by name.
func (f *PatientFact) ComorbidityList() []Comorbidity {
	out := make([]Comorbidity, 0, len(f.Comorbidities))
	for c := range f.Comorbidities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MedicationList returns current medications sorted by code.
func (f *PatientFact) MedicationList() []DrugCode {
	out := make([]DrugCode, 0, len(f.CurrentMeds))
	for d := range f.CurrentMeds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate ensures the fact meets the engine's invariants. The normalizer
// produces only valid facts; this guards the engine boundary against
// hand-built facts in tests and callers.
func (f *PatientFact) Validate() error {
	if f.WeightKg <= 0 {
		return fmt.Errorf("patient fact validation: weight must be positive, got %g", f.WeightKg)
	}
	if f.AgeYears < 0 || f.AgeYears > 120 {
		return fmt.Errorf("patient fact validation: age out of range [0,120], got %g", f.AgeYears)
	}
	if !f.RenalFunction.IsValid() {
		return fmt.Errorf("patient fact validation: %w", ErrInvalidRenalStage)
	}
	if !f.EPTBSite.IsValid() {
		return fmt.Errorf("patient fact validation: %w", ErrInvalidEPTBSite)
	}
	for c := range f.Comorbidities {
		if !c.IsValid() {
			return fmt.Errorf("patient fact validation: %w: %s", ErrInvalidComorbidity, c)
		}
	}
	for d := range f.CurrentMeds {
		if !d.IsValid() {
			return fmt.Errorf("patient fact validation: %w: %s", ErrInvalidDrugCode, d)
		}
	}
	for d := range f.Regimen.Drugs {
		if !d.IsValid() {
			return fmt.Errorf("patient fact validation: %w: %s", ErrInvalidDrugCode, d)
		}
	}
	if f.Regimen.DurationWeeks <= 0 {
		return fmt.Errorf("patient fact validation: regimen duration must be positive, got %g", f.Regimen.DurationWeeks)
	}
	return nil
}

// canonicalFact is the deterministic serialization form used for hashing.
type canonicalFact struct {
	AgeYears      float64              `json:"age_years"`
	WeightKg      float64              `json:"weight_kg"`
	RenalFunction RenalFunction        `json:"renal_function"`
	Comorbidities []Comorbidity        `json:"comorbidities"`
	CurrentMeds   []DrugCode           `json:"current_medications"`
	EPTBSite      EPTBSite             `json:"eptb_site"`
	RegimenDrugs  []DrugCode           `json:"regimen_drugs"`
	DosesMg       map[DrugCode]float64 `json:"regimen_doses_mg"`
	DurationWeeks float64              `json:"duration_weeks"`
}

// Hash returns a stable content hash of the fact, used as a cache key
// together with the guideline version. Identical facts always hash
// identically regardless of map iteration order.
func (f *PatientFact) Hash() string {
	cf := canonicalFact{
		AgeYears:      f.AgeYears,
		WeightKg:      f.WeightKg,
		RenalFunction: f.RenalFunction,
		Comorbidities: f.ComorbidityList(),
		CurrentMeds:   f.MedicationList(),
		EPTBSite:      f.EPTBSite,
		RegimenDrugs:  f.Regimen.DrugList(),
		DosesMg:       f.Regimen.DosesMg,
		DurationWeeks: f.Regimen.DurationWeeks,
	}
	// encoding/json emits map keys in sorted order, keeping the hash stable.
	data, _ := json.Marshal(cf)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
