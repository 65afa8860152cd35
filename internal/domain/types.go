// Package domain contains core business entities and types for evaluating
// Extra-Pulmonary Tuberculosis (EPTB) treatment regimens against codified
// WHO treatment guideline rules.
//
// Reference: WHO consolidated guidelines on tuberculosis. Module 4: Treatment -
// drug-susceptible tuberculosis treatment. Geneva: World Health Organization.
package domain

import (
	"errors"
)

// Severity represents the clinical weight of a guideline finding.
// Critical findings indicate a regimen that must not be dispensed as
// prescribed; Warning findings require clinician review; Info findings are
// advisory only.
type Severity string

const (
	INFO     Severity = "Info"
	WARNING  Severity = "Warning"
	CRITICAL Severity = "Critical"
)

// RuleCategory represents the category of a guideline rule. The four
// categories are evaluated independently and merged by the aggregator in
// this fixed order.
type RuleCategory string

const (
	DURATION_RULE         RuleCategory = "DurationRule"
	DOSAGE_BAND_RULE      RuleCategory = "DosageBandRule"
	INTERACTION_RULE      RuleCategory = "InteractionRule"
	RENAL_ADJUSTMENT_RULE RuleCategory = "RenalAdjustmentRule"
)

// CategoryOrder is the fixed order in which category results are
// concatenated by the aggregator.
var CategoryOrder = []RuleCategory{
	DURATION_RULE,
	DOSAGE_BAND_RULE,
	INTERACTION_RULE,
	RENAL_ADJUSTMENT_RULE,
}

// RenalFunction represents kidney function staging used for dose-adjustment
// rules. Staging follows KDIGO eGFR bands; the exact cutoffs are
// configuration data, not code (see normalize.RenalBands).
type RenalFunction string

const (
	RENAL_NORMAL   RenalFunction = "Normal"
	RENAL_MILD     RenalFunction = "MildImpairment"
	RENAL_MODERATE RenalFunction = "ModerateImpairment"
	RENAL_SEVERE   RenalFunction = "SevereImpairment"
	RENAL_DIALYSIS RenalFunction = "Dialysis"
)

// EPTBSite represents the anatomical site of extra-pulmonary disease.
// The site selects which duration rules apply: CNS and osteoarticular
// disease carry extended treatment requirements.
type EPTBSite string

const (
	SITE_PLEURAL       EPTBSite = "Pleural"
	SITE_LYMPH_NODE    EPTBSite = "LymphNode"
	SITE_ABDOMINAL     EPTBSite = "Abdominal"
	SITE_GENITOURINARY EPTBSite = "Genitourinary"
	SITE_PERICARDIAL   EPTBSite = "Pericardial"
	SITE_BONE_JOINT    EPTBSite = "BoneJoint"
	SITE_MENINGEAL     EPTBSite = "Meningeal"
	SITE_DISSEMINATED  EPTBSite = "Disseminated"
)

// Comorbidity represents a recognized comorbid condition that implies a
// drug class for interaction checking.
type Comorbidity string

const (
	COMORBIDITY_HIV      Comorbidity = "HIV"
	COMORBIDITY_DIABETES Comorbidity = "Diabetes"
	COMORBIDITY_NONE     Comorbidity = "None"
)

// DrugCode identifies a drug in guideline rules, current medication lists
// and proposed regimens.
type DrugCode string

// First-line anti-TB drugs and the concomitant medications covered by the
// built-in interaction table.
const (
	DRUG_ISONIAZID            DrugCode = "Isoniazid"
	DRUG_RIFAMPICIN           DrugCode = "Rifampicin"
	DRUG_RIFAMPICIN_HIGH_DOSE DrugCode = "RifampicinHighDose"
	DRUG_PYRAZINAMIDE         DrugCode = "Pyrazinamide"
	DRUG_ETHAMBUTOL           DrugCode = "Ethambutol"
	DRUG_STREPTOMYCIN         DrugCode = "Streptomycin"

	// Antiretrovirals
	DRUG_EFAVIRENZ           DrugCode = "Efavirenz"
	DRUG_NEVIRAPINE          DrugCode = "Nevirapine"
	DRUG_DOLUTEGRAVIR        DrugCode = "Dolutegravir"
	DRUG_LOPINAVIR_RITONAVIR DrugCode = "LopinavirRitonavir"

	// Oral hypoglycemics and other interacting medications
	DRUG_GLIBENCLAMIDE DrugCode = "Glibenclamide"
	DRUG_GLICLAZIDE    DrugCode = "Gliclazide"
	DRUG_METFORMIN     DrugCode = "Metformin"
	DRUG_PHENYTOIN     DrugCode = "Phenytoin"
)

// Validation errors for clinical data integrity
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidSeverity    = errors.New("invalid finding severity")
	ErrInvalidCategory    = errors.New("invalid rule category")
	ErrInvalidRenalStage  = errors.New("invalid renal function stage")
	ErrInvalidEPTBSite    = errors.New("invalid EPTB site")
	ErrInvalidComorbidity = errors.New("invalid comorbidity")
	ErrInvalidDrugCode    = errors.New("invalid drug code")
	ErrUnknownPredicate   = errors.New("unknown predicate kind")
	ErrMissingRegimenDose = errors.New("no documented dose for drug in proposed regimen")
)

// IsValid validates the severity against the recognized levels.
func (s Severity) IsValid() bool {
	switch s {
	case INFO, WARNING, CRITICAL:
		return true
	default:
		return false
	}
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// Rank returns the numeric ordering of severities for report sorting.
// Higher rank sorts first.
func (s Severity) Rank() int {
	switch s {
	case CRITICAL:
		return 3
	case WARNING:
		return 2
	case INFO:
		return 1
	default:
		return 0
	}
}

// IsValid validates the rule category.
func (rc RuleCategory) IsValid() bool {
	switch rc {
	case DURATION_RULE, DOSAGE_BAND_RULE, INTERACTION_RULE, RENAL_ADJUSTMENT_RULE:
		return true
	default:
		return false
	}
}

// String returns the string representation of the category.
func (rc RuleCategory) String() string {
	return string(rc)
}

// IsValid validates the renal function stage.
func (rf RenalFunction) IsValid() bool {
	switch rf {
	case RENAL_NORMAL, RENAL_MILD, RENAL_MODERATE, RENAL_SEVERE, RENAL_DIALYSIS:
		return true
	default:
		return false
	}
}

// String returns the string representation of the renal stage.
func (rf RenalFunction) String() string {
	return string(rf)
}

// rank orders renal stages by increasing impairment. Dialysis carries the
// maximum rank so it satisfies every threshold.
func (rf RenalFunction) rank() int {
	switch rf {
	case RENAL_NORMAL:
		return 0
	case RENAL_MILD:
		return 1
	case RENAL_MODERATE:
		return 2
	case RENAL_SEVERE:
		return 3
	case RENAL_DIALYSIS:
		return 4
	default:
		return -1
	}
}

// AtOrAbove reports whether the stage is at least as impaired as the given
// threshold. A patient on dialysis is at-or-above every threshold.
func (rf RenalFunction) AtOrAbove(threshold RenalFunction) bool {
	return rf.rank() >= threshold.rank()
}

// IsValid validates the EPTB site.
func (s EPTBSite) IsValid() bool {
	switch s {
	case SITE_PLEURAL, SITE_LYMPH_NODE, SITE_ABDOMINAL, SITE_GENITOURINARY,
		SITE_PERICARDIAL, SITE_BONE_JOINT, SITE_MENINGEAL, SITE_DISSEMINATED:
		return true
	default:
		return false
	}
}

// String returns the string representation of the site.
func (s EPTBSite) String() string {
	return string(s)
}

// IsValid validates the comorbidity.
func (c Comorbidity) IsValid() bool {
	switch c {
	case COMORBIDITY_HIV, COMORBIDITY_DIABETES, COMORBIDITY_NONE:
		return true
	default:
		return false
	}
}

// String returns the string representation of the comorbidity.
func (c Comorbidity) String() string {
	return string(c)
}

// knownDrugs holds every drug code recognized by the normalizer. The
// guideline table may reference only codes from this set.
var knownDrugs = map[DrugCode]struct{}{
	DRUG_ISONIAZID:            {},
	DRUG_RIFAMPICIN:           {},
	DRUG_RIFAMPICIN_HIGH_DOSE: {},
	DRUG_PYRAZINAMIDE:         {},
	DRUG_ETHAMBUTOL:           {},
	DRUG_STREPTOMYCIN:         {},
	DRUG_EFAVIRENZ:            {},
	DRUG_NEVIRAPINE:           {},
	DRUG_DOLUTEGRAVIR:         {},
	DRUG_LOPINAVIR_RITONAVIR:  {},
	DRUG_GLIBENCLAMIDE:        {},
	DRUG_GLICLAZIDE:           {},
	DRUG_METFORMIN:            {},
	DRUG_PHENYTOIN:            {},
}

// IsValid reports whether the drug code is recognized.
func (d DrugCode) IsValid() bool {
	_, ok := knownDrugs[d]
	return ok
}

// String returns the string representation of the drug code.
func (d DrugCode) String() string {
	return string(d)
}

// AllDrugs returns every recognized drug code in a fixed order.
func AllDrugs() []DrugCode {
	return []DrugCode{
		DRUG_ISONIAZID, DRUG_RIFAMPICIN, DRUG_RIFAMPICIN_HIGH_DOSE,
		DRUG_PYRAZINAMIDE, DRUG_ETHAMBUTOL, DRUG_STREPTOMYCIN,
		DRUG_EFAVIRENZ, DRUG_NEVIRAPINE, DRUG_DOLUTEGRAVIR,
		DRUG_LOPINAVIR_RITONAVIR, DRUG_GLIBENCLAMIDE, DRUG_GLICLAZIDE,
		DRUG_METFORMIN, DRUG_PHENYTOIN,
	}
}

// AllSites returns every recognized EPTB site in a fixed order.
func AllSites() []EPTBSite {
	return []EPTBSite{
		SITE_PLEURAL, SITE_LYMPH_NODE, SITE_ABDOMINAL, SITE_GENITOURINARY,
		SITE_PERICARDIAL, SITE_BONE_JOINT, SITE_MENINGEAL, SITE_DISSEMINATED,
	}
}

// AllRenalStages returns the renal staging levels from least to most
// impaired.
func AllRenalStages() []RenalFunction {
	return []RenalFunction{RENAL_NORMAL, RENAL_MILD, RENAL_MODERATE, RENAL_SEVERE, RENAL_DIALYSIS}
}
