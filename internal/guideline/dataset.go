package guideline

import (
	"github.com/eptb-dst-server/internal/domain"
)

// BuiltinVersion identifies the dataset compiled into the binary. External
// dataset files and registry snapshots carry their own versions.
const BuiltinVersion = "who-eptb-2025.1"

// standardSites are the EPTB sites treated with the standard 6-month
// regimen. CNS and osteoarticular disease have their own duration rules.
var standardSites = []domain.EPTBSite{
	domain.SITE_PLEURAL,
	domain.SITE_LYMPH_NODE,
	domain.SITE_ABDOMINAL,
	domain.SITE_GENITOURINARY,
	domain.SITE_PERICARDIAL,
	domain.SITE_DISSEMINATED,
}

// Daily dose ranges per weight band (mg/day). Band bounds follow the WHO
// adult weight bands; interior bands are [low, high) and the top band is
// unbounded. Values derive from the per-kg targets: isoniazid 4-6 mg/kg,
// rifampicin 8-12 mg/kg, pyrazinamide 20-30 mg/kg, ethambutol 15-20 mg/kg.
var (
	isoniazidBands = []domain.WeightBand{
		{LowKg: 0, HighKg: 30, MinDoseMg: 100, MaxDoseMg: 180},
		{LowKg: 30, HighKg: 40, MinDoseMg: 150, MaxDoseMg: 240},
		{LowKg: 40, HighKg: 55, MinDoseMg: 200, MaxDoseMg: 300},
		{LowKg: 55, HighKg: 70, MinDoseMg: 250, MaxDoseMg: 350},
		{LowKg: 70, MinDoseMg: 300, MaxDoseMg: 400},
	}
	rifampicinBands = []domain.WeightBand{
		{LowKg: 0, HighKg: 30, MinDoseMg: 200, MaxDoseMg: 350},
		{LowKg: 30, HighKg: 40, MinDoseMg: 250, MaxDoseMg: 450},
		{LowKg: 40, HighKg: 55, MinDoseMg: 450, MaxDoseMg: 600},
		{LowKg: 55, HighKg: 70, MinDoseMg: 550, MaxDoseMg: 700},
		{LowKg: 70, MinDoseMg: 600, MaxDoseMg: 800},
	}
	pyrazinamideBands = []domain.WeightBand{
		{LowKg: 0, HighKg: 30, MinDoseMg: 500, MaxDoseMg: 900},
		{LowKg: 30, HighKg: 40, MinDoseMg: 600, MaxDoseMg: 1200},
		{LowKg: 40, HighKg: 55, MinDoseMg: 800, MaxDoseMg: 1600},
		{LowKg: 55, HighKg: 70, MinDoseMg: 1100, MaxDoseMg: 2000},
		{LowKg: 70, MinDoseMg: 1400, MaxDoseMg: 2400},
	}
	ethambutolBands = []domain.WeightBand{
		{LowKg: 0, HighKg: 30, MinDoseMg: 400, MaxDoseMg: 600},
		{LowKg: 30, HighKg: 40, MinDoseMg: 450, MaxDoseMg: 800},
		{LowKg: 40, HighKg: 55, MinDoseMg: 600, MaxDoseMg: 1100},
		{LowKg: 55, HighKg: 70, MinDoseMg: 800, MaxDoseMg: 1400},
		{LowKg: 70, MinDoseMg: 1000, MaxDoseMg: 1600},
	}
)

// Builtin returns the validated built-in table. The clinical content here
// is versioned dataset data; code never branches on these numbers directly.
func Builtin() (*Table, error) {
	return New(BuiltinVersion, builtinRules())
}

func builtinRules() []domain.GuidelineRule {
	rules := []domain.GuidelineRule{
		// --- Duration rules. Below-minimum and above-maximum are separate
		// rules on purpose: they carry different severities and messages
		// and must never merge into one finding.
		{
			ID:       "DUR-MEN-MIN",
			Category: domain.DURATION_RULE,
			Severity: domain.CRITICAL,
			Message:  "Meningeal TB requires at least {min_weeks} weeks of treatment; prescribed {duration_weeks} weeks is below minimum",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_SITE_IN,
				Sites: []domain.EPTBSite{domain.SITE_MENINGEAL},
			},
			Condition: domain.Predicate{Kind: domain.PRED_DURATION_BELOW, Weeks: 48},
		},
		{
			ID:       "DUR-OST-MIN",
			Category: domain.DURATION_RULE,
			Severity: domain.CRITICAL,
			Message:  "Bone/joint TB requires at least {min_weeks} weeks of treatment; prescribed {duration_weeks} weeks is below minimum",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_SITE_IN,
				Sites: []domain.EPTBSite{domain.SITE_BONE_JOINT},
			},
			Condition: domain.Predicate{Kind: domain.PRED_DURATION_BELOW, Weeks: 36},
		},
		{
			ID:       "DUR-OST-MAX",
			Category: domain.DURATION_RULE,
			Severity: domain.WARNING,
			Message:  "Prescribed {duration_weeks} weeks exceeds the {max_weeks}-week window documented for bone/joint TB",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_SITE_IN,
				Sites: []domain.EPTBSite{domain.SITE_BONE_JOINT},
			},
			Condition: domain.Predicate{Kind: domain.PRED_DURATION_ABOVE, Weeks: 52},
		},
		{
			ID:       "DUR-STD-MIN",
			Category: domain.DURATION_RULE,
			Severity: domain.CRITICAL,
			Message:  "{site} TB requires the standard minimum of {min_weeks} weeks; prescribed {duration_weeks} weeks is below minimum",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_SITE_IN,
				Sites: standardSites,
			},
			Condition: domain.Predicate{Kind: domain.PRED_DURATION_BELOW, Weeks: 24},
		},
		{
			ID:       "DUR-STD-MAX",
			Category: domain.DURATION_RULE,
			Severity: domain.WARNING,
			Message:  "Prescribed {duration_weeks} weeks exceeds the standard {max_weeks}-week maximum for {site} TB without documented indication",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_SITE_IN,
				Sites: standardSites,
			},
			Condition: domain.Predicate{Kind: domain.PRED_DURATION_ABOVE, Weeks: 36},
		},

		// --- Interaction rules. Pairs are stored in one order but evaluate
		// symmetrically; comorbidity rules cover the implied drug class even
		// when the specific agent is not on the medication list.
		{
			ID:       "INT-DM-RIF",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin reduces the efficacy of oral hypoglycemics; intensify glucose monitoring in diabetic patients",
			Applicability: domain.Predicate{
				Kind: domain.PRED_ALL,
				All: []domain.Predicate{
					{Kind: domain.PRED_HAS_COMORBIDITY, Comorbidity: domain.COMORBIDITY_DIABETES},
					{Kind: domain.PRED_ANY, Any: []domain.Predicate{
						{Kind: domain.PRED_DRUG_IN_REGIMEN, Drug: domain.DRUG_RIFAMPICIN},
						{Kind: domain.PRED_DRUG_IN_REGIMEN, Drug: domain.DRUG_RIFAMPICIN_HIGH_DOSE},
					}},
				},
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-HIV-RIF",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin lowers protease inhibitor and NNRTI levels; review the antiretroviral regimen before dispensing",
			Applicability: domain.Predicate{
				Kind: domain.PRED_ALL,
				All: []domain.Predicate{
					{Kind: domain.PRED_HAS_COMORBIDITY, Comorbidity: domain.COMORBIDITY_HIV},
					{Kind: domain.PRED_ANY, Any: []domain.Predicate{
						{Kind: domain.PRED_DRUG_IN_REGIMEN, Drug: domain.DRUG_RIFAMPICIN},
						{Kind: domain.PRED_DRUG_IN_REGIMEN, Drug: domain.DRUG_RIFAMPICIN_HIGH_DOSE},
					}},
				},
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-INH-PHT",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Isoniazid inhibits phenytoin metabolism; monitor phenytoin levels for toxicity",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_PHENYTOIN,
				DrugB: domain.DRUG_ISONIAZID,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-DTG",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin lowers dolutegravir exposure; dolutegravir must be dosed twice daily during TB treatment",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_DOLUTEGRAVIR,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-EFV",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin with efavirenz: efavirenz levels fall; keep standard efavirenz dose but monitor virologic response",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_EFAVIRENZ,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-GLIB",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin accelerates glibenclamide clearance; hyperglycemia risk, adjust sulfonylurea dosing",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_GLIBENCLAMIDE,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-GLIC",
			Category: domain.INTERACTION_RULE,
			Severity: domain.WARNING,
			Message:  "Rifampicin accelerates gliclazide clearance; hyperglycemia risk, adjust sulfonylurea dosing",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_GLICLAZIDE,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-LPV",
			Category: domain.INTERACTION_RULE,
			Severity: domain.CRITICAL,
			Message:  "Rifampicin with lopinavir/ritonavir causes subtherapeutic protease inhibitor levels; switch rifamycin or adjust the ART regimen",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_LOPINAVIR_RITONAVIR,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIF-NVP",
			Category: domain.INTERACTION_RULE,
			Severity: domain.CRITICAL,
			Message:  "Rifampicin with nevirapine is not recommended; substitute efavirenz or an alternative rifamycin",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_NEVIRAPINE,
				DrugB: domain.DRUG_RIFAMPICIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},
		{
			ID:       "INT-RIFHD-EFV",
			Category: domain.INTERACTION_RULE,
			Severity: domain.CRITICAL,
			Message:  "High-dose rifampicin with efavirenz markedly lowers NNRTI exposure; dose adjustment or switch to rifabutin may be required",
			Applicability: domain.Predicate{
				Kind:  domain.PRED_INTERACTION_PAIR,
				DrugA: domain.DRUG_EFAVIRENZ,
				DrugB: domain.DRUG_RIFAMPICIN_HIGH_DOSE,
			},
			Condition: domain.Predicate{Kind: domain.PRED_ALWAYS},
		},

		// --- Renal adjustment rules. Dialysis satisfies every threshold.
		{
			ID:       "REN-E-MOD",
			Category: domain.RENAL_ADJUSTMENT_RULE,
			Severity: domain.WARNING,
			Message:  "Ethambutol clearance is reduced at {renal_function}; monitor renal function and visual acuity closely",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: domain.DRUG_ETHAMBUTOL,
			},
			Condition: domain.Predicate{Kind: domain.PRED_RENAL_AT_OR_ABOVE, Threshold: domain.RENAL_MODERATE},
		},
		{
			ID:       "REN-E-SEV",
			Category: domain.RENAL_ADJUSTMENT_RULE,
			Severity: domain.CRITICAL,
			Message:  "Severe renal impairment: ethambutol requires dose/frequency adjustment (typically 3x weekly)",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: domain.DRUG_ETHAMBUTOL,
			},
			Condition: domain.Predicate{Kind: domain.PRED_RENAL_AT_OR_ABOVE, Threshold: domain.RENAL_SEVERE},
		},
		{
			ID:       "REN-S-MLD",
			Category: domain.RENAL_ADJUSTMENT_RULE,
			Severity: domain.WARNING,
			Message:  "Streptomycin is nephrotoxic; avoid or reduce dosing at {renal_function}",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: domain.DRUG_STREPTOMYCIN,
			},
			Condition: domain.Predicate{Kind: domain.PRED_RENAL_AT_OR_ABOVE, Threshold: domain.RENAL_MILD},
		},
		{
			ID:       "REN-Z-MOD",
			Category: domain.RENAL_ADJUSTMENT_RULE,
			Severity: domain.WARNING,
			Message:  "Pyrazinamide metabolites accumulate at {renal_function}; monitor closely",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: domain.DRUG_PYRAZINAMIDE,
			},
			Condition: domain.Predicate{Kind: domain.PRED_RENAL_AT_OR_ABOVE, Threshold: domain.RENAL_MODERATE},
		},
		{
			ID:       "REN-Z-SEV",
			Category: domain.RENAL_ADJUSTMENT_RULE,
			Severity: domain.CRITICAL,
			Message:  "Severe renal impairment: pyrazinamide requires dose/frequency adjustment (typically 3x weekly)",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: domain.DRUG_PYRAZINAMIDE,
			},
			Condition: domain.Predicate{Kind: domain.PRED_RENAL_AT_OR_ABOVE, Threshold: domain.RENAL_SEVERE},
		},
	}

	rules = append(rules, dosageRules()...)
	return rules
}

func dosageRules() []domain.GuidelineRule {
	specs := []struct {
		id    string
		drug  domain.DrugCode
		bands []domain.WeightBand
	}{
		{"DOS-E", domain.DRUG_ETHAMBUTOL, ethambutolBands},
		{"DOS-H", domain.DRUG_ISONIAZID, isoniazidBands},
		{"DOS-R", domain.DRUG_RIFAMPICIN, rifampicinBands},
		{"DOS-Z", domain.DRUG_PYRAZINAMIDE, pyrazinamideBands},
	}

	rules := make([]domain.GuidelineRule, 0, len(specs))
	for _, s := range specs {
		rules = append(rules, domain.GuidelineRule{
			ID:       s.id,
			Category: domain.DOSAGE_BAND_RULE,
			Severity: domain.WARNING,
			Message:  "{drug} dose {dose_mg} mg/day is outside the {min_dose_mg}-{max_dose_mg} mg range for a {weight_kg} kg patient",
			Applicability: domain.Predicate{
				Kind: domain.PRED_DRUG_IN_REGIMEN,
				Drug: s.drug,
			},
			Condition: domain.Predicate{
				Kind:  domain.PRED_DOSE_OUTSIDE_BAND,
				Drug:  s.drug,
				Bands: s.bands,
			},
		})
	}
	return rules
}
