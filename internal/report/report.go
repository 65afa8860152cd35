// Package report renders evaluation results as human-readable text for
// clinic terminals and printouts. Rendering never reorders or filters the
// finding sequence; any presentation-side filtering is a caller concern.
package report

import (
	"fmt"
	"strings"

	"github.com/eptb-dst-server/internal/domain"
	"github.com/eptb-dst-server/internal/engine"
)

// sideEffectAdvisories lists the monitoring advice dispensed alongside
// each first-line agent. Keyed by drug code; drugs without an entry get no
// advisory line.
var sideEffectAdvisories = map[domain.DrugCode]string{
	domain.DRUG_ISONIAZID:            "Risk of peripheral neuropathy and hepatotoxicity; co-prescribe pyridoxine 25 mg daily",
	domain.DRUG_RIFAMPICIN:           "Orange discoloration of urine and tears is expected; monitor liver function monthly",
	domain.DRUG_RIFAMPICIN_HIGH_DOSE: "Intensified hepatotoxicity monitoring required at high-dose rifampicin; monitor liver function every 2 weeks",
	domain.DRUG_PYRAZINAMIDE:         "Risk of hepatotoxicity, arthralgia and hyperuricemia; check uric acid if joint pain develops",
	domain.DRUG_ETHAMBUTOL:           "Risk of optic neuritis; baseline and monthly visual acuity and color vision checks",
	domain.DRUG_STREPTOMYCIN:         "Risk of ototoxicity and nephrotoxicity; baseline audiometry and renal function monitoring",
}

// AdvisoryFor returns the side-effect advisory for a drug, if any.
func AdvisoryFor(drug domain.DrugCode) (string, bool) {
	advisory, ok := sideEffectAdvisories[drug]
	return advisory, ok
}

func severityTag(s domain.Severity) string {
	switch s {
	case domain.CRITICAL:
		return "[CRITICAL]"
	case domain.WARNING:
		return "[WARNING] "
	default:
		return "[INFO]    "
	}
}

// RenderText formats a full evaluation result: patient summary, the
// finding sequence in its final order, and side-effect advisories for
// every drug in the proposed regimen.
func RenderText(result *engine.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "EPTB Regimen Assessment\n")
	fmt.Fprintf(&b, "Evaluation: %s\n", result.EvaluationID)
	fmt.Fprintf(&b, "Guideline:  %s\n", result.GuidelineVersion)
	fmt.Fprintf(&b, "Evaluated:  %s\n\n", result.EvaluatedAt.Format("2006-01-02 15:04:05 UTC"))

	fact := result.Fact
	fmt.Fprintf(&b, "Patient: %g y, %g kg, site %s, renal function %s\n",
		fact.AgeYears, fact.WeightKg, fact.EPTBSite, fact.RenalFunction)
	drugs := make([]string, 0, len(fact.Regimen.Drugs))
	for _, d := range fact.Regimen.DrugList() {
		if dose, ok := fact.Regimen.DosesMg[d]; ok {
			drugs = append(drugs, fmt.Sprintf("%s %g mg", d, dose))
		} else {
			drugs = append(drugs, string(d))
		}
	}
	fmt.Fprintf(&b, "Regimen: %s for %g weeks\n\n", strings.Join(drugs, ", "), fact.Regimen.DurationWeeks)

	if len(result.Findings) == 0 {
		b.WriteString("No guideline findings. Regimen is consistent with the loaded guideline table.\n")
	} else {
		fmt.Fprintf(&b, "Findings (%d critical, %d warning, %d info):\n",
			result.Summary.Critical, result.Summary.Warning, result.Summary.Info)
		for _, f := range result.Findings {
			fmt.Fprintf(&b, "  %s %s: %s\n", severityTag(f.Severity), f.RuleID, f.RenderedMessage)
		}
	}

	var advisories []string
	for _, d := range fact.Regimen.DrugList() {
		if advisory, ok := sideEffectAdvisories[d]; ok {
			advisories = append(advisories, fmt.Sprintf("  %s: %s", d, advisory))
		}
	}
	if len(advisories) > 0 {
		b.WriteString("\nSide-effect advisories:\n")
		b.WriteString(strings.Join(advisories, "\n"))
		b.WriteString("\n")
	}

	return b.String()
}

// RenderError formats an evaluation failure for display. Normalization
// failures name the field to correct; anything else gets the generic
// maintainer message so a configuration defect is never mistaken for a
// clinical finding.
func RenderError(err error) string {
	if ne, ok := domain.IsNormalizationError(err); ok {
		return fmt.Sprintf("Input rejected: field %q %s. Correct the value and resubmit.", ne.Field, ne.Reason)
	}
	return "Unable to complete assessment, contact maintainer."
}
