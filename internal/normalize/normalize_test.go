package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eptb-dst-server/internal/domain"
)

func f64(v float64) *float64 { return &v }

func validRecord() *domain.RawPatientRecord {
	return &domain.RawPatientRecord{
		AgeYears:           f64(42),
		WeightKg:           f64(58),
		RenalFunction:      "Normal",
		Comorbidities:      []string{"HIV"},
		CurrentMedications: []string{"Efavirenz"},
		EPTBSite:           "Pleural",
		RegimenDrugs:       []string{"Isoniazid", "Rifampicin", "Pyrazinamide", "Ethambutol"},
		RegimenDosesMg:     map[string]float64{"Isoniazid": 300, "Rifampicin": 600},
		DurationWeeks:      f64(26),
	}
}

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(DefaultRenalBands())
	require.NoError(t, err)
	return n
}

func TestNormalize_ValidRecord(t *testing.T) {
	n := newNormalizer(t)

	fact, err := n.Normalize(validRecord())
	require.NoError(t, err)

	assert.Equal(t, 42.0, fact.AgeYears)
	assert.Equal(t, 58.0, fact.WeightKg)
	assert.Equal(t, domain.RENAL_NORMAL, fact.RenalFunction)
	assert.Equal(t, domain.SITE_PLEURAL, fact.EPTBSite)
	assert.True(t, fact.HasComorbidity(domain.COMORBIDITY_HIV))
	assert.True(t, fact.TakesMedication(domain.DRUG_EFAVIRENZ))
	assert.True(t, fact.Regimen.Contains(domain.DRUG_ISONIAZID))
	assert.Equal(t, 600.0, fact.Regimen.DosesMg[domain.DRUG_RIFAMPICIN])
	assert.Equal(t, 26.0, fact.Regimen.DurationWeeks)
}

func TestNormalize_MissingWeight(t *testing.T) {
	n := newNormalizer(t)
	rec := validRecord()
	rec.WeightKg = nil

	fact, err := n.Normalize(rec)
	require.Error(t, err)
	assert.Nil(t, fact)

	ne, ok := domain.IsNormalizationError(err)
	require.True(t, ok)
	assert.Equal(t, "weight_kg", ne.Field)
}

func TestNormalize_FieldErrors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.RawPatientRecord)
		wantField string
	}{
		{
			name:      "missing age",
			mutate:    func(r *domain.RawPatientRecord) { r.AgeYears = nil },
			wantField: "age_years",
		},
		{
			name:      "age out of range",
			mutate:    func(r *domain.RawPatientRecord) { r.AgeYears = f64(130) },
			wantField: "age_years",
		},
		{
			name:      "zero weight",
			mutate:    func(r *domain.RawPatientRecord) { r.WeightKg = f64(0) },
			wantField: "weight_kg",
		},
		{
			name:      "unrecognized site",
			mutate:    func(r *domain.RawPatientRecord) { r.EPTBSite = "Cutaneous" },
			wantField: "eptb_site",
		},
		{
			name:      "missing site",
			mutate:    func(r *domain.RawPatientRecord) { r.EPTBSite = "" },
			wantField: "eptb_site",
		},
		{
			name:      "unrecognized comorbidity",
			mutate:    func(r *domain.RawPatientRecord) { r.Comorbidities = []string{"Asthma"} },
			wantField: "comorbidities",
		},
		{
			name:      "unrecognized medication",
			mutate:    func(r *domain.RawPatientRecord) { r.CurrentMedications = []string{"Warfarin"} },
			wantField: "current_medications",
		},
		{
			name:      "empty regimen",
			mutate:    func(r *domain.RawPatientRecord) { r.RegimenDrugs = nil },
			wantField: "regimen_drugs",
		},
		{
			name:      "unrecognized regimen drug",
			mutate:    func(r *domain.RawPatientRecord) { r.RegimenDrugs = []string{"Bedaquilinee"} },
			wantField: "regimen_drugs",
		},
		{
			name: "dose for drug outside regimen",
			mutate: func(r *domain.RawPatientRecord) {
				r.RegimenDosesMg = map[string]float64{"Streptomycin": 750}
			},
			wantField: "regimen_doses_mg",
		},
		{
			name: "non-positive dose",
			mutate: func(r *domain.RawPatientRecord) {
				r.RegimenDosesMg = map[string]float64{"Isoniazid": 0}
			},
			wantField: "regimen_doses_mg",
		},
		{
			name:      "missing duration",
			mutate:    func(r *domain.RawPatientRecord) { r.DurationWeeks = nil },
			wantField: "duration_weeks",
		},
		{
			name:      "non-positive duration",
			mutate:    func(r *domain.RawPatientRecord) { r.DurationWeeks = f64(0) },
			wantField: "duration_weeks",
		},
		{
			name: "unrecognized renal staging",
			mutate: func(r *domain.RawPatientRecord) {
				r.RenalFunction = "Stage9"
			},
			wantField: "renal_function",
		},
		{
			name: "no renal information at all",
			mutate: func(r *domain.RawPatientRecord) {
				r.RenalFunction = ""
				r.EGFRmLMin = nil
				r.OnDialysis = false
			},
			wantField: "renal_function",
		},
		{
			name: "negative eGFR",
			mutate: func(r *domain.RawPatientRecord) {
				r.RenalFunction = ""
				r.EGFRmLMin = f64(-5)
			},
			wantField: "egfr_ml_min",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNormalizer(t)
			rec := validRecord()
			tt.mutate(rec)

			_, err := n.Normalize(rec)
			require.Error(t, err)

			ne, ok := domain.IsNormalizationError(err)
			require.True(t, ok, "expected NormalizationError, got %T", err)
			assert.Equal(t, tt.wantField, ne.Field)
		})
	}
}

func TestNormalize_EGFRStaging(t *testing.T) {
	tests := []struct {
		egfr float64
		want domain.RenalFunction
	}{
		{120, domain.RENAL_NORMAL},
		{90, domain.RENAL_NORMAL},
		{89.9, domain.RENAL_MILD},
		{60, domain.RENAL_MILD},
		{59, domain.RENAL_MODERATE},
		{30, domain.RENAL_MODERATE},
		{29, domain.RENAL_SEVERE},
		{15, domain.RENAL_SEVERE},
		{14, domain.RENAL_DIALYSIS},
		{0, domain.RENAL_DIALYSIS},
	}

	n := newNormalizer(t)
	for _, tt := range tests {
		rec := validRecord()
		rec.RenalFunction = ""
		rec.EGFRmLMin = f64(tt.egfr)

		fact, err := n.Normalize(rec)
		require.NoError(t, err, "eGFR %g", tt.egfr)
		assert.Equal(t, tt.want, fact.RenalFunction, "eGFR %g", tt.egfr)
	}
}

func TestNormalize_DialysisFlagOverrides(t *testing.T) {
	n := newNormalizer(t)
	rec := validRecord()
	rec.RenalFunction = "Normal"
	rec.EGFRmLMin = f64(110)
	rec.OnDialysis = true

	fact, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, domain.RENAL_DIALYSIS, fact.RenalFunction)
}

func TestNormalize_StagingNameBeatsEGFR(t *testing.T) {
	n := newNormalizer(t)
	rec := validRecord()
	rec.RenalFunction = "SevereImpairment"
	rec.EGFRmLMin = f64(110)

	fact, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, domain.RENAL_SEVERE, fact.RenalFunction)
}

func TestNormalize_Aliases(t *testing.T) {
	n := newNormalizer(t)
	rec := validRecord()
	rec.RegimenDrugs = []string{"INH", "rif", "PZA", "emb"}
	rec.RegimenDosesMg = map[string]float64{"inh": 300}
	rec.CurrentMedications = []string{"EFV"}
	rec.Comorbidities = []string{"hiv positive"}
	rec.EPTBSite = "CNS"
	rec.RenalFunction = "moderate"

	fact, err := n.Normalize(rec)
	require.NoError(t, err)

	assert.True(t, fact.Regimen.Contains(domain.DRUG_ISONIAZID))
	assert.True(t, fact.Regimen.Contains(domain.DRUG_RIFAMPICIN))
	assert.True(t, fact.Regimen.Contains(domain.DRUG_PYRAZINAMIDE))
	assert.True(t, fact.Regimen.Contains(domain.DRUG_ETHAMBUTOL))
	assert.Equal(t, 300.0, fact.Regimen.DosesMg[domain.DRUG_ISONIAZID])
	assert.True(t, fact.TakesMedication(domain.DRUG_EFAVIRENZ))
	assert.True(t, fact.HasComorbidity(domain.COMORBIDITY_HIV))
	assert.Equal(t, domain.SITE_MENINGEAL, fact.EPTBSite)
	assert.Equal(t, domain.RENAL_MODERATE, fact.RenalFunction)
}

func TestNormalize_NoneComorbidityDropped(t *testing.T) {
	n := newNormalizer(t)
	rec := validRecord()
	rec.Comorbidities = []string{"None"}

	fact, err := n.Normalize(rec)
	require.NoError(t, err)
	assert.Empty(t, fact.ComorbidityList())
}

func TestNormalize_NilRecord(t *testing.T) {
	n := newNormalizer(t)

	_, err := n.Normalize(nil)
	require.Error(t, err)
	ne, ok := domain.IsNormalizationError(err)
	require.True(t, ok)
	assert.Equal(t, "record", ne.Field)
}

func TestRenalBands_Validate(t *testing.T) {
	assert.NoError(t, DefaultRenalBands().Validate())

	bad := RenalBands{NormalMin: 60, MildMin: 90, ModerateMin: 30, SevereMin: 15}
	assert.Error(t, bad.Validate())

	zero := RenalBands{}
	assert.Error(t, zero.Validate())
}
