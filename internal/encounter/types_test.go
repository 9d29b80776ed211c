package encounter

import "testing"

func TestIdentityForms(t *testing.T) {
	id := Identity{PatientID: 88001, FiscalYear: 2025, CaseNumber: 153107, AccountID: 4}

	if got := id.Key(); got != "88001-2025-153107-4" {
		t.Errorf("unexpected key %q", got)
	}
	if got := id.String(); got != "2025/153107" {
		t.Errorf("unexpected string form %q", got)
	}
	if id.IsZero() {
		t.Error("populated identity must not be zero")
	}
	if !(Identity{}).IsZero() {
		t.Error("empty identity must be zero")
	}
}

func TestPrimaryDiagnosis(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{
			name: "principal wins over secondary",
			doc: Document{Notes: []ClinicalNote{
				{Diagnoses: []Diagnosis{
					{Code: "708.0", Description: "Urticaria", Role: DiagnosisSecondary},
					{Code: "995.0", Description: "Anafilaxia", Role: DiagnosisPrincipal},
				}},
			}},
			want: "Anafilaxia",
		},
		{
			name: "falls back to first secondary",
			doc: Document{Notes: []ClinicalNote{
				{Diagnoses: []Diagnosis{
					{Code: "708.0", Description: "Urticaria", Role: DiagnosisSecondary},
				}},
			}},
			want: "Urticaria",
		},
		{
			name: "no diagnoses",
			doc:  Document{Notes: []ClinicalNote{{Author: "Dr. Rojas"}}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.doc.PrimaryDiagnosis(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
