package encounter

import (
	"fmt"
	"sort"
	"time"
)

// Identity is the composite key addressing one urgent-care episode.
// It is immutable once the episode exists; every other record in the
// document is scoped to exactly one Identity.
type Identity struct {
	PatientID  int64 `json:"patient_id"`
	FiscalYear int   `json:"fiscal_year"`
	CaseNumber int64 `json:"case_number"`
	AccountID  int64 `json:"account_id"`
}

// Key returns the canonical state-store key. Keyed on the account, not on
// any individual note, so one episode is audited at most once per round.
func (id Identity) Key() string {
	return fmt.Sprintf("%d-%d-%d-%d", id.PatientID, id.FiscalYear, id.CaseNumber, id.AccountID)
}

// String is the short human form used in logs: fiscal year / case number.
func (id Identity) String() string {
	return fmt.Sprintf("%d/%d", id.FiscalYear, id.CaseNumber)
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.PatientID == 0 && id.FiscalYear == 0 && id.CaseNumber == 0 && id.AccountID == 0
}

// NoteCategory classifies a clinical note entry.
type NoteCategory string

const (
	NoteInitialEvaluation NoteCategory = "initial_evaluation"
	NoteProgress          NoteCategory = "progress"
	NoteDischargeSummary  NoteCategory = "discharge_summary"
	NoteConsult           NoteCategory = "consult"
	NoteNursingReport     NoteCategory = "nursing_report"
)

// DiagnosisRole distinguishes the principal diagnosis from secondaries.
type DiagnosisRole string

const (
	DiagnosisPrincipal DiagnosisRole = "principal"
	DiagnosisSecondary DiagnosisRole = "secondary"
)

// Diagnosis is a coded diagnosis linked to a clinical note.
type Diagnosis struct {
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Role        DiagnosisRole `json:"role"`
}

// Prescription is a medication prescribed within a clinical note.
// Prescriptions are never merged with administrations, only co-presented.
type Prescription struct {
	Drug      string `json:"drug"`
	Dose      string `json:"dose"`
	Unit      string `json:"unit"`
	Frequency string `json:"frequency"`
	Route     string `json:"route"`
}

// ClinicalNote is one timestamped entry of the clinical narrative.
type ClinicalNote struct {
	Timestamp     time.Time      `json:"timestamp"`
	Author        string         `json:"author"`
	Category      NoteCategory   `json:"category"`
	Narrative     string         `json:"narrative"`
	Plan          string         `json:"plan,omitempty"`
	Diagnoses     []Diagnosis    `json:"diagnoses,omitempty"`
	Prescriptions []Prescription `json:"prescriptions,omitempty"`

	// Present only on discharge entries.
	DischargeCondition string `json:"discharge_condition,omitempty"`
	DischargeCause     string `json:"discharge_cause,omitempty"`
	Complications      string `json:"complications,omitempty"`
}

// VitalSign is one timestamped measurement.
type VitalSign struct {
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Value     string    `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

// MedicationAdministration is a nursing execution event, sourced
// independently from prescriptions.
type MedicationAdministration struct {
	Timestamp   time.Time `json:"timestamp"`
	Drug        string    `json:"drug"`
	Quantity    string    `json:"quantity"`
	Unit        string    `json:"unit,omitempty"`
	Staff       string    `json:"staff,omitempty"`
	Observation string    `json:"observation,omitempty"`
}

// NursingNote is a timestamped free-text nursing entry.
type NursingNote struct {
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Note      string    `json:"note"`
}

// LabResult is one result line of a completed laboratory study.
type LabResult struct {
	ResultedAt     time.Time `json:"resulted_at"`
	OrderedAt      time.Time `json:"ordered_at"`
	Service        string    `json:"service"`
	Label          string    `json:"label"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
}

// LabOrder is a requested laboratory study, present whether or not a
// result exists yet. An order with no matching result is a normal,
// pending state, never an error.
type LabOrder struct {
	OrderedAt time.Time `json:"ordered_at"`
	Study     string    `json:"study"`
	Code      string    `json:"code,omitempty"`
}

// ImagingResult is a reported imaging study.
type ImagingResult struct {
	Date             time.Time `json:"date"`
	StudyType        string    `json:"study_type"`
	RequestedBy      string    `json:"requested_by,omitempty"`
	ReportedBy       string    `json:"reported_by,omitempty"`
	FindingTitle     string    `json:"finding_title,omitempty"`
	FindingNarrative string    `json:"finding_narrative,omitempty"`
}

// ImagingOrder is a requested imaging study, pending or not.
type ImagingOrder struct {
	OrderedAt time.Time `json:"ordered_at"`
	Study     string    `json:"study"`
	Code      string    `json:"code,omitempty"`
}

// Document is the full aggregated record for one Identity. Orders
// sections are never inferred from results sections and vice versa: an
// item present only in an orders section was still requested.
type Document struct {
	Identity Identity `json:"identity"`

	Notes           []ClinicalNote             `json:"notes"`
	Vitals          []VitalSign                `json:"vitals"`
	Administrations []MedicationAdministration `json:"administrations"`
	NursingNotes    []NursingNote              `json:"nursing_notes"`
	LabResults      []LabResult                `json:"lab_results"`
	LabOrders       []LabOrder                 `json:"lab_orders"`
	ImagingResults  []ImagingResult            `json:"imaging_results"`
	ImagingOrders   []ImagingOrder             `json:"imaging_orders"`
}

// PrimaryDiagnosis returns the description of the first principal
// diagnosis found across the clinical notes, falling back to the first
// diagnosis of any role. Empty when the record carries no diagnosis.
func (d *Document) PrimaryDiagnosis() string {
	var fallback string
	for _, note := range d.Notes {
		for _, dx := range note.Diagnoses {
			if dx.Role == DiagnosisPrincipal {
				return dx.Description
			}
			if fallback == "" {
				fallback = dx.Description
			}
		}
	}
	return fallback
}

// SectionCounts reports the row count per section, persisted alongside
// each verdict as aggregation metadata.
type SectionCounts struct {
	Notes           int `json:"notes"`
	Vitals          int `json:"vitals"`
	Administrations int `json:"administrations"`
	NursingNotes    int `json:"nursing_notes"`
	LabResults      int `json:"lab_results"`
	LabOrders       int `json:"lab_orders"`
	ImagingResults  int `json:"imaging_results"`
	ImagingOrders   int `json:"imaging_orders"`
}

// Counts returns the per-section row counts of the document.
func (d *Document) Counts() SectionCounts {
	return SectionCounts{
		Notes:           len(d.Notes),
		Vitals:          len(d.Vitals),
		Administrations: len(d.Administrations),
		NursingNotes:    len(d.NursingNotes),
		LabResults:      len(d.LabResults),
		LabOrders:       len(d.LabOrders),
		ImagingResults:  len(d.ImagingResults),
		ImagingOrders:   len(d.ImagingOrders),
	}
}

// Sort orders every section ascending by its primary timestamp with a
// stable secondary key, so repeated aggregations of the same rows yield
// byte-identical formatted documents.
func (d *Document) Sort() {
	sort.SliceStable(d.Notes, func(i, j int) bool {
		a, b := d.Notes[i], d.Notes[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Author < b.Author
	})
	sort.SliceStable(d.Vitals, func(i, j int) bool {
		a, b := d.Vitals[i], d.Vitals[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Label < b.Label
	})
	sort.SliceStable(d.Administrations, func(i, j int) bool {
		a, b := d.Administrations[i], d.Administrations[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Drug < b.Drug
	})
	sort.SliceStable(d.NursingNotes, func(i, j int) bool {
		a, b := d.NursingNotes[i], d.NursingNotes[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Author < b.Author
	})
	sort.SliceStable(d.LabResults, func(i, j int) bool {
		a, b := d.LabResults[i], d.LabResults[j]
		if !a.ResultedAt.Equal(b.ResultedAt) {
			return a.ResultedAt.Before(b.ResultedAt)
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Label < b.Label
	})
	sort.SliceStable(d.LabOrders, func(i, j int) bool {
		a, b := d.LabOrders[i], d.LabOrders[j]
		if !a.OrderedAt.Equal(b.OrderedAt) {
			return a.OrderedAt.Before(b.OrderedAt)
		}
		return a.Study < b.Study
	})
	sort.SliceStable(d.ImagingResults, func(i, j int) bool {
		a, b := d.ImagingResults[i], d.ImagingResults[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.StudyType < b.StudyType
	})
	sort.SliceStable(d.ImagingOrders, func(i, j int) bool {
		a, b := d.ImagingOrders[i], d.ImagingOrders[j]
		if !a.OrderedAt.Equal(b.OrderedAt) {
			return a.OrderedAt.Before(b.OrderedAt)
		}
		return a.Study < b.Study
	})
}
