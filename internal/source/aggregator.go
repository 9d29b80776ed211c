package source

import (
	"context"
	"fmt"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/retry"
)

// sectionSource is the per-section read interface the aggregator fans
// out over. *Store implements it against the HIS views.
type sectionSource interface {
	fetchNotes(ctx context.Context, id encounter.Identity) ([]encounter.ClinicalNote, error)
	fetchVitals(ctx context.Context, id encounter.Identity) ([]encounter.VitalSign, error)
	fetchAdministrations(ctx context.Context, id encounter.Identity) ([]encounter.MedicationAdministration, error)
	fetchNursingNotes(ctx context.Context, id encounter.Identity) ([]encounter.NursingNote, error)
	fetchLabResults(ctx context.Context, id encounter.Identity) ([]encounter.LabResult, error)
	fetchLabOrders(ctx context.Context, id encounter.Identity) ([]encounter.LabOrder, error)
	fetchImagingResults(ctx context.Context, id encounter.Identity) ([]encounter.ImagingResult, error)
	fetchImagingOrders(ctx context.Context, id encounter.Identity) ([]encounter.ImagingOrder, error)
}

// Aggregator assembles the full encounter document. Each section query
// is retried independently, but the aggregation as a whole is
// all-or-nothing: a partial document could score misleadingly, so any
// section failing past its retry budget fails the encounter.
type Aggregator struct {
	src     sectionSource
	policy  retry.Policy
	ceiling int
}

// NewAggregator wires the aggregator to the store with the shared retry
// policy and the result-size ceiling.
func NewAggregator(store *Store, policy retry.Policy, ceiling int) *Aggregator {
	return &Aggregator{src: store, policy: policy, ceiling: ceiling}
}

// Aggregate assembles and orders the document for one identity. Empty
// sections are normal; the four lab/imaging sections are fetched
// independently so orders are never inferred from results.
func (a *Aggregator) Aggregate(ctx context.Context, id encounter.Identity) (*encounter.Document, error) {
	doc := &encounter.Document{Identity: id}

	sections := []struct {
		name  string
		fetch func(ctx context.Context) (int, error)
	}{
		{"notes", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchNotes(ctx, id)
			doc.Notes = rows
			return notesSize(rows), err
		}},
		{"vitals", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchVitals(ctx, id)
			doc.Vitals = rows
			return vitalsSize(rows), err
		}},
		{"administrations", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchAdministrations(ctx, id)
			doc.Administrations = rows
			return administrationsSize(rows), err
		}},
		{"nursing notes", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchNursingNotes(ctx, id)
			doc.NursingNotes = rows
			return nursingSize(rows), err
		}},
		{"lab results", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchLabResults(ctx, id)
			doc.LabResults = rows
			return labResultsSize(rows), err
		}},
		{"lab orders", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchLabOrders(ctx, id)
			doc.LabOrders = rows
			return labOrdersSize(rows), err
		}},
		{"imaging results", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchImagingResults(ctx, id)
			doc.ImagingResults = rows
			return imagingResultsSize(rows), err
		}},
		{"imaging orders", func(ctx context.Context) (int, error) {
			rows, err := a.src.fetchImagingOrders(ctx, id)
			doc.ImagingOrders = rows
			return imagingOrdersSize(rows), err
		}},
	}

	for _, section := range sections {
		var size int
		err := a.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			size, err = section.fetch(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("aggregate %s for %s: %w", section.name, id, err)
		}
		if a.ceiling > 0 && size >= a.ceiling {
			return nil, fmt.Errorf("aggregate %s for %s: %w (%d bytes)", section.name, id, ErrSectionTruncated, size)
		}
	}

	doc.Sort()
	return doc, nil
}

func notesSize(rows []encounter.ClinicalNote) int {
	n := 0
	for _, r := range rows {
		n += len(r.Author) + len(r.Narrative) + len(r.Plan) +
			len(r.DischargeCondition) + len(r.DischargeCause) + len(r.Complications)
		for _, d := range r.Diagnoses {
			n += len(d.Code) + len(d.Description)
		}
		for _, p := range r.Prescriptions {
			n += len(p.Drug) + len(p.Dose) + len(p.Unit) + len(p.Frequency) + len(p.Route)
		}
	}
	return n
}

func vitalsSize(rows []encounter.VitalSign) int {
	n := 0
	for _, r := range rows {
		n += len(r.Label) + len(r.Value) + len(r.Unit)
	}
	return n
}

func administrationsSize(rows []encounter.MedicationAdministration) int {
	n := 0
	for _, r := range rows {
		n += len(r.Drug) + len(r.Quantity) + len(r.Unit) + len(r.Staff) + len(r.Observation)
	}
	return n
}

func nursingSize(rows []encounter.NursingNote) int {
	n := 0
	for _, r := range rows {
		n += len(r.Author) + len(r.Note)
	}
	return n
}

func labResultsSize(rows []encounter.LabResult) int {
	n := 0
	for _, r := range rows {
		n += len(r.Service) + len(r.Label) + len(r.Value) + len(r.Unit) + len(r.ReferenceRange)
	}
	return n
}

func labOrdersSize(rows []encounter.LabOrder) int {
	n := 0
	for _, r := range rows {
		n += len(r.Study) + len(r.Code)
	}
	return n
}

func imagingResultsSize(rows []encounter.ImagingResult) int {
	n := 0
	for _, r := range rows {
		n += len(r.StudyType) + len(r.RequestedBy) + len(r.ReportedBy) +
			len(r.FindingTitle) + len(r.FindingNarrative)
	}
	return n
}

func imagingOrdersSize(rows []encounter.ImagingOrder) int {
	n := 0
	for _, r := range rows {
		n += len(r.Study) + len(r.Code)
	}
	return n
}
