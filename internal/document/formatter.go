// Package document renders an aggregated encounter into the single
// deterministic text block submitted for scoring. Formatting is pure:
// same document in, byte-identical text out.
package document

import (
	"errors"
	"fmt"
	"strings"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

// ErrDocumentTooLarge marks a formatted document over the configured
// ceiling. Content is never cut: silent truncation once dropped
// clinical narrative and produced misleading verdicts.
var ErrDocumentTooLarge = errors.New("formatted document exceeds size limit")

const (
	banner    = "================================================================================="
	subDivide = "--------------------------------------------------------------------------------"

	// The clinical record itself is Spanish; section banners and the
	// orders annotations stay in the record's language so the scoring
	// service reads them in context.
	headerNotes           = "EVOLUCIONES CLÍNICAS"
	headerVitals          = "SIGNOS VITALES"
	headerAdministrations = "EJECUCIONES DE MEDICAMENTOS (ENFERMERÍA)"
	headerNursing         = "NOTAS DE ENFERMERÍA"
	headerLabResults      = "RESULTADOS DE LABORATORIO"
	headerLabOrders       = "SOLICITUDES DE LABORATORIO (ÓRDENES MÉDICAS)"
	headerImagingResults  = "ESTUDIOS DE IMAGEN"
	headerImagingOrders   = "SOLICITUDES DE IMAGEN (ÓRDENES MÉDICAS)"

	// Orders are the authoritative was-this-requested signal: a study
	// listed here was ordered even if no result exists yet.
	labOrdersNote = "NOTA: Esta sección muestra TODOS los laboratorios SOLICITADOS por el médico,\n" +
		"independientemente de si ya tienen resultado. Un estudio que aparece aquí\n" +
		"FUE SOLICITADO aunque no tenga resultado en la sección de resultados."
	imagingOrdersNote = "NOTA: Esta sección muestra TODOS los estudios de imagen SOLICITADOS por el\n" +
		"médico, independientemente de si ya tienen informe. Un estudio que aparece\n" +
		"aquí FUE SOLICITADO aunque no tenga informe en la sección de resultados."

	timeLayout = "2006-01-02 15:04"

	// listSep joins multi-valued sub-fields (diagnoses, prescriptions).
	listSep = "; "
)

var categoryLabels = map[encounter.NoteCategory]string{
	encounter.NoteInitialEvaluation: "Atención inicial",
	encounter.NoteProgress:          "Evolución",
	encounter.NoteDischargeSummary:  "Epicrisis / Alta",
	encounter.NoteConsult:           "Interconsulta",
	encounter.NoteNursingReport:     "Reporte de enfermería",
}

// Format renders the document. maxBytes <= 0 disables the size check.
func Format(doc *encounter.Document, maxBytes int) (string, error) {
	var b strings.Builder

	writeIdentity(&b, doc.Identity)
	writeNotes(&b, doc.Notes)
	writeVitals(&b, doc.Vitals)
	writeAdministrations(&b, doc.Administrations)
	writeNursing(&b, doc.NursingNotes)
	writeLabResults(&b, doc.LabResults)
	writeLabOrders(&b, doc.LabOrders)
	writeImagingResults(&b, doc.ImagingResults)
	writeImagingOrders(&b, doc.ImagingOrders)

	b.WriteString(banner)
	b.WriteString("\n")

	out := b.String()
	if maxBytes > 0 && len(out) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes over a %d byte limit", ErrDocumentTooLarge, len(out), maxBytes)
	}
	return out, nil
}

func sectionHeader(b *strings.Builder, title string) {
	b.WriteString(banner)
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(banner)
	b.WriteString("\n")
}

func writeIdentity(b *strings.Builder, id encounter.Identity) {
	sectionHeader(b, "ATENCIÓN DE URGENCIAS - DETALLE COMPLETO")
	fmt.Fprintf(b, "Paciente ID: %d\n", id.PatientID)
	fmt.Fprintf(b, "Gestión: %d\n", id.FiscalYear)
	fmt.Fprintf(b, "Número de Internación: %d\n", id.CaseNumber)
	fmt.Fprintf(b, "ID de Cuenta: %d\n\n", id.AccountID)
}

func writeNotes(b *strings.Builder, notes []encounter.ClinicalNote) {
	if len(notes) == 0 {
		return
	}
	sectionHeader(b, headerNotes)
	for i, note := range notes {
		fmt.Fprintf(b, "--- Evolución #%d ---\n", i+1)
		fmt.Fprintf(b, "Fecha: %s\n", note.Timestamp.Format(timeLayout))
		fmt.Fprintf(b, "Tipo: %s\n", categoryLabels[note.Category])
		if note.Author != "" {
			fmt.Fprintf(b, "Profesional: %s\n", note.Author)
		}
		if len(note.Diagnoses) > 0 {
			fmt.Fprintf(b, "Diagnósticos CIE: %s\n", formatDiagnoses(note.Diagnoses))
		}
		if note.Narrative != "" {
			fmt.Fprintf(b, "Comentario Clínico:\n%s\n", note.Narrative)
		}
		if note.Plan != "" {
			fmt.Fprintf(b, "Plan Médico:\n%s\n", note.Plan)
		}
		if len(note.Prescriptions) > 0 {
			fmt.Fprintf(b, "Medicamentos Prescritos: %s\n", formatPrescriptions(note.Prescriptions))
		}
		if note.DischargeCondition != "" {
			fmt.Fprintf(b, "Condición de Egreso: %s\n", note.DischargeCondition)
		}
		if note.DischargeCause != "" {
			fmt.Fprintf(b, "Causa de Egreso: %s\n", note.DischargeCause)
		}
		if note.Complications != "" {
			fmt.Fprintf(b, "Complicaciones: %s\n", note.Complications)
		}
		b.WriteString(subDivide)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func formatDiagnoses(diagnoses []encounter.Diagnosis) string {
	parts := make([]string, 0, len(diagnoses))
	for _, d := range diagnoses {
		role := "secundario"
		if d.Role == encounter.DiagnosisPrincipal {
			role = "principal"
		}
		parts = append(parts, fmt.Sprintf("%s %s (%s)", d.Code, d.Description, role))
	}
	return strings.Join(parts, listSep)
}

func formatPrescriptions(prescriptions []encounter.Prescription) string {
	parts := make([]string, 0, len(prescriptions))
	for _, p := range prescriptions {
		item := p.Drug
		if p.Dose != "" {
			item += " " + p.Dose
			if p.Unit != "" {
				item += " " + p.Unit
			}
		}
		if p.Frequency != "" {
			item += ", " + p.Frequency
		}
		if p.Route != "" {
			item += ", vía " + p.Route
		}
		parts = append(parts, item)
	}
	return strings.Join(parts, listSep)
}

func writeVitals(b *strings.Builder, vitals []encounter.VitalSign) {
	if len(vitals) == 0 {
		return
	}
	sectionHeader(b, headerVitals)
	for _, v := range vitals {
		fmt.Fprintf(b, "%s | %s: %s", v.Timestamp.Format(timeLayout), v.Label, v.Value)
		if v.Unit != "" {
			fmt.Fprintf(b, " %s", v.Unit)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeAdministrations(b *strings.Builder, items []encounter.MedicationAdministration) {
	if len(items) == 0 {
		return
	}
	sectionHeader(b, headerAdministrations)
	for _, m := range items {
		fmt.Fprintf(b, "%s | %s: %s", m.Timestamp.Format(timeLayout), m.Drug, m.Quantity)
		if m.Unit != "" {
			fmt.Fprintf(b, " %s", m.Unit)
		}
		if m.Staff != "" {
			fmt.Fprintf(b, " | Administrado por: %s", m.Staff)
		}
		if m.Observation != "" {
			fmt.Fprintf(b, " | Observación: %s", m.Observation)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeNursing(b *strings.Builder, notes []encounter.NursingNote) {
	if len(notes) == 0 {
		return
	}
	sectionHeader(b, headerNursing)
	for _, n := range notes {
		fmt.Fprintf(b, "%s | %s: %s\n", n.Timestamp.Format(timeLayout), n.Author, n.Note)
	}
	b.WriteString("\n")
}

func writeLabResults(b *strings.Builder, results []encounter.LabResult) {
	if len(results) == 0 {
		return
	}
	sectionHeader(b, headerLabResults)
	for _, r := range results {
		fmt.Fprintf(b, "%s | Servicio: %s | %s: %s", r.ResultedAt.Format(timeLayout), r.Service, r.Label, r.Value)
		if r.Unit != "" {
			fmt.Fprintf(b, " %s", r.Unit)
		}
		if r.ReferenceRange != "" {
			fmt.Fprintf(b, " (ref: %s)", r.ReferenceRange)
		}
		fmt.Fprintf(b, " | Fecha solicitud: %s\n", r.OrderedAt.Format(timeLayout))
	}
	b.WriteString("\n")
}

func writeLabOrders(b *strings.Builder, orders []encounter.LabOrder) {
	if len(orders) == 0 {
		return
	}
	sectionHeader(b, headerLabOrders)
	b.WriteString(labOrdersNote)
	b.WriteString("\n\n")
	for _, o := range orders {
		fmt.Fprintf(b, "Estudio: %s", o.Study)
		if o.Code != "" {
			fmt.Fprintf(b, " [%s]", o.Code)
		}
		fmt.Fprintf(b, " | Fecha solicitud: %s\n", o.OrderedAt.Format(timeLayout))
	}
	b.WriteString("\n")
}

func writeImagingResults(b *strings.Builder, results []encounter.ImagingResult) {
	if len(results) == 0 {
		return
	}
	sectionHeader(b, headerImagingResults)
	for _, r := range results {
		fmt.Fprintf(b, "Fecha: %s | Estudio: %s\n", r.Date.Format(timeLayout), r.StudyType)
		if r.RequestedBy != "" {
			fmt.Fprintf(b, "Médico solicitante: %s\n", r.RequestedBy)
		}
		if r.ReportedBy != "" {
			fmt.Fprintf(b, "Médico informante: %s\n", r.ReportedBy)
		}
		if r.FindingTitle != "" {
			fmt.Fprintf(b, "Hallazgo: %s\n", r.FindingTitle)
		}
		if r.FindingNarrative != "" {
			fmt.Fprintf(b, "Informe:\n%s\n", r.FindingNarrative)
		}
		b.WriteString(subDivide)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeImagingOrders(b *strings.Builder, orders []encounter.ImagingOrder) {
	if len(orders) == 0 {
		return
	}
	sectionHeader(b, headerImagingOrders)
	b.WriteString(imagingOrdersNote)
	b.WriteString("\n\n")
	for _, o := range orders {
		fmt.Fprintf(b, "Estudio: %s", o.Study)
		if o.Code != "" {
			fmt.Fprintf(b, " [%s]", o.Code)
		}
		fmt.Fprintf(b, " | Fecha solicitud: %s\n", o.OrderedAt.Format(timeLayout))
	}
	b.WriteString("\n")
}
