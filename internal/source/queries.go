package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

// Section queries run against the HIS read views, one view per section.
// The four lab/imaging views are queried independently on purpose:
// solicitudes (orders) are never derived from resultados (results) and
// an order without a result is a normal pending state.

const identityWhere = `persona_numero = $1 AND cuenta_gestion = $2 AND cuenta_internacion = $3 AND cuenta_id = $4`

const queryNotes = `
	SELECT id_evolucion, fecha, profesional, tipo_evento,
	       COALESCE(motivo_consulta, ''), COALESCE(examen_fisico, ''), COALESCE(comentario_clinico, ''),
	       COALESCE(plan_medico, ''),
	       COALESCE(condicion_egreso, ''), COALESCE(causa_egreso, ''), COALESCE(complicaciones, '')
	FROM v_evoluciones_clinicas
	WHERE ` + identityWhere

const queryNoteDiagnoses = `
	SELECT id_evolucion, codigo_cie, COALESCE(descripcion, ''), tipo_diagnostico
	FROM v_diagnosticos_evolucion
	WHERE ` + identityWhere + `
	ORDER BY id_evolucion, tipo_diagnostico, codigo_cie`

const queryNotePrescriptions = `
	SELECT id_evolucion, medicamento, COALESCE(dosis, ''), COALESCE(unidad, ''),
	       COALESCE(frecuencia, ''), COALESCE(via, '')
	FROM v_medicamentos_prescritos
	WHERE ` + identityWhere + `
	ORDER BY id_evolucion, medicamento`

const queryVitals = `
	SELECT fecha, parametro, valor, COALESCE(unidad, '')
	FROM v_signos_vitales
	WHERE ` + identityWhere

const queryAdministrations = `
	SELECT fecha, medicamento, cantidad, COALESCE(unidad, ''),
	       COALESCE(personal, ''), COALESCE(observacion, '')
	FROM v_ejecuciones_medicamentos
	WHERE ` + identityWhere

const queryNursingNotes = `
	SELECT fecha, COALESCE(personal, ''), nota
	FROM v_notas_enfermeria
	WHERE ` + identityWhere

const queryLabResults = `
	SELECT fecha_resultado, fecha_solicitud, servicio, parametro,
	       valor, COALESCE(unidad, ''), COALESCE(rango_referencia, '')
	FROM v_resultados_laboratorio
	WHERE ` + identityWhere

const queryLabOrders = `
	SELECT fecha_solicitud, estudio, COALESCE(codigo, '')
	FROM v_solicitudes_laboratorio
	WHERE ` + identityWhere

const queryImagingResults = `
	SELECT fecha, tipo_estudio, COALESCE(medico_solicitante, ''), COALESCE(medico_informante, ''),
	       COALESCE(titulo_hallazgo, ''), COALESCE(informe, '')
	FROM v_resultados_imagen
	WHERE ` + identityWhere

const queryImagingOrders = `
	SELECT fecha_solicitud, estudio, COALESCE(codigo, '')
	FROM v_solicitudes_imagen
	WHERE ` + identityWhere

func (s *Store) args(id encounter.Identity) []any {
	return []any{id.PatientID, id.FiscalYear, id.CaseNumber, id.AccountID}
}

func wrapQueryErr(section string, err error) error {
	return fmt.Errorf("%w: %s query: %v", ErrSourceUnavailable, section, err)
}

func (s *Store) fetchNotes(ctx context.Context, id encounter.Identity) ([]encounter.ClinicalNote, error) {
	type keyedNote struct {
		noteID int64
		note   encounter.ClinicalNote
	}

	rows, err := s.pool.Query(ctx, queryNotes, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("notes", err)
	}
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (keyedNote, error) {
		var kn keyedNote
		var eventType string
		var reason, exam, comment string
		err := row.Scan(&kn.noteID, &kn.note.Timestamp, &kn.note.Author, &eventType,
			&reason, &exam, &comment, &kn.note.Plan,
			&kn.note.DischargeCondition, &kn.note.DischargeCause, &kn.note.Complications)
		if err != nil {
			return kn, err
		}
		kn.note.Category = noteCategory(eventType)
		kn.note.Narrative = joinNonEmpty("\n", reason, exam, comment)
		return kn, nil
	})
	if err != nil {
		return nil, wrapQueryErr("notes", err)
	}

	diagnoses, err := s.fetchNoteDiagnoses(ctx, id)
	if err != nil {
		return nil, err
	}
	prescriptions, err := s.fetchNotePrescriptions(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]encounter.ClinicalNote, 0, len(notes))
	for _, kn := range notes {
		kn.note.Diagnoses = diagnoses[kn.noteID]
		kn.note.Prescriptions = prescriptions[kn.noteID]
		out = append(out, kn.note)
	}
	return out, nil
}

func (s *Store) fetchNoteDiagnoses(ctx context.Context, id encounter.Identity) (map[int64][]encounter.Diagnosis, error) {
	rows, err := s.pool.Query(ctx, queryNoteDiagnoses, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("note diagnoses", err)
	}
	defer rows.Close()

	out := make(map[int64][]encounter.Diagnosis)
	for rows.Next() {
		var noteID int64
		var d encounter.Diagnosis
		var role string
		if err := rows.Scan(&noteID, &d.Code, &d.Description, &role); err != nil {
			return nil, wrapQueryErr("note diagnoses", err)
		}
		if role == "P" {
			d.Role = encounter.DiagnosisPrincipal
		} else {
			d.Role = encounter.DiagnosisSecondary
		}
		out[noteID] = append(out[noteID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr("note diagnoses", err)
	}
	return out, nil
}

func (s *Store) fetchNotePrescriptions(ctx context.Context, id encounter.Identity) (map[int64][]encounter.Prescription, error) {
	rows, err := s.pool.Query(ctx, queryNotePrescriptions, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("note prescriptions", err)
	}
	defer rows.Close()

	out := make(map[int64][]encounter.Prescription)
	for rows.Next() {
		var noteID int64
		var p encounter.Prescription
		if err := rows.Scan(&noteID, &p.Drug, &p.Dose, &p.Unit, &p.Frequency, &p.Route); err != nil {
			return nil, wrapQueryErr("note prescriptions", err)
		}
		out[noteID] = append(out[noteID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr("note prescriptions", err)
	}
	return out, nil
}

func (s *Store) fetchVitals(ctx context.Context, id encounter.Identity) ([]encounter.VitalSign, error) {
	rows, err := s.pool.Query(ctx, queryVitals, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("vitals", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.VitalSign, error) {
		var v encounter.VitalSign
		err := row.Scan(&v.Timestamp, &v.Label, &v.Value, &v.Unit)
		return v, err
	})
	if err != nil {
		return nil, wrapQueryErr("vitals", err)
	}
	return out, nil
}

func (s *Store) fetchAdministrations(ctx context.Context, id encounter.Identity) ([]encounter.MedicationAdministration, error) {
	rows, err := s.pool.Query(ctx, queryAdministrations, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("administrations", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.MedicationAdministration, error) {
		var m encounter.MedicationAdministration
		err := row.Scan(&m.Timestamp, &m.Drug, &m.Quantity, &m.Unit, &m.Staff, &m.Observation)
		return m, err
	})
	if err != nil {
		return nil, wrapQueryErr("administrations", err)
	}
	return out, nil
}

func (s *Store) fetchNursingNotes(ctx context.Context, id encounter.Identity) ([]encounter.NursingNote, error) {
	rows, err := s.pool.Query(ctx, queryNursingNotes, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("nursing notes", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.NursingNote, error) {
		var n encounter.NursingNote
		err := row.Scan(&n.Timestamp, &n.Author, &n.Note)
		return n, err
	})
	if err != nil {
		return nil, wrapQueryErr("nursing notes", err)
	}
	return out, nil
}

func (s *Store) fetchLabResults(ctx context.Context, id encounter.Identity) ([]encounter.LabResult, error) {
	rows, err := s.pool.Query(ctx, queryLabResults, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("lab results", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.LabResult, error) {
		var r encounter.LabResult
		err := row.Scan(&r.ResultedAt, &r.OrderedAt, &r.Service, &r.Label, &r.Value, &r.Unit, &r.ReferenceRange)
		return r, err
	})
	if err != nil {
		return nil, wrapQueryErr("lab results", err)
	}
	return out, nil
}

func (s *Store) fetchLabOrders(ctx context.Context, id encounter.Identity) ([]encounter.LabOrder, error) {
	rows, err := s.pool.Query(ctx, queryLabOrders, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("lab orders", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.LabOrder, error) {
		var o encounter.LabOrder
		err := row.Scan(&o.OrderedAt, &o.Study, &o.Code)
		return o, err
	})
	if err != nil {
		return nil, wrapQueryErr("lab orders", err)
	}
	return out, nil
}

func (s *Store) fetchImagingResults(ctx context.Context, id encounter.Identity) ([]encounter.ImagingResult, error) {
	rows, err := s.pool.Query(ctx, queryImagingResults, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("imaging results", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.ImagingResult, error) {
		var r encounter.ImagingResult
		err := row.Scan(&r.Date, &r.StudyType, &r.RequestedBy, &r.ReportedBy, &r.FindingTitle, &r.FindingNarrative)
		return r, err
	})
	if err != nil {
		return nil, wrapQueryErr("imaging results", err)
	}
	return out, nil
}

func (s *Store) fetchImagingOrders(ctx context.Context, id encounter.Identity) ([]encounter.ImagingOrder, error) {
	rows, err := s.pool.Query(ctx, queryImagingOrders, s.args(id)...)
	if err != nil {
		return nil, wrapQueryErr("imaging orders", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.ImagingOrder, error) {
		var o encounter.ImagingOrder
		err := row.Scan(&o.OrderedAt, &o.Study, &o.Code)
		return o, err
	})
	if err != nil {
		return nil, wrapQueryErr("imaging orders", err)
	}
	return out, nil
}

func noteCategory(eventType string) encounter.NoteCategory {
	switch eventType {
	case "ATENCION_INICIAL", "ADMISION":
		return encounter.NoteInitialEvaluation
	case "EPICRISIS", "ALTA":
		return encounter.NoteDischargeSummary
	case "INTERCONSULTA":
		return encounter.NoteConsult
	case "REPORTE_ENFERMERIA":
		return encounter.NoteNursingReport
	default:
		return encounter.NoteProgress
	}
}

// joinNonEmpty concatenates non-empty fields with sep, so the narrative
// never carries placeholder blank lines.
func joinNonEmpty(sep string, fields ...string) string {
	out := ""
	for _, f := range fields {
		if f == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += f
	}
	return out
}
