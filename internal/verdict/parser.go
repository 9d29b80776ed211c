package verdict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// rawVerdict mirrors the wire schema with pointers where presence is
// required, so a missing field is distinguishable from a zero value.
type rawVerdict struct {
	MeetsGuidelines      *string  `json:"cumple_guias"`
	QualityScore         *int     `json:"score_calidad"`
	ApplicableGuidelines []string `json:"guias_aplicables"`
	CriteriaMet          []string `json:"criterios_cumplidos"`
	CriteriaNotMet       []string `json:"criterios_no_cumplidos"`
	TreatmentAssessment  *string  `json:"tratamiento_adecuado"`
	TimingAssessment     *string  `json:"tiempo_atencion"`
	StudiesAssessment    *string  `json:"estudios_solicitados"`
	MedicationAssessment *string  `json:"medicacion_apropiada"`
	CriticalFindings     []string `json:"hallazgos_criticos"`
	Recommendations      []string `json:"recomendaciones"`
	AdditionalComments   *string  `json:"comentarios_adicionales"`
}

// Parse validates a reasoning-service payload against the verdict
// schema. Parsing is strict: any violation yields ErrMalformedVerdict,
// never a best-effort partial verdict.
func Parse(payload string) (*Verdict, error) {
	content := stripFences(payload)
	if content == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedVerdict)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()

	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	// Trailing non-JSON content is a violation too.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after verdict object", ErrMalformedVerdict)
	}

	if raw.QualityScore == nil {
		return nil, fmt.Errorf("%w: missing score_calidad", ErrMalformedVerdict)
	}
	if *raw.QualityScore < ScoreMin || *raw.QualityScore > ScoreMax {
		return nil, fmt.Errorf("%w: score_calidad %d outside [%d, %d]",
			ErrMalformedVerdict, *raw.QualityScore, ScoreMin, ScoreMax)
	}
	if raw.MeetsGuidelines == nil || strings.TrimSpace(*raw.MeetsGuidelines) == "" {
		return nil, fmt.Errorf("%w: missing cumple_guias", ErrMalformedVerdict)
	}

	v := &Verdict{
		MeetsGuidelines:      *raw.MeetsGuidelines,
		QualityScore:         *raw.QualityScore,
		ApplicableGuidelines: raw.ApplicableGuidelines,
		CriteriaMet:          raw.CriteriaMet,
		CriteriaNotMet:       raw.CriteriaNotMet,
		CriticalFindings:     raw.CriticalFindings,
		Recommendations:      raw.Recommendations,
	}
	if raw.TreatmentAssessment != nil {
		v.TreatmentAssessment = *raw.TreatmentAssessment
	}
	if raw.TimingAssessment != nil {
		v.TimingAssessment = *raw.TimingAssessment
	}
	if raw.StudiesAssessment != nil {
		v.StudiesAssessment = *raw.StudiesAssessment
	}
	if raw.MedicationAssessment != nil {
		v.MedicationAssessment = *raw.MedicationAssessment
	}
	if raw.AdditionalComments != nil {
		v.AdditionalComments = *raw.AdditionalComments
	}
	return v, nil
}

// stripFences removes a surrounding markdown code fence. Models wrap
// the JSON in ```json fences often enough to handle it here rather
// than reject the payload.
func stripFences(payload string) string {
	content := strings.TrimSpace(payload)
	if strings.HasPrefix(content, "```json") {
		content = content[len("```json"):]
	} else if strings.HasPrefix(content, "```") {
		content = content[len("```"):]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
