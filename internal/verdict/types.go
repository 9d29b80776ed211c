// Package verdict talks to the automated reasoning service and parses
// its semi-structured output into the strict verdict schema.
package verdict

import (
	"errors"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

var (
	// ErrServiceUnavailable marks a transient reasoning-service
	// failure, retried with bounded backoff.
	ErrServiceUnavailable = errors.New("reasoning service unavailable")

	// ErrServiceTimeout marks a per-call timeout, retried like
	// unavailability.
	ErrServiceTimeout = errors.New("reasoning service timed out")

	// ErrMalformedVerdict marks a payload that fails schema
	// validation. A schema mismatch is not transient: it fails the
	// attempt immediately, with zero retries.
	ErrMalformedVerdict = errors.New("malformed verdict payload")
)

const (
	// ScoreMin and ScoreMax bound the quality score; a verdict outside
	// the range is malformed, never clamped.
	ScoreMin = 0
	ScoreMax = 100
)

// Verdict is the validated quality assessment for one encounter. The
// core records it verbatim and never interprets it further.
type Verdict struct {
	MeetsGuidelines      string   `json:"cumple_guias"`
	QualityScore         int      `json:"score_calidad"`
	ApplicableGuidelines []string `json:"guias_aplicables"`
	CriteriaMet          []string `json:"criterios_cumplidos"`
	CriteriaNotMet       []string `json:"criterios_no_cumplidos"`
	TreatmentAssessment  string   `json:"tratamiento_adecuado"`
	TimingAssessment     string   `json:"tiempo_atencion"`
	StudiesAssessment    string   `json:"estudios_solicitados"`
	MedicationAssessment string   `json:"medicacion_apropiada"`
	CriticalFindings     []string `json:"hallazgos_criticos"`
	Recommendations      []string `json:"recomendaciones"`
	AdditionalComments   string   `json:"comentarios_adicionales"`

	// Filled by the client from trusted inputs, never from the model.
	Identity  encounter.Identity `json:"identity"`
	Diagnosis string             `json:"diagnostico_urgencia"`
	Model     string             `json:"model"`
	ScoredAt  time.Time          `json:"scored_at"`
}
