package verdict

import (
	"errors"
	"testing"
)

const validPayload = `{
	"cumple_guias": "Sí",
	"score_calidad": 85,
	"guias_aplicables": ["AHA", "NICE"],
	"criterios_cumplidos": ["ECG en los primeros 10 minutos"],
	"criterios_no_cumplidos": [],
	"tratamiento_adecuado": "Aspirina en dosis de carga, correcto",
	"tiempo_atencion": "Oportuno",
	"estudios_solicitados": "Troponina y ECG apropiados",
	"medicacion_apropiada": "Dosis y vía correctas",
	"hallazgos_criticos": [],
	"recomendaciones": ["Considerar escala HEART"],
	"comentarios_adicionales": ""
}`

func TestParseValid(t *testing.T) {
	v, err := Parse(validPayload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.QualityScore != 85 {
		t.Errorf("expected score 85, got %d", v.QualityScore)
	}
	if v.MeetsGuidelines != "Sí" {
		t.Errorf("expected cumple_guias, got %q", v.MeetsGuidelines)
	}
	if len(v.ApplicableGuidelines) != 2 {
		t.Errorf("expected 2 guidelines, got %v", v.ApplicableGuidelines)
	}
}

func TestParseStripsFences(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"json fence", "```json\n" + validPayload + "\n```"},
		{"bare fence", "```\n" + validPayload + "\n```"},
		{"surrounding whitespace", "\n\n  " + validPayload + "  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse(tt.payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if v.QualityScore != 85 {
				t.Errorf("expected score 85, got %d", v.QualityScore)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "the encounter looks fine to me"},
		{"missing score", `{"cumple_guias": "Sí"}`},
		{"missing cumple_guias", `{"score_calidad": 70}`},
		{"blank cumple_guias", `{"cumple_guias": "  ", "score_calidad": 70}`},
		{"score above bound", `{"cumple_guias": "Sí", "score_calidad": 101}`},
		{"score below bound", `{"cumple_guias": "No", "score_calidad": -1}`},
		{"unknown field", `{"cumple_guias": "Sí", "score_calidad": 70, "confianza": 0.9}`},
		{"trailing content", `{"cumple_guias": "Sí", "score_calidad": 70} and that is my verdict`},
		{"score wrong type", `{"cumple_guias": "Sí", "score_calidad": "alto"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse(tt.payload)
			if !errors.Is(err, ErrMalformedVerdict) {
				t.Fatalf("expected ErrMalformedVerdict, got %v", err)
			}
			if v != nil {
				t.Error("no partial verdict may be returned")
			}
		})
	}
}

func TestParseBoundaryScores(t *testing.T) {
	for _, score := range []string{"0", "100"} {
		payload := `{"cumple_guias": "No", "score_calidad": ` + score + `}`
		if _, err := Parse(payload); err != nil {
			t.Errorf("score %s must be within bounds: %v", score, err)
		}
	}
}
