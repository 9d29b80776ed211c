package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/state"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	states *state.Store
}

// Response helpers

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// HealthCheck returns the health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// GetStats returns the latest-round record count per status.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.states.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ListByStatus returns the latest-round records in the requested status.
func (h *Handlers) ListByStatus(w http.ResponseWriter, r *http.Request) {
	status := state.Status(r.URL.Query().Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown or missing status")
		return
	}

	recs, err := h.states.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"records": recs,
		"count":   len(recs),
	})
}

// GetEncounter returns the latest-round record for one encounter.
func (h *Handlers) GetEncounter(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.states.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Encounter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetHistory returns every audit round recorded for one encounter.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.states.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "Encounter not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": id,
		"rounds":   recs,
	})
}

func identityFromURL(r *http.Request) (encounter.Identity, error) {
	var id encounter.Identity
	var err error

	if id.PatientID, err = strconv.ParseInt(chi.URLParam(r, "patientID"), 10, 64); err != nil {
		return id, errors.New("invalid patient ID")
	}
	if id.FiscalYear, err = strconv.Atoi(chi.URLParam(r, "fiscalYear")); err != nil {
		return id, errors.New("invalid fiscal year")
	}
	if id.CaseNumber, err = strconv.ParseInt(chi.URLParam(r, "caseNumber"), 10, 64); err != nil {
		return id, errors.New("invalid case number")
	}
	if id.AccountID, err = strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64); err != nil {
		return id, errors.New("invalid account ID")
	}
	return id, nil
}
