package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

// Window selects the encounters of one run: either a single explicit
// identity or a recent time range.
type Window struct {
	Identity encounter.Identity
	From     time.Time
	To       time.Time
}

// Explicit reports whether the window names a single encounter.
func (w Window) Explicit() bool {
	return !w.Identity.IsZero()
}

// RecentWindow builds the default rolling window ending at now.
func RecentWindow(now time.Time, hours int) Window {
	if hours <= 0 {
		hours = 24
	}
	return Window{From: now.Add(-time.Duration(hours) * time.Hour), To: now}
}

// The sector discriminator is a correctness-critical narrowing, not a
// convenience filter: the urgent-care line shares tables with adjacent
// services, and an encounter outside the sector must never be audited.
const queryDiscoverWindow = `
	SELECT DISTINCT persona_numero, cuenta_gestion, cuenta_internacion, cuenta_id
	FROM v_atenciones
	WHERE sector = $1 AND fecha_atencion >= $2 AND fecha_atencion < $3
	ORDER BY cuenta_gestion, cuenta_internacion, persona_numero, cuenta_id`

const queryDiscoverOne = `
	SELECT DISTINCT persona_numero, cuenta_gestion, cuenta_internacion, cuenta_id
	FROM v_atenciones
	WHERE sector = $1 AND ` + identityWhere2

const identityWhere2 = `persona_numero = $2 AND cuenta_gestion = $3 AND cuenta_internacion = $4 AND cuenta_id = $5`

// Discover enumerates the candidate encounters for a run. An explicit
// identity is still checked against the sector discriminator: asking
// for an encounter outside the audited care line yields zero rows.
func (s *Store) Discover(ctx context.Context, w Window) ([]encounter.Identity, error) {
	var rows pgx.Rows
	var err error
	if w.Explicit() {
		id := w.Identity
		rows, err = s.pool.Query(ctx, queryDiscoverOne,
			s.sector, id.PatientID, id.FiscalYear, id.CaseNumber, id.AccountID)
	} else {
		rows, err = s.pool.Query(ctx, queryDiscoverWindow, s.sector, w.From, w.To)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: discovery query: %v", ErrSourceUnavailable, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (encounter.Identity, error) {
		var id encounter.Identity
		err := row.Scan(&id.PatientID, &id.FiscalYear, &id.CaseNumber, &id.AccountID)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: discovery scan: %v", ErrSourceUnavailable, err)
	}
	return out, nil
}
