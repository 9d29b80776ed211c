// Package state persists the audit lifecycle of each encounter in an
// embedded SQLite database. Records are never deleted; a re-audit opens
// a fresh round instead of mutating the completed record.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

// Status is the closed set of audit lifecycle states.
//
// Transitions:
//
//	pending     -> in_progress   on attempt start (attempts++, timestamp)
//	in_progress -> completed     on successful verdict (terminal)
//	in_progress -> failed        on unrecoverable error
//	failed      -> in_progress   on explicit retry, bounded by max attempts
//	in_progress -> in_progress   only when the previous attempt is stale
//
// completed never transitions; a re-audit inserts a new round.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("state record not found")
	ErrStateConflict     = errors.New("state record changed by a concurrent writer")
	ErrAlreadyCompleted  = errors.New("encounter already completed")
	ErrAttemptsExhausted = errors.New("encounter exceeded the attempt bound")
)

// Record is the durable audit trail entry for one encounter round.
type Record struct {
	Identity      encounter.Identity `json:"identity"`
	Round         int                `json:"round"`
	Status        Status             `json:"status"`
	Attempts      int                `json:"attempts"`
	LastAttemptAt time.Time          `json:"last_attempt_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	VerdictRef    string             `json:"verdict_ref,omitempty"`
	RunID         string             `json:"run_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Store is the SQLite-backed encounter state store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the state database under dataPath.
func Open(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "audit_state.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS encounter_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		encounter_key TEXT NOT NULL,
		round INTEGER NOT NULL DEFAULT 1,
		patient_id INTEGER NOT NULL,
		fiscal_year INTEGER NOT NULL,
		case_number INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		verdict_ref TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(encounter_key, round)
	);

	CREATE INDEX IF NOT EXISTS idx_state_status ON encounter_state(status);
	CREATE INDEX IF NOT EXISTS idx_state_key ON encounter_state(encounter_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `patient_id, fiscal_year, case_number, account_id, round,
	status, attempts, last_attempt_at, last_error, verdict_ref, run_id, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var lastAttempt, createdAt, updatedAt int64
	err := row.Scan(
		&rec.Identity.PatientID, &rec.Identity.FiscalYear, &rec.Identity.CaseNumber,
		&rec.Identity.AccountID, &rec.Round, &rec.Status, &rec.Attempts,
		&lastAttempt, &rec.LastError, &rec.VerdictRef, &rec.RunID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan state record: %w", err)
	}
	if lastAttempt > 0 {
		rec.LastAttemptAt = time.Unix(lastAttempt, 0).UTC()
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// Get returns the latest-round record for the identity.
func (s *Store) Get(ctx context.Context, id encounter.Identity) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM encounter_state WHERE encounter_key = ?
		ORDER BY round DESC LIMIT 1`
	return scanRecord(s.db.QueryRowContext(ctx, query, id.Key()))
}

// EnsurePending creates a pending round-1 record on first discovery.
// Re-applying it for a known identity is a no-op.
func (s *Store) EnsurePending(ctx context.Context, id encounter.Identity) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encounter_state
			(encounter_key, round, patient_id, fiscal_year, case_number, account_id, status, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(encounter_key, round) DO NOTHING`,
		id.Key(), id.PatientID, id.FiscalYear, id.CaseNumber, id.AccountID,
		StatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure pending record: %w", err)
	}
	return nil
}

// ClaimOptions bounds a Claim call.
type ClaimOptions struct {
	RunID string
	// MaxAttempts is the total attempt bound; a failed record at the
	// bound stays failed pending operator intervention.
	MaxAttempts int
	// Staleness is the threshold past which an in_progress attempt is
	// treated as crashed and eligible for reclaim.
	Staleness time.Duration
}

// Claim atomically transitions the latest round to in_progress,
// incrementing the attempt count and stamping the attempt time. Exactly
// one of two concurrent claimers wins; the loser observes
// ErrStateConflict. Completed records return ErrAlreadyCompleted and
// records at the attempt bound return ErrAttemptsExhausted.
func (s *Store) Claim(ctx context.Context, id encounter.Identity, opts ClaimOptions) (*Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusCompleted:
		return nil, ErrAlreadyCompleted
	case StatusInProgress:
		if opts.Staleness <= 0 || s.now().Sub(rec.LastAttemptAt) < opts.Staleness {
			return nil, ErrStateConflict
		}
		// Stale attempt: the previous run crashed mid-flight. The attempt
		// bound still holds; a record that crashes at the bound stays put.
		if opts.MaxAttempts > 0 && rec.Attempts >= opts.MaxAttempts {
			return nil, ErrAttemptsExhausted
		}
	case StatusFailed:
		if opts.MaxAttempts > 0 && rec.Attempts >= opts.MaxAttempts {
			return nil, ErrAttemptsExhausted
		}
	}

	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE encounter_state
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, run_id = ?, updated_at = ?
		WHERE encounter_key = ? AND round = ? AND status = ? AND attempts = ?`,
		StatusInProgress, now, opts.RunID, now,
		id.Key(), rec.Round, rec.Status, rec.Attempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim encounter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim encounter: %w", err)
	}
	if n == 0 {
		// A concurrent writer moved the record first. Last writer wins
		// on attempt timestamp; this claimer skips.
		return nil, ErrStateConflict
	}

	rec.Status = StatusInProgress
	rec.Attempts++
	rec.LastAttemptAt = time.Unix(now, 0).UTC()
	rec.RunID = opts.RunID
	return rec, nil
}

// Complete transitions in_progress -> completed, storing the verdict
// reference. The record must still belong to runID; losing that guard
// means another writer took over and the result is ErrStateConflict.
func (s *Store) Complete(ctx context.Context, id encounter.Identity, runID, verdictRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE encounter_state
		SET status = ?, verdict_ref = ?, last_error = '', updated_at = ?
		WHERE encounter_key = ?
		  AND round = (SELECT MAX(round) FROM encounter_state WHERE encounter_key = ?)
		  AND status = ? AND run_id = ?`,
		StatusCompleted, verdictRef, s.now().Unix(),
		id.Key(), id.Key(), StatusInProgress, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete encounter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		// Re-applying the same transition is a no-op.
		if rec, err := s.Get(ctx, id); err == nil &&
			rec.Status == StatusCompleted && rec.VerdictRef == verdictRef {
			return nil
		}
		return ErrStateConflict
	}
	return nil
}

// Fail transitions in_progress -> failed, recording the last error.
func (s *Store) Fail(ctx context.Context, id encounter.Identity, runID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE encounter_state
		SET status = ?, last_error = ?, updated_at = ?
		WHERE encounter_key = ?
		  AND round = (SELECT MAX(round) FROM encounter_state WHERE encounter_key = ?)
		  AND status = ? AND run_id = ?`,
		StatusFailed, lastError, s.now().Unix(),
		id.Key(), id.Key(), StatusInProgress, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark encounter failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if rec, err := s.Get(ctx, id); err == nil &&
			rec.Status == StatusFailed && rec.LastError == lastError {
			return nil
		}
		return ErrStateConflict
	}
	return nil
}

// OpenRound inserts a fresh pending round for an explicit re-audit of a
// completed encounter. The completed record is preserved untouched.
func (s *Store) OpenRound(ctx context.Context, id encounter.Identity) (int, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.Status != StatusCompleted {
		return 0, fmt.Errorf("re-audit requires a completed record, have %s", rec.Status)
	}

	round := rec.Round + 1
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO encounter_state
			(encounter_key, round, patient_id, fiscal_year, case_number, account_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.Key(), round, id.PatientID, id.FiscalYear, id.CaseNumber, id.AccountID,
		StatusPending, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to open re-audit round: %w", err)
	}
	return round, nil
}

// ListByStatus returns the latest-round records currently in the given
// status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	query := `SELECT ` + recordColumns + `
		FROM encounter_state AS e
		WHERE status = ?
		  AND round = (SELECT MAX(round) FROM encounter_state WHERE encounter_key = e.encounter_key)
		ORDER BY updated_at ASC, encounter_key ASC`
	return s.queryRecords(ctx, query, string(status))
}

// ListStale returns in_progress records whose attempt timestamp is older
// than the staleness threshold. These are crashed attempts eligible for
// reclaim; fresher in_progress records are never returned.
func (s *Store) ListStale(ctx context.Context, threshold time.Duration) ([]*Record, error) {
	cutoff := s.now().Add(-threshold).Unix()
	query := `SELECT ` + recordColumns + `
		FROM encounter_state
		WHERE status = ? AND last_attempt_at <= ?
		ORDER BY last_attempt_at ASC, encounter_key ASC`
	return s.queryRecords(ctx, query, string(StatusInProgress), cutoff)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query state records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns the count of latest-round records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM encounter_state AS e
		WHERE round = (SELECT MAX(round) FROM encounter_state WHERE encounter_key = e.encounter_key)
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count state records: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// History returns every round recorded for the identity, oldest first.
// Rounds are the preserved audit trail of operator-triggered re-audits.
func (s *Store) History(ctx context.Context, id encounter.Identity) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM encounter_state WHERE encounter_key = ?
		ORDER BY round ASC`
	return s.queryRecords(ctx, query, id.Key())
}
