// Package report persists audit results and delivers the run summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/verdict"
)

// Result is the self-describing record written per audited encounter:
// the system of record for verdicts and the raw trail consumed by the
// inspection surface.
type Result struct {
	ID            string                  `json:"id"`
	RunID         string                  `json:"run_id"`
	Identity      encounter.Identity      `json:"identity"`
	Verdict       *verdict.Verdict        `json:"verdict"`
	SectionCounts encounter.SectionCounts `json:"section_counts"`
	AggregatedAt  time.Time               `json:"aggregated_at"`
	ScoredAt      time.Time               `json:"scored_at"`
}

// NewResult assembles a result record with a fresh identifier.
func NewResult(runID string, id encounter.Identity, v *verdict.Verdict, counts encounter.SectionCounts, aggregatedAt time.Time) *Result {
	return &Result{
		ID:            uuid.New().String(),
		RunID:         runID,
		Identity:      id,
		Verdict:       v,
		SectionCounts: counts,
		AggregatedAt:  aggregatedAt.UTC(),
		ScoredAt:      v.ScoredAt,
	}
}

// Writer appends result records to a JSONL file, one object per line.
// Safe for concurrent use by the worker pool.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewWriter opens (creating directories as needed) the run's JSONL
// output file.
func NewWriter(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("auditoria_urgencias_%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the results file location.
func (w *Writer) Path() string {
	return w.path
}

// Write appends one result record and returns its identifier, used as
// the verdict reference in the state store.
func (w *Writer) Write(rec *Result) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return rec.ID, nil
}

// Close flushes and closes the results file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
