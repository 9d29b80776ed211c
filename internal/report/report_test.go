package report

import (
	"bufio"
	"encoding/json"
	"net/smtp"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/verdict"
)

var reportID = encounter.Identity{PatientID: 88001, FiscalYear: 2025, CaseNumber: 153107, AccountID: 4}

func TestWriterAppendsOneLinePerResult(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	v := &verdict.Verdict{MeetsGuidelines: "Sí", QualityScore: 85, ScoredAt: time.Now().UTC()}
	counts := encounter.SectionCounts{Notes: 3, LabResults: 2}

	var ids []string
	for i := 0; i < 3; i++ {
		rec := NewResult("run-1", reportID, v, counts, time.Now())
		id, err := w.Write(rec)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		ids = append(ids, id)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open results: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var rec Result
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if rec.ID != ids[lines] {
			t.Errorf("line %d: expected id %s, got %s", lines+1, ids[lines], rec.ID)
		}
		if rec.Verdict == nil || rec.Verdict.QualityScore != 85 {
			t.Errorf("line %d: verdict not preserved", lines+1)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("expected 3 records, got %d", lines)
	}
}

func TestWriterResultIDsAreUnique(t *testing.T) {
	a := NewResult("run-1", reportID, &verdict.Verdict{}, encounter.SectionCounts{}, time.Now())
	b := NewResult("run-1", reportID, &verdict.Verdict{}, encounter.SectionCounts{}, time.Now())
	if a.ID == b.ID {
		t.Errorf("expected distinct record IDs, both %s", a.ID)
	}
}

func TestNotifierBuildsSummaryMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string

	n := NewNotifier(config.EmailConfig{
		SMTPHost: "mail.example.org",
		SMTPPort: 587,
		From:     "auditor@example.org",
		To:       []string{"jefatura@example.org"},
		Username: "auditor",
		Password: "secret",
	})
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	err := n.Notify(&Summary{
		RunID:      "run-7",
		StartedAt:  time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 3, 10, 6, 42, 0, 0, time.UTC),
		Completed:  12,
		Failed:     1,
		Skipped:    3,
		Failures:   []Failure{{Identity: reportID, LastError: "verdict service unavailable"}},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if gotAddr != "mail.example.org:587" {
		t.Errorf("unexpected address %q", gotAddr)
	}
	if gotFrom != "auditor@example.org" || len(gotTo) != 1 {
		t.Errorf("unexpected envelope %q -> %v", gotFrom, gotTo)
	}
	for _, want := range []string{"12 completadas", "1 fallidas", "3 omitidas", "2025/153107", "verdict service unavailable", "run-7"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("expected message to contain %q", want)
		}
	}
}

func TestNotifierRequiresRecipients(t *testing.T) {
	n := NewNotifier(config.EmailConfig{SMTPHost: "mail.example.org", SMTPPort: 587})
	if err := n.Notify(&Summary{}); err == nil {
		t.Error("expected error with no recipients")
	}
}
