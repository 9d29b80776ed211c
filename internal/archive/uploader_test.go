package archive

import (
	"testing"
	"time"
)

func TestObjectNameIsDatePartitioned(t *testing.T) {
	day := time.Date(2025, 3, 7, 18, 30, 0, 0, time.UTC)
	got := objectName("/var/output/auditoria_urgencias_run-1.jsonl", day)
	want := "auditorias/2025/03/07/auditoria_urgencias_run-1.jsonl"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"results.jsonl", "application/json"},
		{"summary.json", "application/json"},
		{"run.log", "text/plain"},
		{"notes.txt", "text/plain"},
		{"payload.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.path); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.path, tt.want, got)
		}
	}
}
