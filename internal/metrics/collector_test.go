package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/hostbackup/internal/backup"
)

func TestWriteRunSuccess(t *testing.T) {
	finished := time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)
	report := &backup.Report{
		Host:        "sandbox01",
		Tag:         "Sandbox01",
		Destination: "Backup_Sandbox01_20240305070809",
		StartedAt:   finished.Add(-90 * time.Second),
		FinishedAt:  finished,
		Attempts:    []backup.Attempt{{Identity: "alice", Remote: "~/.bashrc"}},
		Archived:    []string{"Backup_Sandbox01_20240304070809"},
	}

	dir := t.TempDir()
	path, err := WriteRun(dir, report)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if filepath.Base(path) != "hostbackup_sandbox01.prom" {
		t.Fatalf("unexpected textfile name %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(data)

	for _, want := range []string{
		`hostbackup_last_run_success{host="sandbox01"} 1`,
		`hostbackup_last_run_duration_seconds{host="sandbox01"} 90`,
		`hostbackup_last_run_directives{host="sandbox01"} 1`,
		`hostbackup_last_run_archived{host="sandbox01"} 1`,
		`hostbackup_last_run_errors{host="sandbox01",kind="TransportError"} 0`,
		"# TYPE hostbackup_last_run_timestamp_seconds gauge",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in textfile:\n%s", want, text)
		}
	}
}
