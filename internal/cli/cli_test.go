package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shmutex/internal/workload"
)

const okWorkload = `
workload:
  name: cli
  jobs:
    - name: r1
      hold: 50ms
    - name: w1
      mode: exclusive
      hold: 5ms
    - name: r2
      mode: read
      after: 1ms
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "workload.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "validate", "--config", writeConfig(t, okWorkload))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok: 3 jobs (0 scheduled)") {
		t.Fatalf("output = %q", out)
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := "workload:\n  jobs:\n    - name: x\n      schedule: whenever\n"
	_, err := execute(t, "validate", "-c", writeConfig(t, cfg))
	if err == nil || !strings.Contains(err.Error(), "schedule") {
		t.Fatalf("validate err = %v, want schedule error", err)
	}
}

func TestRunCommandPrintsReport(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "run", "--config", writeConfig(t, okWorkload))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"workload cli", "jobs:       3 (0 failed)", "violations: 0", "bypassed:   1", "order:      r1 r2 w1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandJSONAndStrict(t *testing.T) {
	t.Parallel()
	cfg := `{"workload":{"name":"j","jobs":[{"name":"bad","fail":"boom"},{"name":"good"}]}}`
	p := filepath.Join(t.TempDir(), "w.json")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", "-c", p, "--json")
	if err != nil {
		t.Fatalf("run without --strict: %v", err)
	}
	var rep workload.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Jobs != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}

	if _, err := execute(t, "run", "-c", p, "--json", "--strict"); err == nil || !strings.Contains(err.Error(), "1 of 2 jobs failed") {
		t.Fatalf("run --strict err = %v", err)
	}
}

func TestRunCommandWithFileStorage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := okWorkload + "storage:\n  driver: file\n  path: " + filepath.Join(dir, "trace") + "\n"
	if _, err := execute(t, "run", "-c", writeConfig(t, cfg)); err != nil {
		t.Fatalf("run: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "trace.trace.jsonl"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if n := strings.Count(string(raw), "\n"); n < 9 {
		t.Fatalf("trace lines = %d, want at least 9", n)
	}
}

func TestRunCommandMissingConfig(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("run err = %v", err)
	}
}
