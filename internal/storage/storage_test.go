package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "shmutex/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "traces", "demo.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := TraceEntry{At: time.Now(), Scheduler: "demo", JobID: fmt.Sprint(i), Event: "job.started"}
		if err := st.AppendTrace(ctx, e); err != nil {
			t.Fatalf("AppendTrace: %v", err)
		}
	}

	got, err := st.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 || got[0].JobID != "2" || got[2].JobID != "4" {
		t.Fatalf("Recent(3) = %+v, want ids 2..4", got)
	}
	if all, _ := st.Recent(ctx, 0); len(all) != 5 {
		t.Fatalf("Recent(0) len = %d, want 5", len(all))
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendTrace(ctx, TraceEntry{}); err == nil {
		t.Fatal("AppendTrace after Close should fail")
	}

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), "demo.trace.jsonl"))
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if n := strings.Count(string(raw), "\n"); n != 5 {
		t.Fatalf("trace file lines = %d, want 5", n)
	}

	// Reopen replays the tail.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, _ = st2.Recent(ctx, 1)
	if len(got) != 1 || got[0].JobID != "4" {
		t.Fatalf("Recent after reopen = %+v, want id 4", got)
	}
}

func TestFileStoreRingWraps(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "wrap")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	total := recentCap + 10
	for i := 0; i < total; i++ {
		if err := st.AppendTrace(ctx, TraceEntry{JobID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("AppendTrace: %v", err)
		}
	}
	got, _ := st.Recent(ctx, 0)
	if len(got) != recentCap {
		t.Fatalf("len = %d, want %d", len(got), recentCap)
	}
	if got[0].JobID != "10" || got[len(got)-1].JobID != fmt.Sprint(total-1) {
		t.Fatalf("window = %s..%s, want 10..%d", got[0].JobID, got[len(got)-1].JobID, total-1)
	}
}
