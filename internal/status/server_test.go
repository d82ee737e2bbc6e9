package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"shmutex/internal/config"
	"shmutex/internal/runtime/supervisor"
	"shmutex/internal/storage"
	logx "shmutex/pkg/logx"
	"shmutex/pkg/shmutex"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func TestServerApplyEnableDisable(t *testing.T) {
	srv := New(logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.Apply(ctx, config.StatusConfig{Enabled: true, Address: "127.0.0.1:0"})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected status server to expose address")
	}
	base := "http://" + addr
	if err := waitForHTTP(ctx, base+"/healthz"); err != nil {
		t.Fatalf("status endpoint not reachable: %v", err)
	}

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, _ := get(t, base+"/snapshot"); code != http.StatusServiceUnavailable {
		t.Fatalf("/snapshot without scheduler = %d, want 503", code)
	}
	if code, _ := get(t, base+"/trace"); code != http.StatusNotFound {
		t.Fatalf("/trace without store = %d, want 404", code)
	}

	// Re-applying the configured address keeps the listener, even for :0.
	srv.Apply(ctx, config.StatusConfig{Enabled: true, Address: "127.0.0.1:0"})
	if got := srv.Addr(); got != addr {
		t.Fatalf("Addr() = %s, want %s", got, addr)
	}
	if code, _ := get(t, base+"/supervisor"); code != http.StatusNotFound {
		t.Fatalf("/supervisor without supervisor = %d, want 404", code)
	}

	srv.Apply(ctx, config.StatusConfig{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected status server to stop, still at %s", addr)
	}
}

func TestHandlers(t *testing.T) {
	t.Parallel()
	srv := New(logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })
	srv.Apply(context.Background(), config.StatusConfig{Enabled: true, Address: "127.0.0.1:0"})
	base := "http://" + srv.Addr()

	sc := shmutex.New(shmutex.WithName("demo"))
	sc.Read(func() shmutex.Step { return shmutex.Value(1) })
	srv.SetScheduler(sc)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "t")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	for _, id := range []string{"a", "b", "c"} {
		_ = st.AppendTrace(context.Background(), storage.TraceEntry{JobID: id, Event: shmutex.EventStarted})
	}
	srv.SetStore(st)

	code, body := get(t, base+"/snapshot")
	if code != http.StatusOK {
		t.Fatalf("/snapshot = %d", code)
	}
	var snap shmutex.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Name != "demo" || snap.Completed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	code, body = get(t, base+"/trace?n=2")
	if code != http.StatusOK {
		t.Fatalf("/trace = %d", code)
	}
	var entries []storage.TraceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "b" || entries[1].JobID != "c" {
		t.Fatalf("trace = %+v", entries)
	}
	if code, _ := get(t, base+"/trace?n=zero"); code != http.StatusBadRequest {
		t.Fatalf("/trace?n=zero = %d, want 400", code)
	}

	sup := supervisor.New(context.Background())
	sup.Go("runner", func(ctx context.Context) error { return errors.New("runner crashed") })
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(waitCtx)
	srv.SetSupervisor(sup)
	if code, body := get(t, base+"/healthz"); code != http.StatusServiceUnavailable || len(body) == 0 {
		t.Fatalf("/healthz unhealthy = %d %q", code, body)
	}
	code, body = get(t, base+"/supervisor")
	if code != http.StatusOK {
		t.Fatalf("/supervisor = %d", code)
	}
	var ss supervisor.Snapshot
	if err := json.Unmarshal(body, &ss); err != nil {
		t.Fatalf("decode supervisor snapshot: %v", err)
	}
	if len(ss.Goroutines) != 1 || ss.Goroutines[0].Name != "runner" || ss.FirstError == "" {
		t.Fatalf("supervisor snapshot = %+v", ss)
	}
}
