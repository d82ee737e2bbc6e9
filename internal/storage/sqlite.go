//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "shmutex/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// keepRows bounds the trace table; older rows are pruned periodically.
const keepRows = 100_000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 1000}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendTrace(ctx context.Context, e TraceEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace(at, run, scheduler, job_id, job, event, exclusive, queue_ms, took_ms, err, bypassed_by)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Run), e.Scheduler, e.JobID, nullStr(e.Job), e.Event,
		boolInt(e.Exclusive), e.QueueMS, e.TookMS, nullStr(e.Error), nullStr(e.BypassedBy),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("trace prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]TraceEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = recentCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run, scheduler, job_id, job, event, exclusive, queue_ms, took_ms, err, bypassed_by
		 FROM (SELECT * FROM trace ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceEntry
	for rows.Next() {
		var (
			e                          TraceEntry
			at                         string
			run, job, errStr, bypassed sql.NullString
			excl                       int
		)
		if err := rows.Scan(&at, &run, &e.Scheduler, &e.JobID, &job, &e.Event, &excl, &e.QueueMS, &e.TookMS, &errStr, &bypassed); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Run, e.Job, e.Error, e.BypassedBy = run.String, job.String, errStr.String, bypassed.String
		e.Exclusive = excl != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trace WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM trace) - ?`, keepRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
