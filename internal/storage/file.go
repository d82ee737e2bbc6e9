package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "shmutex/pkg/logx"
)

const recentCap = 1024

// fileStore appends trace entries to <prefix>.trace.jsonl.
//
// The tail of the file is replayed on open so Recent survives restarts.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	traceFile *os.File

	// ring of the last recentCap entries; next is the write position.
	ring []TraceEntry
	next int
	full bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	tracePath := filepath.Join(dir, base) + ".trace.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, ring: make([]TraceEntry, recentCap)}
	if n, err := s.replay(tracePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("trace replay failed", logx.String("path", tracePath), logx.Err(err))
	} else if n > 0 {
		log.Debug("trace replayed", logx.String("path", tracePath), logx.Int("entries", n))
	}

	f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.traceFile = f
	return s, nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e TraceEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		s.pushLocked(e)
		n++
	}
	return n, sc.Err()
}

func (s *fileStore) pushLocked(e TraceEntry) {
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traceFile == nil {
		return nil
	}
	err := s.traceFile.Close()
	s.traceFile = nil
	return err
}

func (s *fileStore) AppendTrace(ctx context.Context, e TraceEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traceFile == nil {
		return errors.New("trace file closed")
	}
	if err := json.NewEncoder(s.traceFile).Encode(e); err != nil {
		return err
	}
	s.pushLocked(e)
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]TraceEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]TraceEntry, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out, nil
}
