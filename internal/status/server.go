// Package status serves a small read-only HTTP view of a running workload.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shmutex/internal/config"
	"shmutex/internal/runtime/supervisor"
	"shmutex/internal/storage"
	logx "shmutex/pkg/logx"
	"shmutex/pkg/shmutex"
)

const (
	defaultTraceN = 50
	maxTraceN     = 1000
)

// Server manages the lifecycle of the status listener.
//
// The scheduler and store are swapped in by the caller as workloads restart;
// handlers read whatever is current.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string // bound
	want string // configured

	sched atomic.Pointer[shmutex.Scheduler]
	sup   atomic.Pointer[supervisor.Supervisor]
	store atomic.Value // storeBox
}

type storeBox struct{ st storage.Store }

func New(log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "status"))}
}

func (s *Server) SetScheduler(sc *shmutex.Scheduler) { s.sched.Store(sc) }

func (s *Server) SetStore(st storage.Store) { s.store.Store(storeBox{st}) }

// SetSupervisor backs /healthz (503 once the supervisor has an error) and
// /supervisor.
func (s *Server) SetSupervisor(sup *supervisor.Supervisor) { s.sup.Store(sup) }

// Apply starts/stops the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg config.StatusConfig) {
	cfg = cfg.WithDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.want == cfg.Address {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

// Handler returns the routed handler; exposed for embedding and tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/supervisor", s.handleSupervisor)
	r.Get("/trace", s.handleTrace)
	return r
}

func (s *Server) startLocked(cfg config.StatusConfig) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.log.Warn("status listen failed", logx.String("addr", cfg.Address), logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.want = cfg.Address

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("status server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("status enabled", logx.String("addr", addr))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr, s.want = nil, nil, "", ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("status shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("status disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if sup := s.sup.Load(); sup != nil {
		if err := sup.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sc := s.sched.Load()
	if sc == nil {
		http.Error(w, "no workload running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sc.Snapshot())
}

func (s *Server) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	sup := s.sup.Load()
	if sup == nil {
		http.Error(w, "no supervisor", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sup.Snapshot())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	sb, _ := s.store.Load().(storeBox)
	if sb.st == nil {
		http.Error(w, "trace storage disabled", http.StatusNotFound)
		return
	}
	n := defaultTraceN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxTraceN)
	}
	entries, err := sb.st.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.TraceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("status request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
