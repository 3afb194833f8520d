// Package server implements the HTTP surface of the federation engine: the
// six ActivityPub endpoints in the on-disk/wire layout (actor document,
// inbox, shared inbox, outbox, followers/following counts, single public
// note) plus a health check and Prometheus metrics. Webfinger, NodeInfo and
// any admin UI are deliberately not part of this package — discovery beyond
// the abstract resolve(handle) step and administrative surfaces are out of
// scope for this engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/metrics"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

const (
	activityJSONType = `application/activity+json`
	ldJSONType       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

const (
	// maxConcurrentActivities is the total inbox concurrency cap. Requests
	// beyond this limit receive a 503 — the activity itself is never lost,
	// since nothing is enqueued until the limiter admits the request.
	maxConcurrentActivities = 50

	// maxPerOriginConcurrency caps how many in-flight inbox requests a
	// single remote host may occupy, so one noisy origin cannot exhaust the
	// global semaphore.
	maxPerOriginConcurrency = 5

	// outboxPageSize bounds one page of the outbox collection.
	outboxPageSize = 20

	maxInboxBodyBytes = 1 << 20 // 1MB
)

// inboxLimiter is a per-origin concurrent-request counter.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int)}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Server is the instance's HTTP server.
type Server struct {
	cfg      *config.Config
	users    *userstore.Store
	instance *userstore.Instance
	objects  *objectstore.Store
	global   *queue.Queue

	startedAt    time.Time
	router       *chi.Mux
	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
}

// New builds a Server wired against the instance's core stores. global is
// the shared-inbox's destination queue; per-user direct inbox deliveries are
// enqueued onto each recipient's own queue instead.
func New(cfg *config.Config, users *userstore.Store, instance *userstore.Instance, objects *objectstore.Store, global *queue.Queue) *Server {
	s := &Server{
		cfg:          cfg,
		users:        users,
		instance:     instance,
		objects:      objects,
		global:       global,
		startedAt:    time.Now(),
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
		}, http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/shared-inbox", s.handleSharedInbox)

	r.Get("/{uid}", s.handleActor)
	r.Post("/{uid}/inbox", s.handleInbox)
	r.Get("/{uid}/outbox", s.handleOutbox)
	r.Get("/{uid}/followers", s.handleFollowers)
	r.Get("/{uid}/following", s.handleFollowing)
	r.Get("/{uid}/p/{tid}", s.handleNote)

	return r
}

// Start runs the HTTP server until ctx is cancelled, blocking the caller.
func (s *Server) Start(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "host", s.cfg.Host)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wantsActivityJSON reports whether the Accept header, per §6, requests the
// ActivityPub content type rather than an ordinary browser GET.
func wantsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return containsCT(accept, activityJSONType) || containsCT(accept, "application/ld+json")
}

func containsCT(accept, ct string) bool {
	for _, part := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(part), ct) {
			return true
		}
	}
	return false
}

// loggingMiddleware logs each request at debug level, including status and
// latency, mirroring the reference server's request logging.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		dur := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, fmt.Sprint(wrapped.status)).Observe(dur.Seconds())
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", dur, "remote", r.RemoteAddr)
	})
}

// corsMiddleware adds the permissive CORS headers every federated server
// needs so remote software can fetch actor/object documents cross-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Signature, Digest, Date")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
