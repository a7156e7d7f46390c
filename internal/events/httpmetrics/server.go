// Package httpmetrics exposes the in-memory mission counters and timings on
// a small HTTP listener: /healthz for liveness and /metrics as a
// Prometheus-style text dump. The full REST/SSE surface of a hosted
// deployment is out of scope; this is the minimal externally-scrapeable
// view of the event-bus metrics.
package httpmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/worldmind/worldmind/internal/events"
)

// Server serves the metrics endpoints.
type Server struct {
	addr    string
	metrics *events.InMemoryMetrics
	log     *slog.Logger
	httpSrv *http.Server
}

// NewServer creates a Server. log may be nil.
func NewServer(addr string, metrics *events.InMemoryMetrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, metrics: metrics, log: log}
}

// Handler builds the route tree; exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{AllowedMethods: []string{http.MethodGet}}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/metrics", s.handleMetrics)
	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics listener starting", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snapshot := s.metrics.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "worldmind_%s %d\n", promKey(k), snapshot[k])
	}
	_, _ = w.Write([]byte(b.String()))
}

// promKey rewrites the sink's name{k=v} keys into Prometheus label syntax:
// name{k="v"}.
func promKey(key string) string {
	open := strings.Index(key, "{")
	if open < 0 {
		return key
	}
	name := key[:open]
	var labels []string
	rest := key[open:]
	for _, segment := range strings.Split(rest, "}") {
		segment = strings.TrimPrefix(segment, "{")
		if segment == "" {
			continue
		}
		if eq := strings.Index(segment, "="); eq > 0 {
			labels = append(labels, fmt.Sprintf("%s=%q", segment[:eq], segment[eq+1:]))
		}
	}
	return name + "{" + strings.Join(labels, ",") + "}"
}
