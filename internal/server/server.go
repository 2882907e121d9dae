// Package server exposes the upload and download services over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overture-stack/score-int/internal/auth"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/services"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "score_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "score_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Config wires the server's collaborators.
type Config struct {
	Listen    string
	Uploads   *services.UploadService
	Downloads *services.DownloadService
	// Gate enforces access. A gate without an Authenticator admits everyone.
	Gate   *auth.Gate
	Logger *logging.Logger
	// Health is an optional dependency check behind GET /health
	Health func(ctx context.Context) error
}

// Server is the transfer server.
type Server struct {
	cfg    Config
	logger *logging.Logger
	mux    *http.ServeMux
}

// New creates a server and registers every route.
func New(cfg Config) (*Server, error) {
	if cfg.Uploads == nil || cfg.Downloads == nil {
		return nil, errors.New("upload and download services are required")
	}
	if cfg.Listen == "" {
		cfg.Listen = constants.DefaultListenAddr
	}
	if cfg.Gate == nil {
		cfg.Gate = &auth.Gate{Policy: auth.DefaultScopePolicy()}
	}
	cfg.Gate.Deny = func(w http.ResponseWriter, _ *http.Request, err error) { writeError(w, err) }
	if cfg.Gate.Logger == nil {
		cfg.Gate.Logger = cfg.Logger
	}

	s := &Server{cfg: cfg, logger: logging.OrNop(cfg.Logger), mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	g := s.cfg.Gate
	up := func(h http.HandlerFunc) http.Handler { return g.Require(auth.ActionUpload, h) }
	down := func(h http.HandlerFunc) http.Handler { return g.Require(auth.ActionDownload, h) }

	s.handle("GET /download/ping", g.Authenticated(http.HandlerFunc(s.handlePing)))
	s.handle("GET /download/{id}", down(s.handleDownload))

	s.handle("POST /upload/cancel", up(s.handleCancelAll))
	s.handle("POST /upload/{id}/uploads", up(s.handleInitiate))
	s.handle("GET /upload/{id}/uploads", up(s.handleSpecification))
	s.handle("POST /upload/{id}/parts", up(s.handleFinalizePart))
	s.handle("DELETE /upload/{id}/parts", up(s.handleDeletePart))
	s.handle("POST /upload/{id}/recovery", up(s.handleRecover))
	s.handle("GET /upload/{id}/status", up(s.handleStatus))
	s.handle("POST /upload/{id}", up(s.handleFinalize))
	s.handle("GET /upload/{id}", up(s.handleExists))
	s.handle("DELETE /upload/{id}", up(s.handleCancel))

	s.handle("GET /health", http.HandlerFunc(s.handleHealth))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// handle registers h behind the audit log and request metrics.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.audit(pattern, h))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Transfer server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down transfer server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// clientAddr returns the first X-Forwarded-For hop, or the peer address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) audit(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		requestsTotal.WithLabelValues(route, fmt.Sprint(rec.status)).Inc()
		requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		if route == "GET /health" {
			return
		}
		ev := s.logger.Info()
		if rec.status >= 500 {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("objectId", r.PathValue("id")).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Str("client", clientAddr(r)).
			Str("userAgent", r.UserAgent()).
			Str("token", logging.HashToken(auth.ExtractToken(r))).
			Msg("Request")
	})
}
