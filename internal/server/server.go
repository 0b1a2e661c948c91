// Package server exposes the query service over HTTP.
//
// Every request runs under a deadline. A request that gives up waiting for
// a dataset leaves the fetch or parse running; the next request finds the
// result in the cache.
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/xtxerr/oceangrid/config"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/logging"
	"github.com/xtxerr/oceangrid/internal/service"
)

var log = logging.Component("server")

// Config holds server configuration.
type Config struct {
	Listen         string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration

	// DefaultLayer is used when a request names no layer.
	DefaultLayer string

	DefaultSamplePoints int
	DefaultCells        int
}

// Server is the HTTP front end.
type Server struct {
	cfg  Config
	svc  *service.Service
	http *http.Server

	nextRequestID atomic.Uint64
}

// New creates a new server. Zero durations and counts take their defaults.
func New(cfg Config, svc *service.Service) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultWriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}
	if cfg.DefaultSamplePoints <= 0 {
		cfg.DefaultSamplePoints = config.DefaultSamplePoints
	}
	if cfg.DefaultCells <= 0 {
		cfg.DefaultCells = config.DefaultCellFeatures
	}

	s := &Server{cfg: cfg, svc: svc}
	s.http = &http.Server{
		Addr:           cfg.Listen,
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler returns the routed handler with request middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /data/layers", s.handleLayers)
	mux.HandleFunc("GET /data/{layer}", s.handleLayerData)
	mux.HandleFunc("GET /data/{layer}/cells", s.handleCells)
	mux.HandleFunc("GET /data/{layer}/summary", s.handleSummary)
	mux.HandleFunc("POST /data/{layer}/export", s.handleExport)
	mux.HandleFunc("GET /predict", s.handlePredict)
	mux.HandleFunc("GET /hotspots", s.handleHotspots)
	mux.HandleFunc("GET /meta", s.handleMeta)
	return s.middleware(mux)
}

// middleware tags the request with an ID, bounds it by RequestTimeout and
// logs its outcome.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.nextRequestID.Add(1)
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		ctx = logging.ContextWithRequestID(ctx, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		l := logging.WithContext(ctx)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		}
		if rec.status >= http.StatusInternalServerError {
			l.Warn("request failed", args...)
		} else {
			l.Debug("request", args...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Run listens and serves until ctx is cancelled, then drains in-flight
// requests for up to DrainTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	log.Info("listening", "address", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Shutdown()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() {
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn("drain incomplete, closing", "error", err)
		_ = s.http.Close()
	}

	log.Info("shutdown complete")
}
