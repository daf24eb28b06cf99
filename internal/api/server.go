package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/scan"
	"github.com/MJE43/rps-arena-replay/internal/sim"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

// Options are the server-side defaults and limits.
type Options struct {
	Arena          arena.ArenaConfig // used when a request omits arena
	Sim            sim.Options       // used when a request omits sim
	RequestTimeout time.Duration
	ScanTimeout    time.Duration // upper bound on timeout_ms
	ScanMaxCount   uint64
	ScanWorkers    int
	AllowedOrigins []string
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		Arena:          arena.DefaultArenaConfig(),
		Sim:            sim.DefaultOptions(),
		RequestTimeout: 60 * time.Second,
		ScanTimeout:    60 * time.Second,
		ScanMaxCount:   1_000_000,
		AllowedOrigins: []string{"*"},
	}
}

// Server handles HTTP requests.
type Server struct {
	db         store.DB
	scanner    *scan.Scanner
	opts       Options
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server.
func NewServer(db store.DB, logger zerolog.Logger, opts Options) *Server {
	logger = logger.With().Str("component", "api").Logger()
	s := &Server{
		db:        db,
		scanner:   scan.NewScanner(logger).WithWorkers(opts.ScanWorkers),
		opts:      opts,
		logger:    logger,
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Routes sets up the HTTP routes with middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(s.cors)
	r.Use(versionHeader)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, NewError(ErrTypeNotFound, "route not found").WithContext("path", r.URL.Path).Build())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		s.writeJSON(w, http.StatusMethodNotAllowed, NewError(ErrTypeValidation, "method not allowed").
			WithRequestID(middleware.GetReqID(r.Context())).Build())
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)

	r.Route("/api/v1", func(r chi.Router) {
		// The stream lives as long as the simulation, not the request timeout.
		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			if s.opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.opts.RequestTimeout))
			}

			r.Get("/metrics", s.handleListMetrics)
			r.Post("/seed/hash", s.handleSeedHash)
			r.Post("/layout", s.handleLayout)
			r.Post("/verify", s.handleVerify)
			r.Get("/verifications", s.handleListVerifications)
			r.Get("/verifications/{id}", s.handleGetVerification)
			r.Post("/scan", s.handleScan)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/hits", s.handleGetRunHits)
			r.Post("/settle", s.handleSettle)
		})
	})

	return r
}

// Start binds addr and serves in the background. It returns the bound
// address once the socket is listening.
func (s *Server) Start(addr string) (net.Addr, error) {
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	return ln.Addr(), nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response with the engine version header.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Engine-Version", EngineVersion)
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request. Request bodies, and with them
// seeds, are never logged.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// cors answers preflight requests and sets CORS headers for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "X-Engine-Version, X-Request-Id, X-Error-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
