package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/scanstream/backend/internal/config"
	"github.com/scanstream/backend/internal/device"
	"github.com/scanstream/backend/internal/index"
	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/sysinfo"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
)

// DocumentIndex is the index as seen by the server.
type DocumentIndex interface {
	Resetter
	Search(ctx context.Context, query string, limit int) ([]index.Hit, error)
}

// ProcessSampler reports process stats for /health.
type ProcessSampler interface {
	Sample() sysinfo.Snapshot
}

// ServerDeps wires the server to the rest of the application.
type ServerDeps struct {
	Registry *Registry
	Camera   device.Controller
	Pipeline Pipeline
	Index    DocumentIndex
	Sampler  ProcessSampler
	Frontend http.Handler
	Logger   *logging.Logger
	Version  string
}

type Server struct {
	cfg      config.ServerConfig
	deps     ServerDeps
	logger   *logging.Logger
	upgrader websocket.Upgrader
	origins  *originPolicy
}

func NewServer(cfg config.ServerConfig, deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "server"),
		origins: newOriginPolicy(cfg.AllowedOrigins, cfg.TrustLoopback),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.allows,
	}
	return s
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get(HealthPath, s.handleHealth)
	r.With(s.origins.guard).Get(DocumentsPath, s.handleDocuments)
	r.Get(DevicePath, s.handleDevice)
	r.Get(ObserverPath, s.handleObserver)
	if s.deps.Frontend != nil {
		r.Handle("/*", s.deps.Frontend)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then disconnects every
// websocket client and shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	s.deps.Registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "path", r.URL.Path, "error", err)
		return
	}
	keepAlive(conn)

	dev, err := s.deps.Registry.AdmitDevice(conn)
	if err != nil {
		s.logger.Warn("device rejected", "remote", r.RemoteAddr, "error", err)
		closeConn(conn, CloseDeviceBusy, ReasonDeviceBusy)
		return
	}

	s.logger.Info("device connected", "remote", r.RemoteAddr)
	NewSession(dev, SessionDeps{
		Registry: s.deps.Registry,
		Camera:   s.deps.Camera,
		Pipeline: s.deps.Pipeline,
		Index:    s.deps.Index,
		EndGrace: s.cfg.EndGrace,
		Logger:   s.deps.Logger,
	}).Run(r.Context())
}

func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "path", r.URL.Path, "error", err)
		return
	}
	keepAlive(conn)

	s.logger.Info("observer connected", "remote", r.RemoteAddr)
	o := s.deps.Registry.AttachObserver(conn)
	defer func() {
		s.deps.Registry.DetachObserver(o)
		s.logger.Info("observer disconnected", "remote", r.RemoteAddr)
	}()

	// Observers are push-only; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type healthResponse struct {
	Message         string            `json:"message"`
	Version         string            `json:"version"`
	DeviceConnected bool              `json:"device_connected"`
	Observers       int               `json:"observers"`
	Process         *sysinfo.Snapshot `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Message:         "Server is Healthy",
		Version:         s.deps.Version,
		DeviceConnected: s.deps.Registry.HasDevice(),
		Observers:       s.deps.Registry.ObserverCount(),
	}
	if s.deps.Sampler != nil {
		snap := s.deps.Sampler.Sample()
		resp.Process = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

type documentsResponse struct {
	Query     string      `json:"query"`
	Count     int         `json:"count"`
	Documents []index.Hit `json:"documents"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	hits, err := s.deps.Index.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Error("document search failed", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	writeJSON(w, http.StatusOK, documentsResponse{Query: query, Count: len(hits), Documents: hits})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status. It forwards Hijack so
// websocket upgrades pass through the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
