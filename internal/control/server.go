// Package control serves the remote control API of a running processor:
// listing the plugins, suspending and resuming them, restarting a plugin
// with new arguments, changing the log level and exposing metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/tsproc/internal/logging"
	"github.com/zsiec/tsproc/internal/tsp"
)

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Addr      string
	Processor *tsp.Processor
	// Level is the level of the main logger, changed by PUT /log.
	Level *slog.LevelVar
	// Sources restricts the clients. Empty means any client.
	Sources []*net.IPNet
	Log     *slog.Logger
}

// Server is the HTTP control server of one processor.
type Server struct {
	config  ServerConfig
	log     *slog.Logger
	metrics *prometheus.Registry
	handler http.Handler
}

// NewServer creates a control server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Processor == nil {
		return nil, errors.New("control: processor is required")
	}
	if config.Level == nil {
		config.Level = new(slog.LevelVar)
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config:  config,
		log:     log.With("component", "control"),
		metrics: prometheus.NewRegistry(),
	}
	s.metrics.MustRegister(newCollector(config.Processor))
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router of the control API.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.sourceFilter)

	r.Get("/plugins", s.handleListPlugins)
	r.Post("/plugins/{index}/suspend", s.handleSuspend)
	r.Post("/plugins/{index}/resume", s.handleResume)
	r.Post("/plugins/{index}/restart", s.handleRestart)
	r.Post("/exit", s.handleExit)
	r.Put("/log", s.handleSetLevel)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	return r
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("control server shutdown", "error", err)
		}
	}()

	s.log.Info("control server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func (s *Server) sourceFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Sources) > 0 && !s.allowed(r.RemoteAddr) {
			s.log.Warn("rejected control request", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowed(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.config.Sources {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// PluginInfo describes one stage of the chain.
type PluginInfo struct {
	Index         int      `json:"index"`
	Kind          string   `json:"kind"`
	Name          string   `json:"name"`
	Args          []string `json:"args"`
	Suspended     bool     `json:"suspended"`
	PluginPackets uint64   `json:"pluginPackets"`
	TotalPackets  uint64   `json:"totalPackets"`
	Bitrate       uint64   `json:"bitrate"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	execs := s.config.Processor.Executors()
	out := make([]PluginInfo, len(execs))
	for i, e := range execs {
		out[i] = PluginInfo{
			Index:         e.Index(),
			Kind:          e.Kind().Letter(),
			Name:          e.Name(),
			Args:          e.Args(),
			Suspended:     e.Suspended(),
			PluginPackets: e.PluginPackets(),
			TotalPackets:  e.TotalPackets(),
			Bitrate:       uint64(e.Bitrate()),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) executor(w http.ResponseWriter, r *http.Request) (*tsp.Executor, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plugin index")
		return nil, false
	}
	e, err := s.config.Processor.Executor(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return e, true
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, false)
}

func (s *Server) setSuspended(w http.ResponseWriter, r *http.Request, on bool) {
	e, ok := s.executor(w, r)
	if !ok {
		return
	}
	var err error
	if on {
		err = e.Suspend()
	} else {
		err = e.Resume()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("plugin state changed", "index", e.Index(), "plugin", e.Name(), "suspended", on)
	writeJSON(w, http.StatusOK, map[string]any{"index": e.Index(), "suspended": on})
}

// RestartRequest is the body of POST /plugins/{index}/restart.
type RestartRequest struct {
	Args []string `json:"args"`
	Same bool     `json:"same"`
}

// RestartResponse reports a restart and the messages logged while it ran.
type RestartResponse struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Messages []string `json:"messages"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executor(w, r)
	if !ok {
		return
	}
	var req RestartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Same && len(req.Args) > 0 {
		writeError(w, http.StatusBadRequest, "same and args are mutually exclusive")
		return
	}

	capture, captureLog := logging.NewCapture(s.config.Level)
	err := e.Restart(r.Context(), req.Args, req.Same, logging.Tee(e.StageLog(), captureLog))

	resp := RestartResponse{Success: err == nil, Messages: capture.Lines()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusInternalServerError
		if errors.Is(err, tsp.ErrNotRunning) {
			code = http.StatusConflict
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleExit(w http.ResponseWriter, _ *http.Request) {
	s.log.Info("exit requested")
	s.config.Processor.Abort()
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	level, err := logging.ParseLevel(req.Level)
	if err != nil || req.Level == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid log level %q", req.Level))
		return
	}
	s.config.Level.Set(level)
	s.log.Info("log level changed", "level", level.String())
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
