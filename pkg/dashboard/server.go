package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotfleet/dotfleet-go/pkg/orchestrator"
	"github.com/dotfleet/dotfleet-go/pkg/recording"
	"github.com/dotfleet/dotfleet-go/pkg/store"
)

// Dashboard errors.
var (
	ErrNoRecordings = errors.New("recordings not configured")
	ErrNoHistory    = errors.New("history not configured")
)

// Defaults.
const (
	DefaultCommandTimeout  = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Files is the recordings directory.
type Files interface {
	List() ([]recording.FileInfo, error)
	Path(name string) (string, error)
	Delete(names []string) ([]string, error)
}

// History is the read side of the history store.
type History interface {
	ListRecordings(ctx context.Context, limit int) ([]store.Recording, error)
	DeleteRecordings(ctx context.Context, name string) (int64, error)
	ListSyncRounds(ctx context.Context, limit int) ([]store.SyncRound, error)
}

// Config configures a Server.
type Config struct {
	// Hub must be the notifier the orchestrator was created with.
	Hub *Hub

	Controller Controller

	// Files is optional; without it the recordings endpoints return 503.
	Files Files

	// History is optional.
	History History

	Version string

	CommandTimeout time.Duration

	Logger *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg      Config
	hub      *Hub
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("dashboard: controller required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:    cfg,
		hub:    cfg.Hub,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			// The dashboard is served to the local network only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/state", s.handleState)
	s.mux.HandleFunc("GET /api/v1/devices", s.handleDevices)

	s.mux.HandleFunc("GET /api/v1/recordings", s.handleRecordings)
	s.mux.HandleFunc("DELETE /api/v1/recordings", s.handleDeleteRecordings)
	s.mux.HandleFunc("GET /api/v1/recordings/{name}", s.handleDownload)
	s.mux.HandleFunc("DELETE /api/v1/recordings/{name}", s.handleDeleteRecording)

	s.mux.HandleFunc("GET /api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/v1/sync/rounds", s.handleSyncRounds)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.infoLog("dashboard listening", "addr", l.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown dashboard: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.warnLog("websocket upgrade", "error", err)
		return
	}
	c := s.hub.add(conn)
	s.debugLog("dashboard client connected", "remote", r.RemoteAddr)

	go s.hub.writePump(c)
	s.hub.readPump(c, s.handleCommand)
	s.debugLog("dashboard client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Controller.State(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.cfg.Controller.Devices(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if devs == nil {
		devs = []orchestrator.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Files == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoRecordings)
		return
	}
	files, err := s.cfg.Files.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []recording.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Files == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoRecordings)
		return
	}
	path, err := s.cfg.Files.Path(r.PathValue("name"))
	switch {
	case errors.Is(err, recording.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("name")))
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	s.deleteAndRespond(w, r, []string{r.PathValue("name")}, true)
}

// handleDeleteRecordings deletes every ?name= given.
func (s *Server) handleDeleteRecordings(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}
	s.deleteAndRespond(w, r, names, false)
}

func (s *Server) deleteAndRespond(w http.ResponseWriter, r *http.Request, names []string, single bool) {
	removed, err := s.deleteFiles(r.Context(), names)
	switch {
	case errors.Is(err, ErrNoRecordings):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, recording.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if single && len(removed) == 0 {
		writeError(w, http.StatusNotFound, fs.ErrNotExist)
		return
	}
	if perr := s.PushFileList(); perr != nil {
		s.warnLog("push file list", "error", perr)
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoHistory)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.cfg.History.ListRecordings(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []store.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSyncRounds(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoHistory)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rounds, err := s.cfg.History.ListSyncRounds(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rounds == nil {
		rounds = []store.SyncRound{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return store.DefaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Server) infoLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) warnLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
