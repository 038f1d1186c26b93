package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/gate"
	"github.com/hochfrequenz/variation-orchestrator/internal/metrics"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

// Runner is the part of the scheduler the API drives
type Runner interface {
	Submit(ctx context.Context, req scheduler.Request) (*domain.Run, error)
	GetRunStatus(ctx context.Context, runID string) (*domain.Run, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
	ActiveRuns() []*domain.Run
	Subscribe(fn func(*domain.Run))
}

// Store interface for database operations
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)
	ListChunks(ctx context.Context, runID string, f sink.ChunkFilter) ([]domain.OutputChunk, error)
}

// Streamer hands out live chunk subscriptions per run
type Streamer interface {
	Subscribe(runID string) (<-chan domain.OutputChunk, func())
}

// Deps are the collaborators of the server. Gate, Stream and Metrics are optional.
type Deps struct {
	Runner  Runner
	Store   Store
	Gate    *gate.Gate
	Stream  Streamer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	Deps
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	watch    *runWatch
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		Deps:     deps,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
		watch:    newRunWatch(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if deps.Runner != nil {
		deps.Runner.Subscribe(s.watch.update)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("POST /api/runs", s.submitRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/chunks", s.listChunksHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/stream", s.streamHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())

	if s.Metrics != nil {
		s.mux.Handle("GET /metrics", s.Metrics.Handler())
	}
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)
	s.Runner.Subscribe(func(run *domain.Run) {
		s.Broadcast(SSEEvent{Type: "run_update", Data: run})
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.Logger.Info("api listening", slog.String("addr", s.addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAtCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
