package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// runWatch hands out channels that close once a run reaches a terminal status
type runWatch struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newRunWatch() *runWatch {
	return &runWatch{waiters: make(map[string][]chan struct{})}
}

// wait returns a channel closed when runID finishes, and a func to stop waiting
func (w *runWatch) wait(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	w.mu.Lock()
	w.waiters[runID] = append(w.waiters[runID], ch)
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		list := w.waiters[runID]
		for i, c := range list {
			if c == ch {
				w.waiters[runID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(w.waiters[runID]) == 0 {
			delete(w.waiters, runID)
		}
	}
}

func (w *runWatch) update(run *domain.Run) {
	if !run.Status.IsTerminal() {
		return
	}
	w.mu.Lock()
	list := w.waiters[run.ID]
	delete(w.waiters, run.ID)
	w.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// streamHandler pushes a run's output chunks to a websocket client as they are
// written. The stream ends with a normal close once the run is terminal.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Stream == nil {
			writeError(w, http.StatusServiceUnavailable, "live streaming not available")
			return
		}
		runID := r.PathValue("id")

		// Subscribe before the status check so a run finishing in between is not missed
		finished, stopWaiting := s.watch.wait(runID)
		defer stopWaiting()
		chunks, unsubscribe := s.Stream.Subscribe(runID)
		defer unsubscribe()

		run, err := s.Runner.GetRunStatus(r.Context(), runID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Logger.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		defer conn.Close()
		defer s.Metrics.WSConnected()()

		closeWith := func(reason string) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(wsWriteWait))
		}
		write := func(chunk domain.OutputChunk) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(chunk)
		}

		if run.Status.IsTerminal() {
			closeWith("run " + string(run.Status))
			return
		}

		// The read loop only services control frames and notices the client leaving
		closed := make(chan struct{})
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.Logger.Debug("websocket read error", slog.String("run_id", runID), slog.Any("error", err))
					}
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-finished:
				// Chunks written before the terminal status may still be queued
			drain:
				for {
					select {
					case chunk, ok := <-chunks:
						if !ok || write(chunk) != nil {
							break drain
						}
					default:
						break drain
					}
				}
				closeWith("run finished")
				return
			case chunk, ok := <-chunks:
				if !ok {
					closeWith("stream closed")
					return
				}
				if err := write(chunk); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}
}
