package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/gate"
	"github.com/hochfrequenz/variation-orchestrator/internal/logging"
	"github.com/hochfrequenz/variation-orchestrator/internal/metrics"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

type mockRunner struct {
	mu        sync.Mutex
	runs      map[string]*domain.Run
	submitErr error
	submitted []scheduler.Request
	listeners []func(*domain.Run)
}

func newMockRunner(runs ...*domain.Run) *mockRunner {
	m := &mockRunner{runs: map[string]*domain.Run{}}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *mockRunner) Submit(_ context.Context, req scheduler.Request) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	run := &domain.Run{ID: "new-run", Prompt: req.Prompt, VariationCount: req.VariationCount, Status: domain.RunPending}
	m.runs[run.ID] = run
	return run, nil
}

func (m *mockRunner) GetRunStatus(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (m *mockRunner) CancelRun(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, domain.ErrRunNotFound)
	}
	if run.Status.IsTerminal() {
		return false, fmt.Errorf("%s: %w", id, domain.ErrRunTerminal)
	}
	run.Status = domain.RunCancelled
	return true, nil
}

func (m *mockRunner) ActiveRuns() []*domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*domain.Run
	for _, r := range m.runs {
		if !r.Status.IsTerminal() {
			runs = append(runs, r.Clone())
		}
	}
	return runs
}

func (m *mockRunner) Subscribe(fn func(*domain.Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *mockRunner) publish(run *domain.Run) {
	m.mu.Lock()
	listeners := append([]func(*domain.Run){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(run)
	}
}

type mockStore struct {
	runs   []*domain.Run
	chunks []domain.OutputChunk
	filter sink.ChunkFilter
}

func (m *mockStore) ListRuns(_ context.Context, limit int) ([]*domain.Run, error) {
	if limit > 0 && limit < len(m.runs) {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockStore) ListChunks(_ context.Context, runID string, f sink.ChunkFilter) ([]domain.OutputChunk, error) {
	m.filter = f
	var out []domain.OutputChunk
	for _, c := range m.chunks {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestServer(runner *mockRunner, store Store) *Server {
	return NewServer(":0", Deps{
		Runner: runner,
		Store:  store,
		Gate:   gate.New(2, 8, logging.Discard()),
		Stream: sink.NewBroadcast(8),
		Logger: logging.Discard(),
	})
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitRunHandler(t *testing.T) {
	runner := newMockRunner()
	s := newTestServer(runner, &mockStore{})

	w := do(s, "POST", "/api/runs", `{"prompt":"fix the bug","variation_count":3,"source_ref":"main"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp RunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "new-run" || resp.VariationCount != 3 {
		t.Errorf("response = %+v", resp.Run)
	}
	if got := runner.submitted[0].SourceRef; got != "main" {
		t.Errorf("SourceRef = %q, want main", got)
	}
}

func TestSubmitRunHandler_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"malformed", `{"prompt":`, nil, http.StatusBadRequest},
		{"unknown field", `{"prompt":"x","variation_count":1,"colour":"red"}`, nil, http.StatusBadRequest},
		{"invalid request", `{"prompt":"","variation_count":1}`, nil, http.StatusBadRequest},
		{"at capacity", `{"prompt":"x","variation_count":1}`, domain.ErrAtCapacity, http.StatusTooManyRequests},
		{"shutting down", `{"prompt":"x","variation_count":1}`, scheduler.ErrShuttingDown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newMockRunner()
			runner.submitErr = tt.submitErr
			w := do(newTestServer(runner, nil), "POST", "/api/runs", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestGetRunHandler(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	done := started.Add(30 * time.Second)
	runner := newMockRunner(&domain.Run{
		ID:          "r1",
		Status:      domain.RunCompleted,
		StartedAt:   &started,
		CompletedAt: &done,
		Jobs: []domain.Job{
			{ID: "r1-v0", Phase: domain.JobSucceeded},
			{ID: "r1-v1", Phase: domain.JobFailed},
		},
	})
	s := newTestServer(runner, nil)

	w := do(s, "GET", "/api/runs/r1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Succeeded != 1 || resp.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 1/1", resp.Succeeded, resp.Failed)
	}
	if resp.Duration != "30s" {
		t.Errorf("Duration = %q, want 30s", resp.Duration)
	}

	if w := do(s, "GET", "/api/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run Status = %d, want 404", w.Code)
	}
}

func TestCancelRunHandler(t *testing.T) {
	runner := newMockRunner(
		&domain.Run{ID: "live", Status: domain.RunRunning},
		&domain.Run{ID: "old", Status: domain.RunCompleted},
	)
	s := newTestServer(runner, nil)

	w := do(s, "POST", "/api/runs/live/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp CancelResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.AllJobsDeleted || resp.Status != "cancelled" {
		t.Errorf("response = %+v", resp)
	}

	if w := do(s, "POST", "/api/runs/old/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("terminal run Status = %d, want 409", w.Code)
	}
	if w := do(s, "GET", "/api/runs/live/cancel", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET cancel Status = %d, want 405", w.Code)
	}
}

func TestListChunksHandler(t *testing.T) {
	store := &mockStore{chunks: []domain.OutputChunk{
		{RunID: "r1", VariationID: "r1-v0", Content: "a", ContentType: domain.ContentJobData},
		{RunID: "r2", VariationID: "r2-v0", Content: "b", ContentType: domain.ContentJobData},
	}}
	s := newTestServer(newMockRunner(), store)

	w := do(s, "GET", "/api/runs/r1/chunks?variation=r1-v0&type=job_data&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200: %s", w.Code, w.Body)
	}
	var chunks []domain.OutputChunk
	json.NewDecoder(w.Body).Decode(&chunks)
	if len(chunks) != 1 || chunks[0].Content != "a" {
		t.Errorf("chunks = %+v", chunks)
	}
	want := sink.ChunkFilter{VariationID: "r1-v0", ContentType: domain.ContentJobData, Limit: 5}
	if store.filter != want {
		t.Errorf("filter = %+v, want %+v", store.filter, want)
	}

	if w := do(s, "GET", "/api/runs/r1/chunks?type=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bogus type Status = %d, want 400", w.Code)
	}
	if w := do(s, "GET", "/api/runs/r1/chunks?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit Status = %d, want 400", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	runner := newMockRunner(&domain.Run{ID: "live", Status: domain.RunRunning})
	s := newTestServer(runner, nil)
	s.Gate.Admit(3)

	w := do(s, "GET", "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.ActiveRuns != 1 || status.ActiveJobs != 3 {
		t.Errorf("Active = %d runs / %d jobs, want 1 / 3", status.ActiveRuns, status.ActiveJobs)
	}
	if status.MaxJobs != 8 {
		t.Errorf("MaxJobs = %d, want 8", status.MaxJobs)
	}
	if status.Tracked != 1 {
		t.Errorf("Tracked = %d, want 1", status.Tracked)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", Deps{Runner: newMockRunner(), Metrics: metrics.New("varorch_test"), Logger: logging.Discard()})
	w := do(s, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "varorch_test_") {
		t.Error("metrics output lacks the namespace")
	}
}

func TestSSE_RunUpdates(t *testing.T) {
	runner := newMockRunner()
	s := newTestServer(runner, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sseHub.Run(ctx)
	runner.Subscribe(func(run *domain.Run) {
		s.Broadcast(SSEEvent{Type: "run_update", Data: run})
	})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.sseHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	runner.publish(&domain.Run{ID: "r9", Status: domain.RunRunning})

	lines := bufio.NewScanner(resp.Body)
	var event, data string
	for lines.Scan() {
		line := lines.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event != "run_update" {
		t.Errorf("event = %q, want run_update", event)
	}
	if !strings.Contains(data, `"id":"r9"`) {
		t.Errorf("data = %s", data)
	}
}

func TestStream_WebSocket(t *testing.T) {
	runner := newMockRunner(&domain.Run{ID: "r1", Status: domain.RunRunning})
	broadcast := sink.NewBroadcast(8)
	s := NewServer(":0", Deps{Runner: runner, Stream: broadcast, Logger: logging.Discard()})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/r1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for broadcast.Subscribers("r1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	broadcast.Write(context.Background(), domain.OutputChunk{
		RunID: "r1", VariationID: "r1-v0", Content: "live", ContentType: domain.ContentJobData, Timestamp: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var chunk domain.OutputChunk
	if err := conn.ReadJSON(&chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Content != "live" || chunk.VariationID != "r1-v0" {
		t.Errorf("chunk = %+v", chunk)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/runs/nope/stream", nil); err == nil {
		t.Error("stream of unknown run was accepted")
	}
}

func TestStream_WebSocketEndsWhenRunFinishes(t *testing.T) {
	runner := newMockRunner(
		&domain.Run{ID: "r1", Status: domain.RunRunning},
		&domain.Run{ID: "done", Status: domain.RunCompleted},
	)
	broadcast := sink.NewBroadcast(8)
	s := NewServer(":0", Deps{Runner: runner, Stream: broadcast, Logger: logging.Discard()})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/"

	conn, _, err := websocket.DefaultDialer.Dial(base+"r1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for broadcast.Subscribers("r1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	broadcast.Write(context.Background(), domain.OutputChunk{
		RunID: "r1", VariationID: "r1-v0", Content: "last words", ContentType: domain.ContentJobData, Timestamp: time.Now(),
	})
	runner.publish(&domain.Run{ID: "r1", Status: domain.RunCompleted})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var chunk domain.OutputChunk
	if err := conn.ReadJSON(&chunk); err != nil {
		t.Fatalf("queued chunk was not delivered: %v", err)
	}
	if chunk.Content != "last words" {
		t.Errorf("chunk = %+v", chunk)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want a normal close once the run finished", err)
	}

	finished, _, err := websocket.DefaultDialer.Dial(base+"done/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer finished.Close()
	finished.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := finished.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want an immediate close for a finished run", err)
	}
}
