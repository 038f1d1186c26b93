package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ActiveRuns int `json:"active_runs"`
	ActiveJobs int `json:"active_jobs"`
	MaxRuns    int `json:"max_runs"`
	MaxJobs    int `json:"max_jobs"`
	Tracked    int `json:"tracked_runs"`
}

// RunResponse is the API response for a run
type RunResponse struct {
	*domain.Run
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration,omitempty"`
}

// CancelResponse is the API response for a cancellation
type CancelResponse struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	AllJobsDeleted bool   `json:"all_jobs_deleted"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{Run: r}
	for _, j := range r.Jobs {
		switch j.Phase {
		case domain.JobSucceeded:
			resp.Succeeded++
		case domain.JobFailed:
			resp.Failed++
		}
	}
	if r.StartedAt != nil {
		end := time.Now()
		if r.CompletedAt != nil {
			end = *r.CompletedAt
		}
		resp.Duration = end.Sub(*r.StartedAt).Round(time.Second).String()
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status StatusResponse
		if s.Gate != nil {
			c := s.Gate.Counters()
			status.ActiveRuns = c.ActiveRuns
			status.ActiveJobs = c.ActiveJobs
			status.MaxRuns = c.MaxRuns
			status.MaxJobs = c.MaxJobs
		}
		status.Tracked = len(s.Runner.ActiveRuns())

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var runs []*domain.Run
		if s.Store != nil {
			runs, err = s.Store.ListRuns(r.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		} else {
			runs = s.Runner.ActiveRuns()
		}

		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) submitRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduler.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		// The run outlives the request
		run, err := s.Runner.Submit(r.Context(), req)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}

		writeJSONStatus(w, http.StatusAccepted, runToResponse(run))
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.Runner.GetRunStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}

		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ok, err := s.Runner.CancelRun(r.Context(), id)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}

		writeJSON(w, CancelResponse{RunID: id, Status: string(domain.RunCancelled), AllJobsDeleted: ok})
	}
}

func (s *Server) listChunksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "chunk store not available")
			return
		}

		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f := sink.ChunkFilter{
			VariationID: r.URL.Query().Get("variation"),
			ContentType: domain.ContentType(r.URL.Query().Get("type")),
			Limit:       limit,
		}
		if f.ContentType != "" && !f.ContentType.Valid() {
			writeError(w, http.StatusBadRequest, "unknown content type "+strconv.Quote(string(f.ContentType)))
			return
		}

		chunks, err := s.Store.ListChunks(r.Context(), r.PathValue("id"), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if chunks == nil {
			chunks = []domain.OutputChunk{}
		}

		writeJSON(w, chunks)
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &domain.ConfigurationError{Field: key, Message: "must be a non-negative integer"}
	}
	return n, nil
}
