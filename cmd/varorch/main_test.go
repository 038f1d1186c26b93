package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
)

func TestLoadRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.yaml")
	content := `prompt: "Add input validation"
source_ref: main
variation_count: 3
provider: gemini
timeout: 90s
credentials:
  GEMINI_API_KEY: abc
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	req, err := loadRequest(path)
	if err != nil {
		t.Fatal(err)
	}
	if req.Prompt != "Add input validation" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.VariationCount != 3 {
		t.Errorf("VariationCount = %d, want 3", req.VariationCount)
	}
	if req.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", req.Timeout)
	}
	if req.Credentials["GEMINI_API_KEY"] != "abc" {
		t.Errorf("Credentials = %v", req.Credentials)
	}
}

func TestLoadRequest_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.yaml")
	if err := os.WriteFile(path, []byte("prompt: x\nvariations: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRequest(path); err == nil {
		t.Error("loadRequest() accepted an unknown field")
	}
}

func TestParseCredentials(t *testing.T) {
	creds, err := parseCredentials([]string{"A=1", "B=x=y"})
	if err != nil {
		t.Fatal(err)
	}
	if creds["A"] != "1" || creds["B"] != "x=y" {
		t.Errorf("creds = %v", creds)
	}

	for _, bad := range []string{"NOVALUE", "=1"} {
		if _, err := parseCredentials([]string{bad}); err == nil {
			t.Errorf("parseCredentials(%q) succeeded", bad)
		}
	}
}

func TestMergeRequest(t *testing.T) {
	file := scheduler.Request{Prompt: "from file", VariationCount: 2, Provider: "claude", Credentials: map[string]string{"A": "1"}}
	flags := scheduler.Request{VariationCount: 5, Credentials: map[string]string{"B": "2"}}

	got := mergeRequest(file, flags)
	if got.Prompt != "from file" {
		t.Errorf("Prompt = %q, want from file", got.Prompt)
	}
	if got.VariationCount != 5 {
		t.Errorf("VariationCount = %d, want 5", got.VariationCount)
	}
	if got.Provider != "claude" {
		t.Errorf("Provider = %q, want claude", got.Provider)
	}
	if len(got.Credentials) != 2 {
		t.Errorf("Credentials = %v, want both keys", got.Credentials)
	}
}

func TestRenderRun(t *testing.T) {
	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(90 * time.Second)
	run := &domain.Run{
		ID:             "run-1",
		Prompt:         "refactor the parser",
		Provider:       "claude",
		VariationCount: 2,
		Status:         domain.RunFailed,
		Error:          "all 2 variations failed",
		StartedAt:      &start,
		CompletedAt:    &end,
		Jobs: []domain.Job{
			{ID: "run-1-v0", VariationIndex: 0, Phase: domain.JobFailed},
			{ID: "run-1-v1", VariationIndex: 1, Phase: domain.JobFailed},
		},
	}

	out := renderRun(run)
	for _, want := range []string{"run-1", "1m30s", "all 2 variations failed", "run-1-v1", "Variations (2/2 created)"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderRun() missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("a long\nmultiline prompt", 10); got != "a long ..." {
		t.Errorf("truncate = %q, want %q", got, "a long ...")
	}
}

func TestCancelRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/runs/r1/cancel":
			w.Write([]byte(`{"run_id":"r1","status":"cancelled","all_jobs_deleted":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"run not found"}`))
		}
	}))
	defer srv.Close()

	resp, err := cancelRemote(context.Background(), srv.Client(), srv.URL, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "r1" || resp.AllJobsDeleted {
		t.Errorf("resp = %+v", resp)
	}

	_, err = cancelRemote(context.Background(), srv.Client(), srv.URL, "nope")
	if err == nil || !strings.Contains(err.Error(), "run not found") {
		t.Errorf("err = %v, want run not found", err)
	}
}

func TestStatusStyle_SharesRunAndJobStatuses(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{string(domain.JobRunning), runningStyle.Render("x")},
		{string(domain.JobFailed), errorStyle.Render("x")},
		{string(domain.JobSucceeded), runningStyle.Bold(true).Render("x")},
		{string(domain.RunCancelled), warningStyle.Render("x")},
		{string(domain.RunPending), queuedStyle.Render("x")},
	}
	for _, tt := range tests {
		if got := statusStyle(tt.status).Render("x"); got != tt.want {
			t.Errorf("statusStyle(%q).Render = %q, want %q", tt.status, got, tt.want)
		}
	}
}
