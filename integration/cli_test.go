//go:build integration

package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	// Look for the binary in common locations
	paths := []string{
		"../varorch",
		"./varorch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "varorch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// Try to build it
	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../varorch", "../cmd/varorch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../varorch")
	return abs
}

// createTestConfig creates a temporary config file for testing
func createTestConfig(t *testing.T, agent, dbPath string) string {
	t.Helper()
	configPath := TempConfigPath(t)

	config := `[general]
project_root = "` + t.TempDir() + `"
database_path = "` + dbPath + `"
log_level = "warn"

[gate]
max_runs = 2
max_jobs = 4

[scheduler]
poll_interval = "50ms"
run_deadline = "1m"

[executor]
provider = "claude"
timeout = "30s"

[executor.binaries]
claude = "` + agent + `"

[notifications]
desktop = false

[web]
port = 8080
host = "127.0.0.1"
`

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	return configPath
}

func runCLI(t *testing.T, binary string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			t.Logf("stderr: %s", ee.Stderr)
		}
	}
	return string(out), err
}

type runResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Jobs   []struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	} `json:"jobs"`
}

// TestCLI_RunStatusChunks runs two variations end to end and reads them back
func TestCLI_RunStatusChunks(t *testing.T) {
	binary := binaryPath(t)
	dbPath := TempDBPath(t)
	configPath := createTestConfig(t, FakeAgent(t), dbPath)

	out, err := runCLI(t, binary, "--config", configPath, "run",
		"--prompt", "write a haiku", "--variations", "2", "--follow=false", "--json")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	var run runResult
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("run output is not JSON: %v\n%s", err, out)
	}
	if run.Status != "completed" {
		t.Errorf("Status = %q, want completed", run.Status)
	}
	if len(run.Jobs) != 2 {
		t.Fatalf("Jobs = %d, want 2", len(run.Jobs))
	}

	out, err = runCLI(t, binary, "--config", configPath, "status", run.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, run.Jobs[1].ID) {
		t.Errorf("status output missing run details:\n%s", out)
	}

	out, err = runCLI(t, binary, "--config", configPath, "chunks", run.ID, "--type", "job_data")
	if err != nil {
		t.Fatalf("chunks failed: %v", err)
	}
	if strings.Count(out, "done in ") != 2 {
		t.Errorf("chunks output should hold one answer per variation:\n%s", out)
	}

	out, err = runCLI(t, binary, "--config", configPath, "purge", "--older-than", "1ns")
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if !strings.Contains(out, "Purged") {
		t.Errorf("purge output = %q", out)
	}

	out, err = runCLI(t, binary, "--config", configPath, "chunks", run.ID)
	if err != nil {
		t.Fatalf("chunks after purge failed: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("chunks survived purge:\n%s", out)
	}
}

// TestCLI_StatusEmpty lists runs from a fresh database
func TestCLI_StatusEmpty(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, FakeAgent(t), TempDBPath(t))

	out, err := runCLI(t, binary, "--config", configPath, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Errorf("status output = %q", out)
	}
}

// TestCLI_InvalidConfig rejects a config the orchestrator cannot start with
func TestCLI_InvalidConfig(t *testing.T) {
	binary := binaryPath(t)
	configPath := TempConfigPath(t)
	if err := os.WriteFile(configPath, []byte("[gate]\nmax_runs = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, binary, "--config", configPath, "status"); err == nil {
		t.Error("status succeeded with an invalid config")
	}
}
