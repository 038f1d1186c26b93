//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// FakeAgent writes a shell script standing in for the claude CLI. It answers
// with one text message naming its session and a result record.
func FakeAgent(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
sid=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--session-id" ]; then sid="$2"; fi
  shift
done
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"done in %s"}]}}\n' "$sid"
printf '{"type":"result","total_cost_usd":0.02,"num_turns":2,"usage":{"input_tokens":11,"output_tokens":13}}\n'
`
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake agent: %v", err)
	}
	return path
}
