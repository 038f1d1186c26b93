//go:build unix

package executor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

func TestExecute_TimeoutReapsProcess(t *testing.T) {
	var pid int
	cmd := shell(`exec sleep 30`, 200*time.Millisecond)
	cmd.OnStart = func(p int) { pid = p }

	_, err := newTestExecutor(0).Execute(context.Background(), cmd, nil)
	var terr *domain.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if pid == 0 {
		t.Fatal("OnStart was not called")
	}

	// Killed and reaped: not even a zombie is left
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("kill(%d, 0) = %v, want ESRCH", pid, err)
	}
}
