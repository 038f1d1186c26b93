// Package executor runs agent CLIs as subprocesses and streams their output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// NoOutput is returned when an agent exits cleanly without producing content
const NoOutput = "No output received"

const (
	defaultChunkSize = 4096
	stderrLimit      = 64 << 10
	// waitDelay bounds how long Wait blocks on pipes held open by orphaned children
	waitDelay = 2 * time.Second
)

// Emitter receives each fragment as soon as it is classified
type Emitter func(Fragment)

// Command describes one agent invocation
type Command struct {
	Args    []string
	Dir     string
	Env     []string // Added to the inherited environment
	Timeout time.Duration
	// OnStart is called with the PID once the process is running
	OnStart func(pid int)
}

// StreamExecutor runs one agent process at a time per Execute call.
// It is safe for concurrent use.
type StreamExecutor struct {
	provider  Provider
	chunkSize int
	logger    *slog.Logger
}

// NewStreamExecutor creates an executor for provider reading chunkSize bytes per read
func NewStreamExecutor(provider Provider, chunkSize int, logger *slog.Logger) *StreamExecutor {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamExecutor{provider: provider, chunkSize: chunkSize, logger: logger}
}

// Provider returns the provider this executor parses with
func (e *StreamExecutor) Provider() Provider {
	return e.provider
}

type readResult struct {
	data []byte
	err  error
}

// Execute runs the command and returns the accumulated response text.
//
// A non-zero exit after some content was collected returns that content
// without an error. A non-zero exit with no content returns a ProviderError.
// When no bytes arrive for c.Timeout the process is killed and reaped and a
// TimeoutError is returned. Cancelling ctx kills and reaps the process too.
func (e *StreamExecutor) Execute(ctx context.Context, c Command, emit Emitter) (string, error) {
	if len(c.Args) == 0 {
		return "", &domain.ConfigurationError{Field: "args", Message: "empty command"}
	}
	if c.Timeout <= 0 {
		return "", &domain.ConfigurationError{Field: "timeout", Message: "must be positive"}
	}
	if emit == nil {
		emit = func(Fragment) {}
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = nil // Reads from the null device: the prompt is an argument
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", &domain.ProviderError{
			Provider: e.provider.Name(),
			ExitCode: -1,
			Message:  fmt.Sprintf("starting %s: %v", c.Args[0], err),
		}
	}
	e.logger.DebugContext(ctx, "agent started",
		slog.String("provider", e.provider.Name()), slog.Int("pid", cmd.Process.Pid))
	if c.OnStart != nil {
		c.OnStart(cmd.Process.Pid)
	}

	reads := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go e.readChunks(stdout, reads, stop)

	var (
		lines lineBuffer
		out   accumulator
	)
	idle := time.NewTimer(c.Timeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			e.terminate(ctx, cmd)
			return "", fmt.Errorf("%s cancelled: %w", e.provider.Name(), ctx.Err())

		case <-idle.C:
			e.terminate(ctx, cmd)
			e.logger.WarnContext(ctx, "agent timed out",
				slog.String("provider", e.provider.Name()), slog.Duration("timeout", c.Timeout))
			return "", &domain.TimeoutError{Provider: e.provider.Name(), Bound: c.Timeout}

		case r := <-reads:
			for _, line := range lines.Write(r.data) {
				if err := handleLine(e.provider, line, &out, emit); err != nil {
					e.terminate(ctx, cmd)
					return "", err
				}
			}
			if r.err == nil {
				idle.Reset(c.Timeout)
				continue
			}

			// End of stream: flush the partial line, then wait for exit
			if rest, ok := lines.Flush(); ok {
				if err := handleLine(e.provider, rest, &out, emit); err != nil {
					e.terminate(ctx, cmd)
					return "", err
				}
			}
			if !errors.Is(r.err, io.EOF) {
				e.logger.WarnContext(ctx, "agent stdout read failed", slog.Any("error", r.err))
			}
			return e.finish(ctx, cmd, c.Timeout, stderr, out.String(), start)
		}
	}
}

// readChunks reads fixed-size chunks until an error. It exits early when stop closes.
func (e *StreamExecutor) readChunks(r io.Reader, reads chan<- readResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, e.chunkSize)
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			select {
			case reads <- readResult{data: buf[:n], err: err}:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleLine classifies a complete line, then emits and accumulates it in one step
func handleLine(p Provider, line string, out *accumulator, emit Emitter) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	frag, ok, err := p.ParseLine(line)
	if err != nil {
		return err
	}
	if !ok {
		frag = Fragment{Type: classifyText(line), Text: line}
	}
	if frag.Text == "" {
		return nil
	}
	emit(frag)
	if frag.Type.Accumulated() {
		out.add(frag.Text)
	}
	return nil
}

// ParseStream classifies a complete output stream, such as collected container
// logs, exactly like Execute classifies live output. It stops at the first
// structured error record.
func ParseStream(r io.Reader, p Provider, emit Emitter) (string, error) {
	if emit == nil {
		emit = func(Fragment) {}
	}
	var (
		lines lineBuffer
		out   accumulator
	)
	buf := make([]byte, defaultChunkSize)
	for {
		n, err := r.Read(buf)
		for _, line := range lines.Write(buf[:n]) {
			if perr := handleLine(p, line, &out, emit); perr != nil {
				return out.String(), perr
			}
		}
		if err == nil {
			continue
		}
		if rest, ok := lines.Flush(); ok {
			if perr := handleLine(p, rest, &out, emit); perr != nil {
				return out.String(), perr
			}
		}
		if !errors.Is(err, io.EOF) {
			return out.String(), err
		}
		return out.String(), nil
	}
}

// finish waits for the process after stdout closed and applies the exit-code contract
func (e *StreamExecutor) finish(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, stderr *tailBuffer, content string, start time.Time) (string, error) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		killProcessTree(cmd)
		<-waitErr
		return "", fmt.Errorf("%s cancelled: %w", e.provider.Name(), ctx.Err())
	case <-time.After(timeout):
		// stdout closed but the process never exited
		killProcessTree(cmd)
		<-waitErr
		return "", &domain.TimeoutError{Provider: e.provider.Name(), Bound: timeout}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", &domain.ProviderError{Provider: e.provider.Name(), ExitCode: -1, Message: err.Error()}
		}
		exitCode = exitErr.ExitCode()
	}

	e.logger.DebugContext(ctx, "agent exited",
		slog.String("provider", e.provider.Name()),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", time.Since(start)))

	switch {
	case exitCode != 0 && content != "":
		e.logger.WarnContext(ctx, "agent exited non-zero, keeping partial output",
			slog.Int("exit_code", exitCode), slog.String("stderr", stderr.String()))
		return content, nil
	case exitCode != 0:
		return "", &domain.ProviderError{
			Provider: e.provider.Name(),
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	case content == "":
		return NoOutput, nil
	default:
		return content, nil
	}
}

// terminate kills the process tree and reaps it
func (e *StreamExecutor) terminate(ctx context.Context, cmd *exec.Cmd) {
	if err := killProcessTree(cmd); err != nil {
		e.logger.DebugContext(ctx, "kill failed", slog.Any("error", err))
	}
	cmd.Wait()
}

type accumulator struct {
	parts []string
}

func (a *accumulator) add(text string) {
	a.parts = append(a.parts, text)
}

func (a *accumulator) String() string {
	return strings.Join(a.parts, "\n")
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   []byte
	mu    sync.Mutex
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.ToValidUTF8(string(b.buf), "�")
}
