package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRunNotFound is returned for unknown run IDs
	ErrRunNotFound = errors.New("run not found")
	// ErrAtCapacity is returned when the concurrency gate refuses a run
	ErrAtCapacity = errors.New("concurrency limit reached")
	// ErrRunTerminal is returned when an operation needs a live run
	ErrRunTerminal = errors.New("run already finished")
)

// ConfigurationError reports missing or invalid setup. It is fatal before any work starts.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Message)
}

// ProviderError reports a failed agent execution. The executor never retries it.
type ProviderError struct {
	Provider string
	ExitCode int
	Stderr   string
	Message  string
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("exited with code %d", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	if e.Provider == "" {
		return msg
	}
	return e.Provider + ": " + msg
}

// TimeoutError is a ProviderError raised when the agent stayed silent past its
// bound, or when an overall deadline named by Deadline elapsed
type TimeoutError struct {
	Provider string
	Bound    time.Duration
	Deadline string
}

func (e *TimeoutError) Error() string {
	if e.Deadline != "" {
		return fmt.Sprintf("%s deadline of %s exceeded", e.Deadline, e.Bound)
	}
	return fmt.Sprintf("%s: no output for %s, process terminated", e.providerName(), e.Bound)
}

func (e *TimeoutError) providerName() string {
	if e.Provider == "" {
		return "agent"
	}
	return e.Provider
}

// Unwrap exposes the ProviderError view so errors.As matches both types
func (e *TimeoutError) Unwrap() error {
	return &ProviderError{
		Provider: e.Provider,
		ExitCode: -1,
		Message:  fmt.Sprintf("timed out after %s", e.Bound),
	}
}

// BackendOp names the JobBackend call that failed
type BackendOp string

const (
	OpCreate BackendOp = "create"
	OpStatus BackendOp = "status"
	OpDelete BackendOp = "delete"
)

// BackendError wraps a failure from the job backend
type BackendError struct {
	Op  BackendOp
	Job string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.Job, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
