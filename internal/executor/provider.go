package executor

import (
	"strings"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// Fragment is one classified piece of agent output
type Fragment struct {
	Type domain.ContentType
	Text string
}

// InvocationContext carries per-variation settings into BuildCommand
type InvocationContext struct {
	Model           string
	SessionID       string
	SkipPermissions bool
	ExtraArgs       []string
}

// Provider adapts one agent CLI. The stream executor only talks to this interface.
type Provider interface {
	// Name identifies the provider in logs and errors
	Name() string
	// BuildCommand returns the full argv; the prompt is always an argument, never stdin
	BuildCommand(prompt string, ictx InvocationContext) []string
	// ParseLine classifies one complete output line. ok is false for lines the
	// provider does not recognize; those are treated as plain text. A non-nil
	// error means the agent reported a failure and execution must stop.
	ParseLine(line string) (frag Fragment, ok bool, err error)
}

// Provider names
const (
	ProviderClaude   = "claude"
	ProviderOpenCode = "opencode"
	ProviderGemini   = "gemini"
)

// ProviderNames lists the supported providers
var ProviderNames = []string{ProviderClaude, ProviderOpenCode, ProviderGemini}

// NewProvider returns the provider called name. binary overrides the executable
// name when non-empty.
func NewProvider(name, binary string) (Provider, error) {
	switch strings.ToLower(name) {
	case ProviderClaude, "claude-code":
		return &ClaudeProvider{Binary: binary}, nil
	case ProviderOpenCode:
		return &OpenCodeProvider{Binary: binary}, nil
	case ProviderGemini:
		return &GeminiProvider{Binary: binary}, nil
	default:
		return nil, &domain.ConfigurationError{
			Field:   "provider",
			Message: "unknown provider " + name + " (expected one of " + strings.Join(ProviderNames, ", ") + ")",
		}
	}
}

// classifyText tags free text as a diff when it looks like one
func classifyText(text string) domain.ContentType {
	if strings.HasPrefix(text, "diff --git ") || strings.HasPrefix(text, "--- a/") {
		return domain.ContentDiff
	}
	return domain.ContentJobData
}

func binaryOr(binary, fallback string) string {
	if binary != "" {
		return binary
	}
	return fallback
}
