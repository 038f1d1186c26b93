package executor

import (
	"encoding/json"
	"strings"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// GeminiProvider runs the Gemini CLI with stream-json output
type GeminiProvider struct {
	Binary string
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

func (p *GeminiProvider) BuildCommand(prompt string, ictx InvocationContext) []string {
	args := []string{binaryOr(p.Binary, "gemini"), "--output-format", "stream-json"}
	if ictx.SkipPermissions {
		args = append(args, "--yolo")
	}
	if ictx.Model != "" {
		args = append(args, "-m", ictx.Model)
	}
	args = append(args, ictx.ExtraArgs...)
	return append(args, "-p", prompt)
}

type geminiRecord struct {
	Type     string          `json:"type"`
	Role     string          `json:"role,omitempty"`
	Content  string          `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Status   string          `json:"status,omitempty"`
	Stats    json.RawMessage `json:"stats,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// ParseLine classifies one Gemini stream-json record
func (p *GeminiProvider) ParseLine(line string) (Fragment, bool, error) {
	if !strings.HasPrefix(line, "{") {
		return Fragment{}, false, nil
	}
	var rec geminiRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type == "" {
		return Fragment{}, false, nil
	}

	switch rec.Type {
	case "message":
		if rec.Role == "user" || rec.Content == "" {
			return Fragment{}, true, nil
		}
		return Fragment{Type: classifyText(rec.Content), Text: rec.Content}, true, nil
	case "tool_use", "tool_call":
		return Fragment{Type: domain.ContentLogging, Text: "tool_use: " + rec.ToolName}, true, nil
	case "init", "tool_result":
		return Fragment{}, true, nil
	case "error":
		msg := rec.Message
		if msg == "" {
			msg = errorText(rec.Error)
		}
		return Fragment{}, true, &domain.ProviderError{Provider: ProviderGemini, Message: msg}
	case "result", "done":
		if rec.Status == "error" {
			return Fragment{}, true, &domain.ProviderError{Provider: ProviderGemini, Message: errorText(rec.Error)}
		}
		if len(rec.Stats) == 0 {
			return Fragment{}, true, nil
		}
		return Fragment{Type: domain.ContentMetrics, Text: string(rec.Stats)}, true, nil
	default:
		return Fragment{}, true, nil
	}
}
