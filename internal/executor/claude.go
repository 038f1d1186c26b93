package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// ClaudeProvider runs Claude Code with stream-json output
type ClaudeProvider struct {
	Binary string
}

func (p *ClaudeProvider) Name() string { return ProviderClaude }

// BuildCommand builds the non-interactive Claude Code invocation
func (p *ClaudeProvider) BuildCommand(prompt string, ictx InvocationContext) []string {
	args := []string{
		binaryOr(p.Binary, "claude"),
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--output-format", "stream-json", // One JSON record per line
	}
	if ictx.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if ictx.SessionID != "" {
		args = append(args, "--session-id", ictx.SessionID)
	}
	if ictx.Model != "" {
		args = append(args, "--model", ictx.Model)
	}
	args = append(args, ictx.ExtraArgs...)
	return append(args, prompt)
}

// claudeMessage covers the stream-json record shapes we care about
type claudeMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

// ParseLine classifies one stream-json record
func (p *ClaudeProvider) ParseLine(line string) (Fragment, bool, error) {
	if !strings.HasPrefix(line, "{") {
		return Fragment{}, false, nil
	}
	var msg claudeMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
		return Fragment{}, false, nil
	}

	switch msg.Type {
	case "assistant":
		var texts, tools []string
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					texts = append(texts, block.Text)
				}
			case "tool_use":
				tools = append(tools, block.Name)
			}
		}
		if len(texts) > 0 {
			text := strings.Join(texts, "\n")
			return Fragment{Type: classifyText(text), Text: text}, true, nil
		}
		if len(tools) > 0 {
			return Fragment{Type: domain.ContentLogging, Text: "tool_use: " + strings.Join(tools, ", ")}, true, nil
		}
		return Fragment{}, true, nil

	case "system":
		return Fragment{Type: domain.ContentLogging, Text: "system: " + msg.Subtype}, true, nil

	case "result":
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			reason := msg.Result
			if reason == "" {
				reason = msg.Subtype
			}
			return Fragment{}, true, &domain.ProviderError{Provider: ProviderClaude, Message: reason}
		}
		cost := msg.TotalCostUSD
		if cost == 0 {
			cost = msg.CostUSD
		}
		usage, _ := json.Marshal(map[string]any{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
			"cost_usd":      cost,
			"duration_ms":   msg.DurationMS,
			"num_turns":     msg.NumTurns,
		})
		return Fragment{Type: domain.ContentMetrics, Text: string(usage)}, true, nil

	case "error":
		return Fragment{}, true, &domain.ProviderError{Provider: ProviderClaude, Message: errorText(msg.Error)}

	default:
		// user/tool_result echoes carry nothing worth showing
		return Fragment{}, true, nil
	}
}

// errorText renders an error field that may be a string or an object
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "agent reported an error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Name != "") {
		if obj.Message == "" {
			return obj.Name
		}
		return obj.Message
	}
	return fmt.Sprintf("agent reported an error: %s", raw)
}
