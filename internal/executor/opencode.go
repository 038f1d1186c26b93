package executor

import (
	"encoding/json"
	"strings"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
)

// OpenCodeProvider runs `opencode run`. Its default output is free text;
// only failures arrive as JSON records.
type OpenCodeProvider struct {
	Binary string
}

func (p *OpenCodeProvider) Name() string { return ProviderOpenCode }

// BuildCommand builds the non-interactive OpenCode invocation.
// Note: --format json causes OpenCode to hang, so we use the default format
func (p *OpenCodeProvider) BuildCommand(prompt string, ictx InvocationContext) []string {
	args := []string{binaryOr(p.Binary, "opencode"), "run"}
	if ictx.Model != "" {
		args = append(args, "-m", ictx.Model)
	}
	args = append(args, ictx.ExtraArgs...)
	return append(args, prompt)
}

// ParseLine recognizes OpenCode error records; everything else is plain text
func (p *OpenCodeProvider) ParseLine(line string) (Fragment, bool, error) {
	if !strings.HasPrefix(line, "{") {
		return Fragment{}, false, nil
	}
	var rec struct {
		Type  string `json:"type"`
		Error struct {
			Name string `json:"name"`
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type != "error" {
		return Fragment{}, false, nil
	}

	msg := rec.Error.Data.Message
	if msg == "" {
		msg = rec.Error.Name
	}
	switch {
	case strings.Contains(msg, "CreditsError") || strings.Contains(msg, "No payment method"):
		msg = "billing error: no payment method configured"
	case strings.Contains(msg, "Unauthorized"):
		msg = "authentication error: " + msg
	case msg == "":
		msg = "agent reported an error"
	}
	return Fragment{}, true, &domain.ProviderError{Provider: ProviderOpenCode, Message: msg}
}
