package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
)

// loadRequest reads a run request from a YAML file:
//
//	prompt: "Add input validation to the signup form"
//	source_ref: main
//	variation_count: 3
//	provider: claude
//	timeout: 10m
//	credentials:
//	  ANTHROPIC_API_KEY: ...
func loadRequest(path string) (scheduler.Request, error) {
	var req scheduler.Request
	f, err := os.Open(path)
	if err != nil {
		return req, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("parsing %s: %w", path, err)
	}
	return req, nil
}

// parseCredentials turns KEY=VALUE pairs into a map
func parseCredentials(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	creds := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid credential %q, want KEY=VALUE", p)
		}
		creds[k] = v
	}
	return creds, nil
}

// mergeRequest overlays flag values onto a request loaded from file
func mergeRequest(req scheduler.Request, flags scheduler.Request) scheduler.Request {
	if flags.Prompt != "" {
		req.Prompt = flags.Prompt
	}
	if flags.SourceRef != "" {
		req.SourceRef = flags.SourceRef
	}
	if flags.VariationCount > 0 {
		req.VariationCount = flags.VariationCount
	}
	if flags.Provider != "" {
		req.Provider = flags.Provider
	}
	if flags.Model != "" {
		req.Model = flags.Model
	}
	if flags.Timeout > 0 {
		req.Timeout = flags.Timeout
	}
	for k, v := range flags.Credentials {
		if req.Credentials == nil {
			req.Credentials = make(map[string]string)
		}
		req.Credentials[k] = v
	}
	return req
}
