// Package llm provides the text-generation client used for answers, summaries,
// claim verification, study classification and LLM reranking.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by DecodeJSON when the model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// GenerateOptions configures a generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the number of generated tokens. 0 means no limit.
	MaxTokens int

	// JSON asks the backend to constrain output to a JSON document.
	JSON bool
}

// LLM is a text-generation backend.
type LLM interface {
	// Generate sends a prompt and returns the complete response.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// DecodeJSON extracts the first JSON object from a model response and unmarshals it into v.
// Markdown code fences and surrounding prose are tolerated.
func DecodeJSON(response string, v any) error {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end < start {
		return ErrNoJSON
	}

	if err := json.Unmarshal([]byte(response[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing model output: %w", err)
	}
	return nil
}
