// Package interpret turns a dispatch PDF into a structured payload using a
// vision model.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenUsageKey is the payload key carrying model token usage
const TokenUsageKey = "_token_usage"

// Interpreter converts a PDF on disk into a raw incident payload
type Interpreter interface {
	Interpret(ctx context.Context, pdfPath string) (*Result, error)
}

// TokenUsage reports model token consumption for one call
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a successful interpretation
type Result struct {
	Payload map[string]any
	Usage   *TokenUsage
	Raw     string
	Pages   int
}

// Error is an interpretation failure. RawResponse holds the model output when
// there was one.
type Error struct {
	Message     string
	RawResponse string
}

func (e *Error) Error() string {
	return "interpretation failed: " + e.Message
}

// StripMeta returns a copy of payload without keys that start with an
// underscore
func StripMeta(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// StripFences removes markdown code fences the model sometimes wraps JSON in
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "```json"):
		text = strings.ReplaceAll(text, "```json", "")
		text = strings.ReplaceAll(text, "```", "")
	case strings.HasPrefix(text, "```"):
		text = strings.ReplaceAll(text, "```", "")
	}
	return strings.TrimSpace(text)
}

// DecodePayload parses model output into a JSON object. Numbers are kept as
// json.Number so large CAD numbers survive intact.
func DecodePayload(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(StripFences(text)))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("decode model output: not a JSON object")
	}
	return payload, nil
}
