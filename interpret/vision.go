package interpret

import (
	"context"
	_ "embed"
	"encoding/base64"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

//go:embed prompt.md
var defaultPrompt string

const (
	DefaultModel     = "gpt-4o"
	defaultMaxTokens = 1000

	// zeroTemperature asks for deterministic output. A literal 0 is dropped
	// from the request by omitempty, so the smallest float32 stands in for it.
	zeroTemperature = math.SmallestNonzeroFloat32
)

// ChatClient is the subset of *openai.Client used here
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// VisionInterpreter sends rendered PDF pages to a chat completion model
type VisionInterpreter struct {
	client    ChatClient
	renderer  PageRenderer
	preflight func(path string) (int, error)
	model     string
	prompt    string
	log       zerolog.Logger
}

// Option customizes a VisionInterpreter
type Option func(*VisionInterpreter)

// WithPrompt replaces the embedded instruction prompt
func WithPrompt(prompt string) Option {
	return func(v *VisionInterpreter) { v.prompt = prompt }
}

// WithPreflight replaces the PDF page-count check
func WithPreflight(fn func(path string) (int, error)) Option {
	return func(v *VisionInterpreter) { v.preflight = fn }
}

// NewOpenAI builds an interpreter backed by the OpenAI API
func NewOpenAI(apiKey, model string, log zerolog.Logger, opts ...Option) *VisionInterpreter {
	return NewVision(openai.NewClient(apiKey), FitzRenderer{DPI: DefaultDPI}, model, log, opts...)
}

// NewVision builds an interpreter from an explicit client and renderer
func NewVision(client ChatClient, renderer PageRenderer, model string, log zerolog.Logger, opts ...Option) *VisionInterpreter {
	if model == "" {
		model = DefaultModel
	}
	v := &VisionInterpreter{
		client:    client,
		renderer:  renderer,
		preflight: Preflight,
		model:     model,
		prompt:    defaultPrompt,
		log:       log.With().Str("component", "interpreter").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *VisionInterpreter) Interpret(ctx context.Context, pdfPath string) (*Result, error) {
	pages, err := v.preflight(pdfPath)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	images, err := v.renderer.Render(ctx, pdfPath)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: v.prompt,
	})
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}

	req := openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens:   defaultMaxTokens,
		Temperature: zeroTemperature,
	}

	v.log.Debug().
		Str("file", pdfPath).
		Int("pages", pages).
		Str("model", v.model).
		Msg("requesting interpretation")

	resp, err := v.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("API call failed: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Message: "API returned no choices"}
	}

	raw := resp.Choices[0].Message.Content
	payload, err := DecodePayload(raw)
	if err != nil {
		return nil, &Error{
			Message:     fmt.Sprintf("failed to parse JSON response: %v", err),
			RawResponse: raw,
		}
	}

	if reason, ok := payload["error"]; ok {
		return nil, &Error{Message: fmt.Sprint(reason), RawResponse: raw}
	}

	usage := &TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	payload[TokenUsageKey] = map[string]any{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}

	v.log.Info().
		Str("file", pdfPath).
		Int("total_tokens", usage.TotalTokens).
		Msg("interpretation complete")

	return &Result{Payload: payload, Usage: usage, Raw: raw, Pages: pages}, nil
}
