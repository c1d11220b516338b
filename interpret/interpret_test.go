package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	content string
	err     error
	usage   openai.Usage
	reqs    []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content}},
		},
		Usage: f.usage,
	}, nil
}

type fakeRenderer struct {
	pages [][]byte
	err   error
}

func (f fakeRenderer) Render(context.Context, string) ([][]byte, error) {
	return f.pages, f.err
}

func onePage(string) (int, error) { return 1, nil }

func newTestInterpreter(chat *fakeChat, renderer PageRenderer) *VisionInterpreter {
	return NewVision(chat, renderer, "", zerolog.Nop(), WithPreflight(onePage), WithPrompt("extract"))
}

func TestVisionInterpreter_Success(t *testing.T) {
	chat := &fakeChat{
		content: "```json\n{\"incidentTimes\":{\"cad\":\"12345\"}}\n```",
		usage:   openai.Usage{PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000},
	}
	v := newTestInterpreter(chat, fakeRenderer{pages: [][]byte{[]byte("p1"), []byte("p2")}})

	res, err := v.Interpret(context.Background(), "fax.pdf")
	require.NoError(t, err)

	assert.Equal(t, 1000, res.Usage.TotalTokens)
	assert.Contains(t, res.Payload, TokenUsageKey)
	assert.Equal(t, "12345", res.Payload["incidentTimes"].(map[string]any)["cad"])

	require.Len(t, chat.reqs, 1)
	req := chat.reqs[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Equal(t, float32(zeroTemperature), req.Temperature)
	assert.Less(t, req.Temperature, float32(1e-30))

	parts := req.Messages[0].MultiContent
	require.Len(t, parts, 3)
	assert.Equal(t, "extract", parts[0].Text)
	assert.Equal(t, "data:image/png;base64,cDE=", parts[1].ImageURL.URL)
	assert.Equal(t, openai.ImageURLDetailHigh, parts[2].ImageURL.Detail)
}

func TestVisionInterpreter_UnparsableResponse(t *testing.T) {
	chat := &fakeChat{content: "I could not read this fax."}
	v := newTestInterpreter(chat, fakeRenderer{pages: [][]byte{[]byte("p")}})

	_, err := v.Interpret(context.Background(), "fax.pdf")

	var ierr *Error
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "I could not read this fax.", ierr.RawResponse)
	assert.Contains(t, err.Error(), "failed to parse JSON response")
}

func TestVisionInterpreter_ErrorPayload(t *testing.T) {
	chat := &fakeChat{content: `{"error": "not a dispatch sheet"}`}
	v := newTestInterpreter(chat, fakeRenderer{pages: [][]byte{[]byte("p")}})

	_, err := v.Interpret(context.Background(), "fax.pdf")

	var ierr *Error
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "not a dispatch sheet", ierr.Message)
}

func TestVisionInterpreter_APIFailure(t *testing.T) {
	chat := &fakeChat{err: fmt.Errorf("503 service unavailable")}
	v := newTestInterpreter(chat, fakeRenderer{pages: [][]byte{[]byte("p")}})

	_, err := v.Interpret(context.Background(), "fax.pdf")

	var ierr *Error
	require.True(t, errors.As(err, &ierr))
	assert.Contains(t, ierr.Message, "503")
}

func TestVisionInterpreter_PreflightRejectsBeforeModelCall(t *testing.T) {
	chat := &fakeChat{content: "{}"}
	v := NewVision(chat, fakeRenderer{}, "", zerolog.Nop(), WithPreflight(func(string) (int, error) {
		return 0, fmt.Errorf("not a pdf")
	}))

	_, err := v.Interpret(context.Background(), "notes.pdf")
	require.Error(t, err)
	assert.Empty(t, chat.reqs)
}

func TestStripMeta(t *testing.T) {
	payload := map[string]any{"incidentTimes": 1, "_token_usage": 2, "_debug": 3}
	assert.Equal(t, map[string]any{"incidentTimes": 1}, StripMeta(payload))
	assert.Len(t, payload, 3)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1}  "))
}

func TestDecodePayload_KeepsNumbers(t *testing.T) {
	payload, err := DecodePayload(`{"cad": 2025001234567}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("2025001234567"), payload["cad"])

	_, err = DecodePayload("null")
	assert.Error(t, err)
	_, err = DecodePayload("[1,2]")
	assert.Error(t, err)
}

// minimalPDF builds a one-page PDF with a correct cross-reference table
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestPreflight(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "fax.pdf")
	require.NoError(t, os.WriteFile(good, minimalPDF(), 0644))
	pages, err := Preflight(good)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)

	bad := filepath.Join(dir, "notes.pdf")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Repeat("plain text, not a pdf\n", 4)), 0644))
	_, err = Preflight(bad)
	assert.Error(t, err)

	_, err = Preflight(filepath.Join(dir, "missing.pdf"))
	assert.Error(t, err)
}
