// Package extract runs AI extraction features over incremental message
// windows.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Item is one typed result extracted by the model.
type Item struct {
	Kind       string  `json:"kind"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Extractor is the AI model boundary: prompt in, typed items out. The call
// may fail or be slow; failures propagate as generic processing errors.
type Extractor interface {
	Extract(ctx context.Context, feature, prompt string) ([]Item, error)
}

// HTTPExtractor calls an OpenAI-compatible chat completions endpoint and
// expects the model to answer with a strict JSON array of items.
type HTTPExtractor struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPExtractor creates an extractor against the given completions URL.
func NewHTTPExtractor(url, apiKey, model string, timeout time.Duration, logger *zap.Logger) *HTTPExtractor {
	return &HTTPExtractor{
		url:    url,
		apiKey: apiKey,
		model:  model,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

// Extract sends the prompt and parses the model's JSON answer.
func (e *HTTPExtractor) Extract(ctx context.Context, feature, prompt string) ([]Item, error) {
	reqBody, err := json.Marshal(completionRequest{
		Model: e.model,
		Messages: []completionMessage{
			{Role: "system", Content: systemPrompt(feature)},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("model call: status %d: %s", resp.StatusCode, data)
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	var items []Item
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return nil, fmt.Errorf("model answer is not a JSON item array: %w", err)
	}
	return items, nil
}

func systemPrompt(feature string) string {
	return fmt.Sprintf(
		"You extract %s from chat conversations. Respond with a JSON array only; "+
			`each element has "kind", "content" and "confidence" (0..1) fields. `+
			"Messages marked as prior context are already processed: use them for "+
			"understanding only and do not extract from them.", feature)
}
