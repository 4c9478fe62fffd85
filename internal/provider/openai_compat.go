package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// compatClient speaks the OpenAI-compatible HTTP surface that ollama and
// hosted embedding APIs share.
type compatClient struct {
	baseURL     string
	apiKey      string
	expectedDim int
	batchSize   int
	httpClient  *http.Client
}

func newCompatClient(baseURL, apiKey string, timeout time.Duration, batchSize, expectedDim int) *compatClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &compatClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:      strings.TrimSpace(apiKey),
		expectedDim: expectedDim,
		batchSize:   batchSize,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage compatUsage     `json:"usage"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// embed returns one vector per text, chunking to the configured batch size,
// and the prompt tokens reported across all chunks.
func (c *compatClient) embed(ctx context.Context, model string, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, fmt.Errorf("embed: empty texts")
	}
	if c.baseURL == "" || model == "" {
		return nil, 0, unavailable("embedding backend not configured")
	}

	size := c.batchSize
	if size <= 0 {
		size = len(texts)
	}

	vectors := make([][]float32, 0, len(texts))
	tokens := 0
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}

		var decoded embeddingResponse
		if err := c.post(ctx, "/v1/embeddings", embeddingRequest{Model: model, Input: texts[start:end], Dimensions: c.expectedDim}, &decoded); err != nil {
			return nil, 0, fmt.Errorf("embed: %w", err)
		}
		chunk, err := c.validateEmbeddingData(decoded.Data, end-start)
		if err != nil {
			return nil, 0, fmt.Errorf("embed: validate response: %w", err)
		}
		vectors = append(vectors, chunk...)
		tokens += decoded.Usage.PromptTokens
	}
	return vectors, tokens, nil
}

func (c *compatClient) validateEmbeddingData(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	responseDim := 0
	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if responseDim == 0 {
			responseDim = len(item.Embedding)
		} else if len(item.Embedding) != responseDim {
			return nil, fmt.Errorf("inconsistent embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), responseDim)
		}
		if c.expectedDim > 0 && len(item.Embedding) != c.expectedDim {
			return nil, fmt.Errorf("%w at index %d: got %d want %d", errDimension, item.Index, len(item.Embedding), c.expectedDim)
		}

		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
	}
	return vectors, nil
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage compatUsage `json:"usage"`
}

// completeJSON asks for a JSON object answer and returns the raw content.
func (c *compatClient) completeJSON(ctx context.Context, model, system, prompt string) (string, compatUsage, error) {
	if c.baseURL == "" || model == "" {
		return "", compatUsage{}, unavailable("local model not configured")
	}

	messages := make([]map[string]string, 0, 2)
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": 0,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}

	var decoded chatCompletion
	if err := c.post(ctx, "/v1/chat/completions", body, &decoded); err != nil {
		return "", compatUsage{}, err
	}
	if len(decoded.Choices) == 0 {
		return "", decoded.Usage, fmt.Errorf("%w: empty choices", errMalformed)
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), decoded.Usage, nil
}

func (c *compatClient) post(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unavailable("send request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: truncate(strings.TrimSpace(string(respBody)), 300)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errMalformed, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
