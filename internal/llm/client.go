// Package llm is a chat-completions client for OpenAI-compatible APIs.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/festnoze/voice-gateway/internal/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client speaks the chat-completions protocol. HTTPClient is exported
// so tests can redirect requests.
type Client struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
}

// New returns a client for the named provider.
func New(provider string, cfg config.Config) (*Client, error) {
	var baseURL string
	switch provider {
	case "openai":
		baseURL = "https://api.openai.com/v1"
	case "cerebras":
		baseURL = "https://api.cerebras.ai/v1"
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: cfg.LLMReadTimeout},
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		BaseURL:    baseURL,
	}, nil
}

type request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type choice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
	Delta        Message `json:"delta"`
}

type response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
}

// Generate runs one blocking completion.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	body, err := c.do(ctx, request{Model: c.Model, Messages: messages})
	if err != nil {
		return "", err
	}
	defer body.Close()

	var cr response
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// GenerateJSON runs a completion constrained to the given JSON schema
// and unmarshals the result into out.
func (c *Client) GenerateJSON(ctx context.Context, messages []Message, schemaName string, schema map[string]any, out any) error {
	format, err := json.Marshal(map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   schemaName,
			"strict": true,
			"schema": schema,
		},
	})
	if err != nil {
		return fmt.Errorf("llm: marshal schema: %w", err)
	}

	body, err := c.do(ctx, request{Model: c.Model, Messages: messages, ResponseFormat: format})
	if err != nil {
		return err
	}
	defer body.Close()

	var cr response
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		return fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return fmt.Errorf("llm: empty choices")
	}
	content := cr.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("llm: constrained output not valid JSON: %w", err)
	}
	return nil
}

// Stream runs a streaming completion and delivers content deltas in
// order. Both channels close when the stream ends; the error channel
// carries at most one error.
func (c *Client) Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		body, err := c.do(ctx, request{Model: c.Model, Messages: messages, Stream: true})
		if err != nil {
			errCh <- err
			return
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var cr response
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 {
				continue
			}
			delta := cr.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case tokens <- delta:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("llm: stream read: %w", err)
		}
	}()

	return tokens, errCh
}

func (c *Client) do(ctx context.Context, r request) (io.ReadCloser, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("llm: api key missing")
	}
	reqBody, _ := json.Marshal(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llm: status=%d body=%s", resp.StatusCode, string(b))
	}
	return resp.Body, nil
}
