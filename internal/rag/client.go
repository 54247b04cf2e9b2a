// Package rag is the client for the retrieval-augmented conversation
// service: conversation creation plus SSE-streamed query answers.
package rag

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

	"github.com/google/uuid"

	"github.com/festnoze/voice-gateway/internal/config"
)

// Client talks to the conversation service. HTTPClient is exported so
// tests can redirect requests.
type Client struct {
	HTTPClient  *http.Client
	BaseURL     string
	ReadTimeout time.Duration
}

// New builds a client from config. A missing base URL returns nil, and
// callers treat a nil client as "RAG not configured".
func New(cfg config.Config) *Client {
	if cfg.RAGBaseURL == "" {
		return nil
	}
	return &Client{
		HTTPClient: &http.Client{
			Timeout: 0, // streaming reads outlive any fixed deadline
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.RAGConnectTimeout,
			},
		},
		BaseURL:     strings.TrimRight(cfg.RAGBaseURL, "/"),
		ReadTimeout: cfg.RAGReadTimeout,
	}
}

// CreateConversation registers a new conversation for the user and
// returns its id.
func (c *Client) CreateConversation(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	payload, _ := json.Marshal(map[string]any{
		"user_id":  userID.String(),
		"messages": []string{},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rag/inference/conversation/create", bytes.NewReader(payload))
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("rag: create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return uuid.Nil, fmt.Errorf("rag: create conversation: status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, fmt.Errorf("rag: decode conversation: %w", err)
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("rag: conversation id %q: %w", out.ID, err)
	}
	return id, nil
}

// QueryStream sends a user query and streams answer tokens. The read
// deadline bounds the whole stream; both channels close at the end.
func (c *Client) QueryStream(ctx context.Context, conversationID uuid.UUID, query string) (<-chan string, <-chan error) {
	tokens := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)

		ctx, cancel := context.WithTimeout(ctx, c.ReadTimeout)
		defer cancel()

		payload, _ := json.Marshal(map[string]any{
			"conversation_id": conversationID.String(),
			"user_query_content": query,
			"display_waiting_message": false,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rag/inference/conversation/ask-question/phone/stream", bytes.NewReader(payload))
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("rag: query stream: %w", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			errCh <- fmt.Errorf("rag: query stream: status=%d body=%s", resp.StatusCode, string(b))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}
			var chunk struct {
				Content string `json:"content"`
			}
			token := data
			if err := json.Unmarshal([]byte(data), &chunk); err == nil && chunk.Content != "" {
				token = chunk.Content
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("rag: stream read: %w", err)
		}
	}()

	return tokens, errCh
}

// Ping checks the service is reachable, bounded by the test timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rag: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rag: ping: status=%d", resp.StatusCode)
	}
	return nil
}
