package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/festnoze/voice-gateway/internal/config"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		APIKey:  "key",
		Model:   "test-model",
		BaseURL: srv.URL,
		HTTPClient: &http.Client{
			Timeout: time.Second,
		},
	}
}

func TestGenerateNoKey(t *testing.T) {
	c := &Client{Model: "m", BaseURL: "http://localhost:1"}
	if _, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error with missing key")
	}
}

func TestGenerateHTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"choices":[]}`)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := testClient(srv)
			if _, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
				t.Fatal("expected error; got nil")
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello caller  "}}]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	got, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello caller" {
		t.Errorf("Generate = %q", got)
	}
}

func TestGenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"name\":\"Ada\",\"topic\":\"enrollment\"}"}}]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	var out struct {
		Name  string `json:"name"`
		Topic string `json:"topic"`
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"topic": map[string]any{"type": "string"},
		},
	}
	if err := c.GenerateJSON(context.Background(), []Message{{Role: "user", Content: "extract"}}, "slots", schema, &out); err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if out.Name != "Ada" || out.Topic != "enrollment" {
		t.Errorf("out = %+v", out)
	}
}

func TestGenerateJSONBadContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"not json"}}]}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	var out map[string]any
	if err := c.GenerateJSON(context.Background(), nil, "slots", map[string]any{"type": "object"}, &out); err == nil {
		t.Fatal("expected error for non-JSON constrained output")
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				": keepalive comment\n\n" +
				"data: {\"choices\":[{\"delta\":{}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := testClient(srv)
	tokens, errCh := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}})

	var got string
	for tok := range tokens {
		got += tok
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got != "Hello" {
		t.Errorf("streamed = %q, want Hello", got)
	}
}

func TestNewProviders(t *testing.T) {
	cfg := config.Config{LLMAPIKey: "key", LLMModel: "m", LLMReadTimeout: time.Second}
	for _, p := range []string{"openai", "cerebras"} {
		c, err := New(p, cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", p, err)
		}
		if c.BaseURL == "" {
			t.Errorf("New(%s) has empty base URL", p)
		}
	}
	if _, err := New("abacus", cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}
