package rag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/festnoze/voice-gateway/internal/config"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		HTTPClient:  srv.Client(),
		BaseURL:     srv.URL,
		ReadTimeout: 2 * time.Second,
	}
}

func TestNewNilWithoutBaseURL(t *testing.T) {
	if c := New(config.Config{}); c != nil {
		t.Error("expected nil client when RAG_BASE_URL unset")
	}
	if c := New(config.Config{RAGBaseURL: "http://localhost:9000/"}); c == nil {
		t.Error("expected client with base URL")
	} else if c.BaseURL != "http://localhost:9000" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", c.BaseURL)
	}
}

func TestCreateConversation(t *testing.T) {
	want := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rag/inference/conversation/create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"` + want.String() + `"}`))
	}))
	defer srv.Close()

	got, err := testClient(srv).CreateConversation(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if got != want {
		t.Errorf("id = %s, want %s", got, want)
	}
}

func TestCreateConversationHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := testClient(srv).CreateConversation(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestQueryStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"content\":\"Our \"}\n\n" +
				"data: {\"content\":\"courses\"}\n\n" +
				"data: plain-token\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	tokens, errCh := testClient(srv).QueryStream(context.Background(), uuid.New(), "what courses?")

	var got []string
	for tok := range tokens {
		got = append(got, tok)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("QueryStream: %v", err)
	}
	want := []string{"Our ", "courses", "plain-token"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueryStreamTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv)
	c.ReadTimeout = 50 * time.Millisecond

	tokens, errCh := c.QueryStream(context.Background(), uuid.New(), "slow question")
	for range tokens {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(srv).Ping(context.Background(), time.Second); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
