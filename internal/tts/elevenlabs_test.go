package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/festnoze/voice-gateway/internal/config"
)

func TestElevenLabsStream(t *testing.T) {
	payload := []byte{0xff, 0x7f, 0x00, 0x80, 0x10, 0x20}
	var gotPath, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	e := NewElevenLabs("key", "voice-1")
	e.baseURL = srv.URL

	audioCh, errCh := e.Stream(context.Background(), "hello caller")

	var got []byte
	for chunk := range audioCh {
		got = append(got, chunk...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("audio = %v, want %v", got, payload)
	}
	if gotPath != "/v1/text-to-speech/voice-1/stream" {
		t.Errorf("path = %s", gotPath)
	}
	if gotFormat != "ulaw_8000" {
		t.Errorf("output_format = %s, want ulaw_8000", gotFormat)
	}
}

func TestElevenLabsStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewElevenLabs("key", "voice-1")
	e.baseURL = srv.URL

	audioCh, errCh := e.Stream(context.Background(), "hello")
	for range audioCh {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestElevenLabsStreamMissingCredentials(t *testing.T) {
	e := NewElevenLabs("", "")
	audioCh, errCh := e.Stream(context.Background(), "hello")
	for range audioCh {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error when credentials missing")
	}
}

func TestRegistry(t *testing.T) {
	cfg := config.Config{DeepgramKey: "d", ElevenLabsKey: "e", ElevenLabsVoiceID: "v"}
	for _, name := range []string{"deepgram", "elevenlabs"} {
		s, err := New(name, cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Name() = %s, want %s", s.Name(), name)
		}
	}
	if _, err := New("gramophone", cfg); err == nil {
		t.Error("expected error for unknown synthesizer")
	}
}
