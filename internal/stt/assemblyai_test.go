package stt

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/audio"
)

func quietChunk(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func TestSendLoopSurvivesWriteFailures(t *testing.T) {
	s := NewAssemblyAI("key", audio.TrackInbound, zerolog.Nop())
	// A connected session whose socket is gone: every write fails
	// without waiting out the retry backoff.
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	go s.sendLoop()
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.SendAudio(quietChunk(audio.FrameBytes)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	// One error per exhausted chunk, so repeated failures can drive
	// the session's streak over its limit.
	for i := 0; i < 3; i++ {
		select {
		case err := <-s.Errors():
			if !errors.Is(err, ErrTranscription) {
				t.Fatalf("error %d = %v, want ErrTranscription", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("error %d never delivered", i)
		}
	}
}

func TestWriteChunkReportsConnectionGone(t *testing.T) {
	s := NewAssemblyAI("key", audio.TrackInbound, zerolog.Nop())
	if err := s.writeChunk(quietChunk(audio.FrameBytes)); err == nil {
		t.Fatal("writeChunk succeeded without a connection")
	}
}
