package stt

import (
	"context"
	"sync"
	"time"

	"github.com/festnoze/voice-gateway/internal/audio"
)

// Fake is an in-memory Session for tests and the synthetic-call admin
// endpoint. Utterances are pushed by the test through Emit.
type Fake struct {
	Track audio.Track

	utterances chan Utterance
	partials   chan string
	errs       chan error

	mu        sync.Mutex
	audio     [][]byte
	voiceAt   time.Time
	closed    bool
	closeOnce sync.Once
}

var _ Session = (*Fake)(nil)

// NewFake builds a fake session for one track.
func NewFake(track audio.Track) *Fake {
	return &Fake{
		Track:      track,
		utterances: make(chan Utterance, 16),
		partials:   make(chan string, 16),
		errs:       make(chan error, 1),
	}
}

func (f *Fake) Start(ctx context.Context) error { return nil }

func (f *Fake) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.audio = append(f.audio, cp)
	return nil
}

func (f *Fake) Utterances() <-chan Utterance { return f.utterances }
func (f *Fake) Partials() <-chan string      { return f.partials }
func (f *Fake) Errors() <-chan error         { return f.errs }

func (f *Fake) RecentVoice(window time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.voiceAt) <= window
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.utterances)
		close(f.partials)
	})
	return nil
}

// Emit delivers a final utterance as if the provider produced it.
func (f *Fake) Emit(text string) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.utterances <- Utterance{Track: f.Track, Text: text, IsFinal: true}
}

// MarkVoice simulates voice energy being heard now.
func (f *Fake) MarkVoice() {
	f.mu.Lock()
	f.voiceAt = time.Now()
	f.mu.Unlock()
}

// Fail delivers a terminal transcription error.
func (f *Fake) Fail(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// AudioChunks returns the chunks fed so far.
func (f *Fake) AudioChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}
