package tts

import (
	"context"
	"sync"
)

// Fake is a deterministic Synthesizer for tests: every call streams the
// configured chunks, or one silence frame per word when none are set.
type Fake struct {
	Chunks [][]byte
	Err    error

	mu    sync.Mutex
	calls []string
}

var _ Synthesizer = (*Fake)(nil)

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Cost(text string) Cost {
	return Cost{Provider: "fake", Chars: len(text)}
}

func (f *Fake) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()

	audioCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(audioCh)
		defer close(errCh)
		if f.Err != nil {
			errCh <- f.Err
			return
		}
		chunks := f.Chunks
		if chunks == nil {
			chunks = [][]byte{silenceChunk(160)}
		}
		for _, c := range chunks {
			select {
			case audioCh <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, errCh
}

// Calls returns the texts synthesized so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func silenceChunk(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
