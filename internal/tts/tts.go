// Package tts streams synthesized speech as 8 kHz µ-law audio.
package tts

import (
	"context"
	"fmt"

	"github.com/festnoze/voice-gateway/internal/config"
)

// Cost is the provider-priced cost of one synthesized item.
type Cost struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Chars        int     `json:"chars"`
	PricePerChar float64 `json:"price_per_char_usd"`
	Amount       float64 `json:"amount_usd"`
}

// Synthesizer streams speech audio for text. Chunks arrive in playback
// order; the error channel delivers at most one error and both channels
// close when synthesis finishes or the context is canceled.
type Synthesizer interface {
	Name() string
	Stream(ctx context.Context, text string) (<-chan []byte, <-chan error)
	Cost(text string) Cost
}

// New returns the synthesizer named by cfg.TTSProvider.
func New(name string, cfg config.Config) (Synthesizer, error) {
	switch name {
	case "deepgram":
		return NewDeepgram(cfg.DeepgramKey, ""), nil
	case "elevenlabs":
		return NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID), nil
	default:
		return nil, fmt.Errorf("tts: unknown synthesizer %q", name)
	}
}
