// Package stt turns streaming audio into finalized utterances. One
// Session runs per media track; the inbound session drives the agent,
// the outbound session only exists for transcript logging.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/festnoze/voice-gateway/internal/audio"
)

// ErrTranscription marks a transcription failure that exhausted its
// retries. Call sessions count these against the error streak.
var ErrTranscription = errors.New("stt: transcription failed")

// Cost is the provider-priced cost of transcribing one utterance.
type Cost struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	Seconds        float64 `json:"seconds"`
	PricePerSecond float64 `json:"price_per_second_usd"`
	Amount         float64 `json:"amount_usd"`
}

// Utterance is one finalized piece of speech on a track.
type Utterance struct {
	Track         audio.Track
	Text          string
	IsFinal       bool
	AudioDuration time.Duration
	Cost          Cost
}

// Session is one live streaming transcription connection.
type Session interface {
	// Start opens the provider connection and begins processing audio.
	Start(ctx context.Context) error

	// SendAudio feeds raw track audio in the wire format. It never
	// blocks the media path; delivery failures surface on Errors.
	SendAudio(chunk []byte) error

	// Utterances delivers finalized utterances in order.
	Utterances() <-chan Utterance

	// Partials streams in-progress transcript text.
	Partials() <-chan string

	// RecentVoice reports whether voice energy was heard within window.
	// The outbound manager polls this for barge-in.
	RecentVoice(window time.Duration) bool

	// Close terminates the provider connection and flushes any pending
	// utterance.
	Close() error

	// Errors delivers terminal feed failures wrapping ErrTranscription.
	Errors() <-chan error
}
