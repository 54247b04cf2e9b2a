package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsModel        = "eleven_flash_v2_5"
	elevenLabsPricePerChar = 0.00011
)

// ElevenLabs streams speech through the HTTP streaming endpoint with
// ulaw_8000 output, so chunks go straight onto the telephony wire.
type ElevenLabs struct {
	apiKey  string
	voiceID string
	baseURL string
	client  *http.Client
}

var _ Synthesizer = (*ElevenLabs)(nil)

// NewElevenLabs builds the ElevenLabs synthesizer.
func NewElevenLabs(apiKey, voiceID string) *ElevenLabs {
	return &ElevenLabs{
		apiKey:  apiKey,
		voiceID: voiceID,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 0},
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

// Cost prices an item at the per-character rate.
func (e *ElevenLabs) Cost(text string) Cost {
	return Cost{
		Provider:     "elevenlabs",
		Model:        elevenLabsModel,
		Chars:        len(text),
		PricePerChar: elevenLabsPricePerChar,
		Amount:       float64(len(text)) * elevenLabsPricePerChar,
	}
}

// Stream synthesizes text and delivers µ-law chunks as they arrive.
func (e *ElevenLabs) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(audioCh)
		defer close(errCh)
		if e.apiKey == "" || e.voiceID == "" {
			errCh <- fmt.Errorf("tts: elevenlabs api key or voice id missing")
			return
		}
		if text == "" {
			return
		}
		if err := e.httpStream(ctx, text, audioCh); err != nil {
			errCh <- err
		}
	}()
	return audioCh, errCh
}

func (e *ElevenLabs) httpStream(ctx context.Context, text string, audioCh chan<- []byte) error {
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return fmt.Errorf("tts: elevenlabs base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + e.voiceID + "/stream"
	q := u.Query()
	q.Set("model_id", elevenLabsModel)
	q.Set("output_format", "ulaw_8000")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": elevenLabsModel,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		// Shorter chunks reduce tail cutoff; the server still streams.
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts: elevenlabs stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tts: elevenlabs status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case audioCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("tts: elevenlabs read: %w", rerr)
		}
	}
}
