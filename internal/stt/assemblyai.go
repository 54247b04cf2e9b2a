package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/audio"
)

const (
	assemblyAIEndpoint     = "wss://streaming.assemblyai.com/v3/ws"
	assemblyAIModel        = "universal-streaming"
	assemblyAIPricePerHour = 0.47

	// Voice energy threshold on decoded PCM16.
	voiceRMS = 250.0

	sendRetries      = 3
	sendRetryBackoff = 100 * time.Millisecond
)

// AssemblyAI is a streaming Session against AssemblyAI's realtime API.
// Audio is fed as raw µ-law at 8 kHz; the provider decodes it natively.
type AssemblyAI struct {
	apiKey    string
	track     audio.Track
	endpoint  string
	log       zerolog.Logger
	assembler *Assembler

	partials chan string
	errs     chan error
	audioIn  chan []byte
	stopCh   chan struct{}

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once
}

var _ Session = (*AssemblyAI)(nil)

// NewAssemblyAI builds a session for one track.
func NewAssemblyAI(apiKey string, track audio.Track, log zerolog.Logger) *AssemblyAI {
	return &AssemblyAI{
		apiKey:   apiKey,
		track:    track,
		endpoint: assemblyAIEndpoint,
		log:      log.With().Str("sttProvider", "assemblyai").Str("track", string(track)).Logger(),
		assembler: NewAssembler(track, DefaultAssemblerConfig(), func(seconds float64) Cost {
			return Cost{
				Provider:       "assemblyai",
				Model:          assemblyAIModel,
				Seconds:        seconds,
				PricePerSecond: assemblyAIPricePerHour / 3600,
				Amount:         seconds * assemblyAIPricePerHour / 3600,
			}
		}),
		partials: make(chan string, 100),
		errs:     make(chan error, 8),
		audioIn:  make(chan []byte, 1000),
		stopCh:   make(chan struct{}),
	}
}

// Start dials the streaming endpoint and launches the read/write loops.
func (s *AssemblyAI) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("stt: assemblyai api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	params.Set("encoding", "pcm_mulaw")
	params.Set("format_turns", "false")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {s.apiKey}}

	conn, resp, err := dialer.DialContext(ctx, s.endpoint+"?"+params.Encode(), headers)
	if err != nil {
		if resp != nil {
			s.log.Error().Int("status", resp.StatusCode).Msg("assemblyai dial failed")
		}
		return fmt.Errorf("stt: connect assemblyai: %w", err)
	}
	s.conn = conn
	s.connected = true

	go s.readLoop()
	go s.sendLoop()

	s.log.Info().Msg("assemblyai session connected")
	return nil
}

// SendAudio queues one µ-law chunk. Oldest-queued chunks are not
// dropped here; a full buffer drops the incoming chunk so the session
// keeps pace with the live call.
func (s *AssemblyAI) SendAudio(chunk []byte) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("stt: session not connected")
	}
	if len(chunk) == 0 {
		return nil
	}

	if audio.RMS(audio.DecodeMulaw(chunk)) >= voiceRMS {
		s.assembler.NoteVoice()
	}
	s.assembler.NoteAudio(audio.DurationSeconds(len(chunk)))

	select {
	case s.audioIn <- chunk:
	default:
		s.log.Warn().Msg("stt audio buffer full, dropping chunk")
	}
	return nil
}

func (s *AssemblyAI) Utterances() <-chan Utterance { return s.assembler.Finals() }
func (s *AssemblyAI) Partials() <-chan string      { return s.partials }
func (s *AssemblyAI) Errors() <-chan error         { return s.errs }

func (s *AssemblyAI) RecentVoice(window time.Duration) bool {
	return s.assembler.RecentVoice(window)
}

// Close terminates the provider session and flushes the assembler.
func (s *AssemblyAI) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.stopCh)
		if s.conn != nil {
			_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
			_ = s.conn.Close()
		}
		s.connected = false
		s.conn = nil
		s.mu.Unlock()

		s.assembler.Close()
		close(s.partials)
		s.log.Info().Msg("assemblyai session closed")
	})
	return nil
}

type assemblyAITurn struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type assemblyAIError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *AssemblyAI) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.log.Warn().Err(err).Msg("assemblyai read failed")
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *AssemblyAI) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn().Err(err).Msg("unparseable assemblyai message")
		return
	}
	switch base.Type {
	case "Begin":
		s.log.Debug().Msg("assemblyai session began")
	case "Turn":
		var msg assemblyAITurn
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		select {
		case s.partials <- msg.Transcript:
		default:
		}
		s.assembler.Observe(msg.Transcript)
	case "Termination":
		s.log.Debug().Msg("assemblyai session terminated")
	case "Error":
		var msg assemblyAIError
		_ = json.Unmarshal(message, &msg)
		s.log.Error().Str("providerError", msg.Error).Msg("assemblyai error")
	default:
		s.log.Debug().Str("type", base.Type).Msg("unknown assemblyai message")
	}
}

// sendLoop writes queued audio to the provider. A chunk that fails is
// retried with exponential backoff; exhausting the retries reports one
// ErrTranscription for that chunk and the loop moves on, so a dead
// stream keeps surfacing failures until the session acts on them.
func (s *AssemblyAI) sendLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case chunk := <-s.audioIn:
			if err := s.writeChunk(chunk); err != nil {
				select {
				case s.errs <- fmt.Errorf("%w: %v", ErrTranscription, err):
				default:
				}
			}
		}
	}
}

func (s *AssemblyAI) writeChunk(chunk []byte) error {
	backoff := sendRetryBackoff
	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-s.stopCh:
				return lastErr
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return fmt.Errorf("connection gone")
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			lastErr = err
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("audio write failed")
			continue
		}
		return nil
	}
	return lastErr
}
