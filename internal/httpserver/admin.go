package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/festnoze/voice-gateway/internal/agent"
	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/llm"
	"github.com/festnoze/voice-gateway/internal/logging"
	"github.com/festnoze/voice-gateway/internal/provider"
	"github.com/festnoze/voice-gateway/internal/session"
	"github.com/festnoze/voice-gateway/internal/stt"
	"github.com/festnoze/voice-gateway/internal/tts"
)

// lastLog streams the previous run's log file.
func (s *Server) lastLog(c echo.Context) error {
	path, err := logging.LastLogPath(s.cfg.LogDir)
	if err != nil {
		return c.String(http.StatusNotFound, "no previous log")
	}
	return c.File(path)
}

// latencyLog streams the per-turn latency records.
func (s *Server) latencyLog(c echo.Context) error {
	if s.deps.Latency == nil {
		return c.String(http.StatusNotFound, "latency log not configured")
	}
	return c.File(s.deps.Latency.Path())
}

// parallelCalls runs N synthetic calls through the real session
// pipeline with scripted collaborators, as a load and wiring check.
func (s *Server) parallelCalls(c echo.Context) error {
	count, err := strconv.Atoi(c.QueryParam("calls_count"))
	if err != nil || count < 1 || count > 100 {
		return c.String(http.StatusBadRequest, "calls_count must be 1..100")
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(c.Request().Context())
	for i := 0; i < count; i++ {
		g.Go(func() error { return s.runSyntheticCall(ctx) })
	}
	err = g.Wait()

	result := map[string]any{
		"calls":       count,
		"duration_ms": time.Since(start).Milliseconds(),
		"ok":          err == nil,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, result)
}

// syntheticAdapter reuses the Twilio wire handling but never reaches
// the vendor REST API.
type syntheticAdapter struct {
	*provider.Twilio
}

func (syntheticAdapter) HangupCall(ctx context.Context, callID string) error { return nil }

// syntheticLLM answers the classification prompt with "end" so each
// synthetic call greets, hears one utterance, and closes.
type syntheticLLM struct{}

func (syntheticLLM) Generate(ctx context.Context, msgs []llm.Message) (string, error) {
	return "end", nil
}

func (syntheticLLM) GenerateJSON(ctx context.Context, msgs []llm.Message, name string, schema map[string]any, out any) error {
	return json.Unmarshal([]byte(`{}`), out)
}

func (syntheticLLM) Stream(ctx context.Context, msgs []llm.Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 1)
	errCh := make(chan error, 1)
	tokens <- "end"
	close(tokens)
	close(errCh)
	return tokens, errCh
}

// syntheticConn feeds a scripted media stream: start, a loop of
// silence frames, stop after the utterance round-trips.
type syntheticConn struct {
	incoming chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *syntheticConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.incoming
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (c *syntheticConn) WriteMessage(_ int, _ []byte) error { return nil }

func (c *syntheticConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *syntheticConn) push(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.incoming <- msg:
	default:
	}
}

func (s *Server) runSyntheticCall(ctx context.Context) error {
	callID := provider.UUIDToCallID(uuid.New())
	streamID := "MZ" + uuid.NewString()

	conn := &syntheticConn{incoming: make(chan []byte, 256)}
	var fakeSTT *stt.Fake
	var sttMu sync.Mutex

	sess := session.New(session.Params{
		Conn:    conn,
		Adapter: syntheticAdapter{provider.NewTwilio("synthetic", "synthetic")},
		Cfg:     s.cfg,
		CallID:  callID,
		LLM:     syntheticLLM{},
		NewSTT: func(track audio.Track) (stt.Session, error) {
			f := stt.NewFake(track)
			sttMu.Lock()
			if track == audio.TrackInbound {
				fakeSTT = f
			}
			sttMu.Unlock()
			return f, nil
		},
		Synth:   &tts.Fake{},
		Latency: s.deps.Latency,
		Log:     s.log.With().Str("synthetic", callID).Logger(),
		Met:     s.met,
	})

	startMsg, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        streamID,
			"callSid":          callID,
			"customParameters": map[string]string{"from": "+10000000000"},
		},
	})
	conn.push(startMsg)

	// The feeder paces silence frames and speaks one farewell so the
	// graph routes straight to Close.
	go func() {
		frame := make([]byte, audio.FrameBytes)
		for i := range frame {
			frame[i] = 0xFF
		}
		payload := base64.StdEncoding.EncodeToString(frame)
		ticker := time.NewTicker(audio.FrameDuration)
		defer ticker.Stop()
		spoken := false
		for n := 0; ; n++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				msg, _ := json.Marshal(map[string]any{
					"event":     "media",
					"streamSid": streamID,
					"media":     map[string]string{"track": "inbound", "payload": payload},
				})
				conn.push(msg)
				if n == 25 && !spoken {
					spoken = true
					sttMu.Lock()
					f := fakeSTT
					sttMu.Unlock()
					if f != nil {
						f.Emit("thanks, goodbye")
					}
				}
			}
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return sess.Run(runCtx)
}

var _ agent.ChatModel = syntheticLLM{}
