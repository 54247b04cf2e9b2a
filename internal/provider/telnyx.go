package provider

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/festnoze/voice-gateway/internal/audio"
)

const telnyxAPIBase = "https://api.telnyx.com/v2"

// Telnyx implements Adapter for Telnyx call streaming. Webhook requests
// carry a shared secret header instead of an HMAC signature.
type Telnyx struct {
	apiKey     string
	secret     string
	httpClient *http.Client
	apiBase    string
}

var _ Adapter = (*Telnyx)(nil)

// NewTelnyx builds the Telnyx adapter.
func NewTelnyx(apiKey, secret string) *Telnyx {
	return &Telnyx{
		apiKey:     apiKey,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBase:    telnyxAPIBase,
	}
}

func (t *Telnyx) Name() string { return "telnyx" }

// AuthenticateRequest compares the shared secret header in constant time.
func (t *Telnyx) AuthenticateRequest(r *http.Request, form url.Values) error {
	if t.secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrAuth)
	}
	got := r.Header.Get("X-Telnyx-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) != 1 {
		return fmt.Errorf("%w: secret mismatch", ErrAuth)
	}
	return nil
}

// ExtractCallData reads the call control id and caller number. Call
// control webhooks carry a JSON envelope; TeXML webhooks post a form.
func (t *Telnyx) ExtractCallData(r *http.Request, form url.Values) (string, string, error) {
	if callID := form.Get("CallSid"); callID != "" {
		return callID, form.Get("From"), nil
	}
	var envelope struct {
		Data struct {
			Payload struct {
				CallControlID string `json:"call_control_id"`
				From          string `json:"from"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return "", "", fmt.Errorf("%w: webhook body: %v", ErrProtocol, err)
	}
	if envelope.Data.Payload.CallControlID == "" {
		return "", "", fmt.Errorf("%w: webhook without call_control_id", ErrProtocol)
	}
	return envelope.Data.Payload.CallControlID, envelope.Data.Payload.From, nil
}

// VerifyCall fetches the call resource and checks it is still alive.
func (t *Telnyx) VerifyCall(ctx context.Context, callID, from string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/calls/"+url.PathEscape(callID), nil)
	if err != nil {
		return fmt.Errorf("telnyx: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCallNotFound, callID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrCallNotFound, callID, resp.StatusCode)
	}

	var body struct {
		Data struct {
			IsAlive bool `json:"is_alive"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !body.Data.IsAlive {
		return fmt.Errorf("%w: %s", ErrCallNotActive, callID)
	}
	return nil
}

// StreamResponse returns TeXML connecting the call to the media WS.
// TeXML mirrors TwiML's Connect/Stream verbs; the call id and caller
// number ride along as custom parameters so the start event can carry
// them back.
func (t *Telnyx) StreamResponse(callID, from, wsURL string) (string, string, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n<Response><Connect><Stream url=\"")
	if err := xml.EscapeText(&b, []byte(wsURL)); err != nil {
		return "", "", fmt.Errorf("telnyx: build texml: %w", err)
	}
	b.WriteString("\" bidirectionalMode=\"rtp\">")
	for _, p := range [][2]string{{"call_id", callID}, {"from", from}} {
		b.WriteString(`<Parameter name="` + p[0] + `" value="`)
		if err := xml.EscapeText(&b, []byte(p[1])); err != nil {
			return "", "", fmt.Errorf("telnyx: build texml: %w", err)
		}
		b.WriteString(`"/>`)
	}
	b.WriteString("</Stream></Connect></Response>")
	return b.String(), "text/xml", nil
}

type telnyxMessage struct {
	Event    string              `json:"event"`
	StreamID string              `json:"stream_id,omitempty"`
	Start    *telnyxStart        `json:"start,omitempty"`
	Media    *telnyxMediaPayload `json:"media,omitempty"`
	Stop     *telnyxStop         `json:"stop,omitempty"`
}

type telnyxStart struct {
	CallControlID string            `json:"call_control_id"`
	From          string            `json:"from"`
	MediaFormat   map[string]any    `json:"media_format"`
	ClientState   map[string]string `json:"client_state"`
	CustomParams  map[string]string `json:"custom_parameters"`
}

type telnyxMediaPayload struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type telnyxStop struct {
	CallControlID string `json:"call_control_id"`
}

// ParseEvent normalizes one Telnyx streaming message.
func (t *Telnyx) ParseEvent(raw []byte) (Event, error) {
	var msg telnyxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch msg.Event {
	case "connected":
		return Event{Kind: EventConnected}, nil

	case "start":
		if msg.Start == nil {
			return Event{}, fmt.Errorf("%w: start without payload", ErrProtocol)
		}
		callID := msg.Start.CallControlID
		if callID == "" {
			callID = msg.Start.CustomParams["call_id"]
		}
		from := msg.Start.From
		if from == "" {
			from = msg.Start.CustomParams["from"]
		}
		return Event{
			Kind:     EventStart,
			StreamID: msg.StreamID,
			CallID:   callID,
			From:     from,
		}, nil

	case "media":
		if msg.Media == nil {
			return Event{}, fmt.Errorf("%w: media without payload", ErrProtocol)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: media payload: %v", ErrProtocol, err)
		}
		track := audio.TrackInbound
		if strings.HasPrefix(msg.Media.Track, "outbound") {
			track = audio.TrackOutbound
		}
		return Event{
			Kind:     EventMedia,
			StreamID: msg.StreamID,
			Track:    track,
			Payload:  payload,
		}, nil

	case "stop":
		var callID string
		if msg.Stop != nil {
			callID = msg.Stop.CallControlID
		}
		return Event{Kind: EventStop, StreamID: msg.StreamID, CallID: callID}, nil

	default:
		return Event{Kind: EventError, Vendor: msg.Event}, nil
	}
}

// MediaMessage builds an outbound media message with base64 payload.
func (t *Telnyx) MediaMessage(streamID string, payload []byte) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "media",
		"stream_id": streamID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// ClearMessage tells Telnyx to drop buffered outbound audio.
func (t *Telnyx) ClearMessage(streamID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "clear",
		"stream_id": streamID,
	})
}

// MarkMessage builds a playback synchronization marker.
func (t *Telnyx) MarkMessage(streamID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "mark",
		"stream_id": streamID,
		"mark":      map[string]string{"name": name},
	})
}

// HangupCall terminates the call through the call control API.
func (t *Telnyx) HangupCall(ctx context.Context, callID string) error {
	u := t.apiBase + "/calls/" + url.PathEscape(callID) + "/actions/hangup"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("telnyx: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telnyx: hangup %s: %w", callID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telnyx: hangup %s: status %d", callID, resp.StatusCode)
	}
	return nil
}

func (t *Telnyx) AudioFormat() audio.Format { return audio.Mulaw8kMono() }
