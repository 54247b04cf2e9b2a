package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/festnoze/voice-gateway/internal/audio"
)

// Twilio implements Adapter for Twilio Media Streams.
type Twilio struct {
	accountSID string
	authToken  string
	client     *twilio.RestClient
}

var _ Adapter = (*Twilio)(nil)

// NewTwilio builds the Twilio adapter.
func NewTwilio(accountSID, authToken string) *Twilio {
	return &Twilio{
		accountSID: accountSID,
		authToken:  authToken,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

func (t *Twilio) Name() string { return "twilio" }

// AuthenticateRequest validates X-Twilio-Signature: HMAC-SHA1 over the
// full request URL concatenated with the sorted form parameters.
func (t *Twilio) AuthenticateRequest(r *http.Request, form url.Values) error {
	if t.authToken == "" {
		return fmt.Errorf("%w: auth token not configured", ErrAuth)
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return fmt.Errorf("%w: missing X-Twilio-Signature", ErrAuth)
	}

	data := requestURL(r)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + form.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(t.authToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", ErrAuth)
	}
	return nil
}

// ExtractCallData reads CallSid and From from the webhook form.
func (t *Twilio) ExtractCallData(r *http.Request, form url.Values) (string, string, error) {
	callID := form.Get("CallSid")
	if callID == "" {
		return "", "", fmt.Errorf("%w: webhook without CallSid", ErrProtocol)
	}
	return callID, form.Get("From"), nil
}

// VerifyCall fetches the call resource and checks it is still answerable.
func (t *Twilio) VerifyCall(ctx context.Context, callID, from string) error {
	call, err := t.client.Api.FetchCall(callID, &twilioApi.FetchCallParams{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCallNotFound, callID, err)
	}
	if call.Status == nil {
		return fmt.Errorf("%w: %s has no status", ErrCallNotActive, callID)
	}
	switch *call.Status {
	case "queued", "ringing", "in-progress":
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrCallNotActive, callID, *call.Status)
	}
}

// StreamResponse returns TwiML connecting the call to the media WS.
func (t *Twilio) StreamResponse(callID, from, wsURL string) (string, string, error) {
	stream := &twiml.VoiceStream{
		Url: wsURL,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "callId", Value: callID},
			&twiml.VoiceParameter{Name: "from", Value: from},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	body, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", "", fmt.Errorf("twilio: build twiml: %w", err)
	}
	return body, "text/xml", nil
}

// Media Streams wire structs.
type twilioMessage struct {
	Event     string              `json:"event"`
	StreamSID string              `json:"streamSid,omitempty"`
	Start     *twilioStart        `json:"start,omitempty"`
	Media     *twilioMediaPayload `json:"media,omitempty"`
	Mark      *twilioMark         `json:"mark,omitempty"`
	Stop      *twilioStop         `json:"stop,omitempty"`
	DTMF      *twilioDTMF         `json:"dtmf,omitempty"`
}

type twilioStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  twilioMediaFormat `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type twilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type twilioMediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type twilioDTMF struct {
	Digit string `json:"digit"`
}

// ParseEvent normalizes one Media Streams message.
func (t *Twilio) ParseEvent(raw []byte) (Event, error) {
	var msg twilioMessage
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
		from := msg.Start.CustomParams["from"]
		callID := msg.Start.CallSID
		if callID == "" {
			callID = msg.Start.CustomParams["callId"]
		}
		return Event{
			Kind:     EventStart,
			StreamID: msg.Start.StreamSID,
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
			StreamID: msg.StreamSID,
			Track:    track,
			Payload:  payload,
		}, nil

	case "mark":
		var name string
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		return Event{Kind: EventMark, StreamID: msg.StreamSID, Mark: name}, nil

	case "dtmf":
		var digit string
		if msg.DTMF != nil {
			digit = msg.DTMF.Digit
		}
		return Event{Kind: EventDTMF, StreamID: msg.StreamSID, Digit: digit}, nil

	case "stop":
		var callID string
		if msg.Stop != nil {
			callID = msg.Stop.CallSID
		}
		return Event{Kind: EventStop, StreamID: msg.StreamSID, CallID: callID}, nil

	default:
		return Event{Kind: EventError, Vendor: msg.Event}, nil
	}
}

// MediaMessage builds an outbound media message with base64 payload.
func (t *Twilio) MediaMessage(streamID string, payload []byte) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// ClearMessage tells Twilio to drop any buffered outbound audio.
func (t *Twilio) ClearMessage(streamID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// MarkMessage builds a playback synchronization marker.
func (t *Twilio) MarkMessage(streamID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark":      map[string]string{"name": name},
	})
}

// HangupCall completes the call through the REST API.
func (t *Twilio) HangupCall(ctx context.Context, callID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", callID, err)
	}
	return nil
}

func (t *Twilio) AudioFormat() audio.Format { return audio.Mulaw8kMono() }

// requestURL rebuilds the URL Twilio signed, honoring proxy headers.
func requestURL(r *http.Request) string {
	scheme := "https"
	if fs := r.Header.Get("X-Forwarded-Proto"); fs != "" {
		scheme = fs
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	u := scheme + "://" + host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
