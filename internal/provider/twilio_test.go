package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/festnoze/voice-gateway/internal/audio"
)

func signTwilio(token, reqURL string, form url.Values) string {
	data := reqURL
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioAuthenticateRequest(t *testing.T) {
	adapter := NewTwilio("AC0", "secret-token")

	form := url.Values{}
	form.Set("CallSid", "CA84e35f1d4c9e4b33a1b2c3d4e5f60718")
	form.Set("From", "+15550001111")

	req := httptest.NewRequest("POST", "https://gateway.example.com/webhook/voice", nil)
	req.Host = "gateway.example.com"
	req.Header.Set("X-Twilio-Signature", signTwilio("secret-token", "https://gateway.example.com/webhook/voice", form))

	if err := adapter.AuthenticateRequest(req, form); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	req.Header.Set("X-Twilio-Signature", "bogus")
	if err := adapter.AuthenticateRequest(req, form); !errors.Is(err, ErrAuth) {
		t.Errorf("bad signature err = %v, want ErrAuth", err)
	}

	req.Header.Del("X-Twilio-Signature")
	if err := adapter.AuthenticateRequest(req, form); !errors.Is(err, ErrAuth) {
		t.Errorf("missing signature err = %v, want ErrAuth", err)
	}
}

func TestTwilioExtractCallData(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")

	form := url.Values{}
	form.Set("CallSid", "CA84e35f1d4c9e4b33a1b2c3d4e5f60718")
	form.Set("From", "+15550001111")
	req := httptest.NewRequest("POST", "/webhook/voice", nil)

	callID, from, err := adapter.ExtractCallData(req, form)
	if err != nil {
		t.Fatalf("ExtractCallData: %v", err)
	}
	if callID != "CA84e35f1d4c9e4b33a1b2c3d4e5f60718" || from != "+15550001111" {
		t.Errorf("got %q %q", callID, from)
	}

	if _, _, err := adapter.ExtractCallData(req, url.Values{}); !errors.Is(err, ErrProtocol) {
		t.Errorf("missing CallSid err = %v, want ErrProtocol", err)
	}
}

func TestTwilioParseEventStart(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")
	raw := []byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA84e35f1d4c9e4b33a1b2c3d4e5f60718","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"from":"+15550001111"}}}`)

	ev, err := adapter.ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != EventStart {
		t.Fatalf("Kind = %s, want start", ev.Kind)
	}
	if ev.StreamID != "MZ1" || ev.CallID != "CA84e35f1d4c9e4b33a1b2c3d4e5f60718" || ev.From != "+15550001111" {
		t.Errorf("unexpected start fields: %+v", ev)
	}
}

func TestTwilioParseEventMedia(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")
	payload := []byte{0xff, 0x7f, 0x00, 0x80}
	raw, _ := json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media": map[string]string{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})

	ev, err := adapter.ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != EventMedia || ev.Track != audio.TrackInbound {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if string(ev.Payload) != string(payload) {
		t.Errorf("payload not decoded")
	}
}

func TestTwilioParseEventOutboundTrack(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")
	raw := []byte(`{"event":"media","streamSid":"MZ1","media":{"track":"outbound_track","payload":"` +
		base64.StdEncoding.EncodeToString([]byte{1}) + `"}}`)
	ev, err := adapter.ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Track != audio.TrackOutbound {
		t.Errorf("Track = %s, want outbound", ev.Track)
	}
}

func TestTwilioParseEventErrors(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")

	if _, err := adapter.ParseEvent([]byte("{not json")); !errors.Is(err, ErrProtocol) {
		t.Errorf("bad json err = %v, want ErrProtocol", err)
	}
	if _, err := adapter.ParseEvent([]byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"!!!"}}`)); !errors.Is(err, ErrProtocol) {
		t.Errorf("bad base64 err = %v, want ErrProtocol", err)
	}

	ev, err := adapter.ParseEvent([]byte(`{"event":"somethingelse"}`))
	if err != nil {
		t.Fatalf("unknown event should normalize, got err %v", err)
	}
	if ev.Kind != EventError || ev.Vendor != "somethingelse" {
		t.Errorf("unknown event = %+v, want error kind with vendor tag", ev)
	}
}

func TestTwilioOutboundMessages(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")

	raw, err := adapter.MediaMessage("MZ1", []byte{0xff, 0xff})
	if err != nil {
		t.Fatalf("MediaMessage: %v", err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(raw, &media); err != nil {
		t.Fatal(err)
	}
	if media.Event != "media" || media.StreamSID != "MZ1" {
		t.Errorf("unexpected media message: %s", raw)
	}
	decoded, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil || len(decoded) != 2 {
		t.Errorf("payload not base64 of input: %s", raw)
	}

	raw, err = adapter.ClearMessage("MZ1")
	if err != nil {
		t.Fatalf("ClearMessage: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"clear"`) {
		t.Errorf("unexpected clear message: %s", raw)
	}

	raw, err = adapter.MarkMessage("MZ1", "greeting-done")
	if err != nil {
		t.Fatalf("MarkMessage: %v", err)
	}
	if !strings.Contains(string(raw), `"name":"greeting-done"`) {
		t.Errorf("unexpected mark message: %s", raw)
	}
}

func TestTwilioStreamResponse(t *testing.T) {
	adapter := NewTwilio("AC0", "tok")
	body, contentType, err := adapter.StreamResponse("CA84e35f1d4c9e4b33a1b2c3d4e5f60718", "+15550001111", "wss://gw.example.com/ws/media")
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	if contentType != "text/xml" {
		t.Errorf("contentType = %s", contentType)
	}
	for _, want := range []string{"<Connect>", "wss://gw.example.com/ws/media", "callId", "+15550001111"} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q:\n%s", want, body)
		}
	}
}

func TestTwilioAudioFormat(t *testing.T) {
	f := NewTwilio("AC0", "tok").AudioFormat()
	if f.SampleRate != audio.SampleRate || f.Encoding != "audio/x-mulaw" {
		t.Errorf("unexpected format: %+v", f)
	}
}
