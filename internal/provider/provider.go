// Package provider abstracts the telephony vendor: webhook authentication,
// call verification, the stream-back response and the media WebSocket wire
// format. The rest of the gateway only sees normalized Events and opaque
// outbound message bytes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/config"
)

// Sentinel errors returned by adapters. Callers branch with errors.Is.
var (
	ErrAuth          = errors.New("provider: authentication failed")
	ErrCallNotFound  = errors.New("provider: call not found")
	ErrCallNotActive = errors.New("provider: call not active")
	ErrProtocol      = errors.New("provider: protocol error")
	ErrBadCallID     = errors.New("provider: malformed call id")
)

// EventKind classifies a normalized media stream event.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventMark      EventKind = "mark"
	EventDTMF      EventKind = "dtmf"
	EventStop      EventKind = "stop"
	EventError     EventKind = "error"
)

// Event is a vendor message normalized to the gateway's vocabulary.
// StreamID, CallID and From are set on start; Track and Payload on media.
type Event struct {
	Kind     EventKind
	StreamID string
	CallID   string
	From     string
	Track    audio.Track
	Payload  []byte
	Mark     string
	Digit    string
	// Vendor keeps the raw vendor event name when Kind is EventError.
	Vendor string
}

// Adapter is one telephony vendor. Implementations are safe for
// concurrent use by multiple calls.
type Adapter interface {
	Name() string

	// AuthenticateRequest checks the vendor's webhook signature. A failed
	// check returns an error wrapping ErrAuth.
	AuthenticateRequest(r *http.Request, form url.Values) error

	// ExtractCallData pulls the call id and caller number out of the
	// vendor's webhook request. Requests missing the call id return an
	// error wrapping ErrProtocol.
	ExtractCallData(r *http.Request, form url.Values) (callID, from string, err error)

	// VerifyCall confirms with the vendor REST API that callID exists and
	// is answerable. Errors wrap ErrCallNotFound or ErrCallNotActive.
	VerifyCall(ctx context.Context, callID, from string) error

	// StreamResponse builds the webhook response body that instructs the
	// vendor to open a media stream to wsURL.
	StreamResponse(callID, from, wsURL string) (body string, contentType string, err error)

	// ParseEvent normalizes one raw WebSocket message. Unparseable input
	// returns an error wrapping ErrProtocol.
	ParseEvent(raw []byte) (Event, error)

	// MediaMessage builds the outbound frame message for one payload.
	MediaMessage(streamID string, payload []byte) ([]byte, error)

	// ClearMessage builds the message that flushes the vendor's buffered
	// outbound audio.
	ClearMessage(streamID string) ([]byte, error)

	// MarkMessage builds a playback synchronization marker.
	MarkMessage(streamID, name string) ([]byte, error)

	// HangupCall terminates the call through the vendor REST API.
	HangupCall(ctx context.Context, callID string) error

	// AudioFormat reports the wire audio format of the media stream.
	AudioFormat() audio.Format
}

// New returns the adapter named by cfg.PhoneProvider.
func New(name string, cfg config.Config) (Adapter, error) {
	switch name {
	case "twilio":
		return NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken), nil
	case "telnyx":
		return NewTelnyx(cfg.TelnyxAPIKey, cfg.TelnyxPublicKey), nil
	default:
		return nil, fmt.Errorf("provider: unknown adapter %q", name)
	}
}
