package provider

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Twilio call SIDs are "CA" followed by 32 hex characters, which is
// exactly a UUID with the first two hex digits replaced. The mapping
// below is a bijection so conversation ids can round-trip to call ids.

const callSIDPrefix = "CA"

// CallIDToUUID maps a vendor call id to a deterministic UUID. Telnyx
// ids are UUIDs already and pass through after validation.
func CallIDToUUID(callID string) (uuid.UUID, error) {
	if id, err := uuid.Parse(callID); err == nil {
		return id, nil
	}
	if !strings.HasPrefix(callID, callSIDPrefix) || len(callID) != len(callSIDPrefix)+32 {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrBadCallID, callID)
	}
	hex := strings.ToLower(callID[len(callSIDPrefix):])
	id, err := uuid.Parse(hex[:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrBadCallID, callID)
	}
	return id, nil
}

// UUIDToCallID maps a UUID produced by CallIDToUUID back to the Twilio
// call SID form.
func UUIDToCallID(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return callSIDPrefix + hex
}
