package audio

// Track identifies the direction of a media stream leg.
type Track string

const (
	// TrackInbound is caller audio arriving from the phone network.
	TrackInbound Track = "inbound"
	// TrackOutbound is synthesized audio the gateway plays to the caller.
	TrackOutbound Track = "outbound"
)
