// Package audio holds the µ-law codec and framing helpers shared by the
// inbound and outbound media paths. Telephony media is 8 kHz mono µ-law
// with 20 ms frames (160 samples, one byte per sample).
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000
	// FrameSamples is the sample count of one 20 ms frame.
	FrameSamples = 160
	// FrameBytes is the µ-law byte length of one 20 ms frame.
	FrameBytes = FrameSamples
)

// FrameDuration is the wall-clock length of one media frame.
const FrameDuration = 20 * time.Millisecond

// Format describes the media encoding negotiated with a telephony provider.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Mulaw8kMono is the only format the gateway speaks on the wire.
func Mulaw8kMono() Format {
	return Format{Encoding: "audio/x-mulaw", SampleRate: SampleRate, Channels: 1}
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// DecodeMulaw expands µ-law bytes into 16-bit little-endian PCM.
func DecodeMulaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(mulawDecodeTable[b]))
	}
	return out
}

// EncodeMulaw compresses 16-bit little-endian PCM into µ-law bytes.
// Odd trailing bytes are ignored.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : (i+1)*2]))
		out[i] = encodeSample(s)
	}
	return out
}

func encodeSample(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// RMS computes the root-mean-square energy of 16-bit little-endian PCM.
// Used for speech-onset detection on the inbound track.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : (i+1)*2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Reframe splits a µ-law byte stream into fixed 20 ms frames. The returned
// remainder holds trailing bytes shorter than one frame; callers keep it and
// prepend it to the next chunk.
func Reframe(buf []byte) (frames [][]byte, remainder []byte) {
	for len(buf) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, buf[:FrameBytes])
		frames = append(frames, frame)
		buf = buf[FrameBytes:]
	}
	if len(buf) > 0 {
		remainder = make([]byte, len(buf))
		copy(remainder, buf)
	}
	return frames, remainder
}

// PadFrame zero-pads (µ-law silence, 0xFF) a short tail up to a full frame.
func PadFrame(tail []byte) []byte {
	if len(tail) >= FrameBytes {
		return tail[:FrameBytes]
	}
	frame := make([]byte, FrameBytes)
	copy(frame, tail)
	for i := len(tail); i < FrameBytes; i++ {
		frame[i] = 0xFF
	}
	return frame
}

// DurationSeconds reports the audio length of n µ-law bytes at 8 kHz.
func DurationSeconds(n int) float64 {
	return float64(n) / float64(SampleRate)
}
