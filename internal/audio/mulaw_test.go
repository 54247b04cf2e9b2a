package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestMulawRoundTrip_ApproximatesInput(t *testing.T) {
	// µ-law is lossy; round-tripped samples must stay within the quantization
	// error of the companding curve (worst case grows with amplitude).
	values := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	pcm := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(pcm[i*2:(i+1)*2], uint16(v))
	}
	decoded := DecodeMulaw(EncodeMulaw(pcm))
	for i, v := range values {
		got := int16(binary.LittleEndian.Uint16(decoded[i*2 : (i+1)*2]))
		diff := math.Abs(float64(got) - float64(v))
		tolerance := math.Max(64, math.Abs(float64(v))*0.06)
		if diff > tolerance {
			t.Fatalf("sample %d: got %d want ~%d (diff %.0f > %.0f)", i, got, v, diff, tolerance)
		}
	}
}

func TestEncodeMulaw_SilenceIsFF(t *testing.T) {
	pcm := make([]byte, 160*2)
	out := EncodeMulaw(pcm)
	if len(out) != 160 {
		t.Fatalf("expected 160 bytes, got %d", len(out))
	}
	if out[0] != 0xFF {
		t.Fatalf("expected µ-law silence 0xFF, got %#x", out[0])
	}
}

func TestReframe_SplitsAndKeepsRemainder(t *testing.T) {
	buf := make([]byte, FrameBytes*2+50)
	for i := range buf {
		buf[i] = byte(i)
	}
	frames, rem := Reframe(buf)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(rem) != 50 {
		t.Fatalf("expected 50 remainder bytes, got %d", len(rem))
	}
	if frames[1][0] != byte(FrameBytes) {
		t.Fatalf("frame boundary wrong: got %d", frames[1][0])
	}
}

func TestPadFrame_FillsWithSilence(t *testing.T) {
	frame := PadFrame([]byte{1, 2, 3})
	if len(frame) != FrameBytes {
		t.Fatalf("expected full frame, got %d bytes", len(frame))
	}
	if frame[3] != 0xFF || frame[FrameBytes-1] != 0xFF {
		t.Fatalf("expected µ-law silence padding")
	}
}

func TestRMS_LoudVsQuiet(t *testing.T) {
	quiet := make([]byte, 160*2)
	loud := make([]byte, 160*2)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(loud[i*2:(i+1)*2], uint16(int16(5000)))
	}
	if RMS(quiet) != 0 {
		t.Fatalf("expected zero RMS for silence")
	}
	if RMS(loud) < 4000 {
		t.Fatalf("expected high RMS for loud frame, got %f", RMS(loud))
	}
}

func TestDurationSeconds(t *testing.T) {
	if got := DurationSeconds(8000); got != 1.0 {
		t.Fatalf("expected 1s for 8000 bytes, got %f", got)
	}
	if got := DurationSeconds(FrameBytes); got != 0.02 {
		t.Fatalf("expected 20ms per frame, got %f", got)
	}
}
