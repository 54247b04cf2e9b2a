// Package latency writes one JSON line per conversation turn with the
// monotonic stage timings of the voice pipeline.
package latency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Turn captures the wall-clock stamps of one turn. The zero value of a
// stamp means the stage never happened (e.g. a turn with no RAG call).
type Turn struct {
	CallID         string
	ConversationID string
	Index          int

	FirstInboundFrame time.Time
	STTFinal          time.Time
	FirstToken        time.Time
	FirstTTSFrame     time.Time
	FirstOutbound     time.Time

	// Note records anomalies such as terminal persistence loss.
	Note string
}

// Record is the serialized form: stage offsets in milliseconds from the
// first inbound frame of the turn. Absent stages serialize as -1.
type Record struct {
	At             time.Time `json:"at"`
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id"`
	Turn           int       `json:"turn"`
	STTFinalMS     int64     `json:"stt_final_ms"`
	FirstTokenMS   int64     `json:"first_token_ms"`
	FirstTTSMS     int64     `json:"first_tts_frame_ms"`
	FirstOutMS     int64     `json:"first_outbound_ms"`
	Note           string    `json:"note,omitempty"`
}

func offsetMS(base, t time.Time) int64 {
	if base.IsZero() || t.IsZero() {
		return -1
	}
	return t.Sub(base).Milliseconds()
}

// ToRecord converts stamps to serialized offsets.
func (t Turn) ToRecord() Record {
	return Record{
		At:             time.Now().UTC(),
		CallID:         t.CallID,
		ConversationID: t.ConversationID,
		Turn:           t.Index,
		STTFinalMS:     offsetMS(t.FirstInboundFrame, t.STTFinal),
		FirstTokenMS:   offsetMS(t.FirstInboundFrame, t.FirstToken),
		FirstTTSMS:     offsetMS(t.FirstInboundFrame, t.FirstTTSFrame),
		FirstOutMS:     offsetMS(t.FirstInboundFrame, t.FirstOutbound),
		Note:           t.Note,
	}
}

// Stages returns the per-stage durations in seconds for stages that
// happened, keyed the way the prometheus histogram labels them.
func (t Turn) Stages() map[string]float64 {
	out := make(map[string]float64)
	add := func(stage string, from, to time.Time) {
		if from.IsZero() || to.IsZero() {
			return
		}
		out[stage] = to.Sub(from).Seconds()
	}
	add("stt_final", t.FirstInboundFrame, t.STTFinal)
	add("first_token", t.STTFinal, t.FirstToken)
	add("first_tts_frame", t.FirstToken, t.FirstTTSFrame)
	add("first_outbound", t.FirstTTSFrame, t.FirstOutbound)
	return out
}

// Writer appends records to a JSONL file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewWriter opens (creating if needed) dir/latency.jsonl.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("latency: create dir: %w", err)
	}
	path := filepath.Join(dir, "latency.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("latency: open: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the JSONL file path.
func (w *Writer) Path() string { return w.path }

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("latency: marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("latency: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
