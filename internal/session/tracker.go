package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/latency"
	"github.com/festnoze/voice-gateway/internal/metrics"
)

// turnTracker stamps the stages of one conversational turn and flushes
// a latency record when the first reply frame ships. A new turn opens
// at the first inbound frame after a flush.
type turnTracker struct {
	mu     sync.Mutex
	callID string
	convID string
	index  int
	cur    *latency.Turn

	writer *latency.Writer
	met    *metrics.Metrics
	log    zerolog.Logger
}

func newTurnTracker(callID, convID string, writer *latency.Writer, met *metrics.Metrics, log zerolog.Logger) *turnTracker {
	return &turnTracker{callID: callID, convID: convID, writer: writer, met: met, log: log}
}

func (t *turnTracker) FrameIn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		t.index++
		t.cur = &latency.Turn{
			CallID:            t.callID,
			ConversationID:    t.convID,
			Index:             t.index,
			FirstInboundFrame: time.Now(),
		}
	}
}

func (t *turnTracker) STTFinal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil && t.cur.STTFinal.IsZero() {
		t.cur.STTFinal = time.Now()
	}
}

func (t *turnTracker) FirstToken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil && t.cur.FirstToken.IsZero() {
		t.cur.FirstToken = time.Now()
	}
}

func (t *turnTracker) TTSFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil && t.cur.FirstTTSFrame.IsZero() {
		t.cur.FirstTTSFrame = time.Now()
	}
}

// OutFrame closes the turn on the first outbound frame following a
// queued reply.
func (t *turnTracker) OutFrame() {
	t.mu.Lock()
	if t.cur == nil || t.cur.FirstTTSFrame.IsZero() {
		t.mu.Unlock()
		return
	}
	t.cur.FirstOutbound = time.Now()
	turn := *t.cur
	t.cur = nil
	t.mu.Unlock()
	t.write(turn)
}

// Flush writes whatever turn is open, noting why it ended early.
func (t *turnTracker) Flush(note string) {
	t.mu.Lock()
	if t.cur == nil {
		t.mu.Unlock()
		return
	}
	turn := *t.cur
	turn.Note = note
	t.cur = nil
	t.mu.Unlock()
	t.write(turn)
}

func (t *turnTracker) write(turn latency.Turn) {
	if t.writer != nil {
		if err := t.writer.Write(turn.ToRecord()); err != nil {
			t.log.Warn().Err(err).Msg("latency record write failed")
		}
	}
	if t.met != nil {
		t.met.RecordTurn(turn.Stages())
		if !turn.FirstOutbound.IsZero() {
			t.met.FirstByteLatency.Observe(turn.FirstOutbound.Sub(turn.FirstInboundFrame).Seconds())
		}
	}
}
