// Package outbound turns queued reply text into paced µ-law frames on
// the provider media stream, with caller barge-in support.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/provider"
	"github.com/festnoze/voice-gateway/internal/tts"
)

// SendFunc ships one provider message over the media WebSocket. The
// session serializes writes behind it.
type SendFunc func(msg []byte) error

// Item is one queued utterance for the caller.
type Item struct {
	Text          string
	EnqueuedAt    time.Time
	Interruptible bool

	// OnFirstFrame fires when the item's first audio chunk is queued.
	OnFirstFrame func()
	// OnDone fires with the synthesis cost when the item finishes
	// streaming or is dropped. played reports whether any of the
	// item's audio reached the frame queue; items cut before they
	// started report false.
	OnDone func(item Item, cost tts.Cost, played bool)
}

// Manager owns the speaker side of a call: a worker streams TTS per
// item into a bounded frame buffer, and a pacer ships one frame per
// frame duration. A full buffer stalls the TTS read, which is the
// backpressure bound.
type Manager struct {
	adapter  provider.Adapter
	streamID string
	synth    tts.Synthesizer
	send     SendFunc
	log      zerolog.Logger
	met      *metrics.Metrics

	items  chan Item
	frames chan []byte
	stopCh chan struct{}

	mu          sync.Mutex
	speaking    bool
	current     Item
	cancelItem  context.CancelFunc
	stopped     bool
	workerIdle  chan struct{}
	onFrameSent func()
	onBargeIn   func()
	onError     func(error)
}

// speakRetries is how many fresh synthesis attempts follow a failed
// one, provided no audio reached the caller yet.
const speakRetries = 1

// New builds and starts a manager for one call.
func New(adapter provider.Adapter, streamID string, synth tts.Synthesizer, send SendFunc, frameBuffer int, log zerolog.Logger, met *metrics.Metrics) *Manager {
	if frameBuffer <= 0 {
		frameBuffer = 256
	}
	m := &Manager{
		adapter:    adapter,
		streamID:   streamID,
		synth:      synth,
		send:       send,
		log:        log.With().Str("component", "outbound").Logger(),
		met:        met,
		items:      make(chan Item, 32),
		frames:     make(chan []byte, frameBuffer),
		stopCh:     make(chan struct{}),
		workerIdle: make(chan struct{}, 1),
	}
	go m.worker()
	go m.pacer()
	return m
}

// OnFrameSent registers a hook fired after every frame ships.
func (m *Manager) OnFrameSent(fn func()) {
	m.mu.Lock()
	m.onFrameSent = fn
	m.mu.Unlock()
}

// OnBargeIn registers a hook fired after a successful barge-in. The
// session uses it to cut the agent's in-flight reply stream.
func (m *Manager) OnBargeIn(fn func()) {
	m.mu.Lock()
	m.onBargeIn = fn
	m.mu.Unlock()
}

// OnError registers a hook fired when an item's synthesis fails for
// good. The session counts these on its failure streak.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Enqueue queues one item. It blocks only when the item queue is full.
func (m *Manager) Enqueue(item Item) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	select {
	case <-m.stopCh:
	case m.items <- item:
	}
}

// Speaking reports whether an item is currently streaming.
func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// BargeIn interrupts playback: the in-flight synthesis is canceled,
// queued items and frames are dropped, and the provider is told to
// clear its buffered audio. Returns false when the current item is not
// interruptible.
func (m *Manager) BargeIn() bool {
	m.mu.Lock()
	if m.speaking && !m.current.Interruptible {
		m.mu.Unlock()
		return false
	}
	cancel := m.cancelItem
	m.mu.Unlock()

	// Queued items go first so the worker cannot start one in the gap
	// between canceling the current item and the drain.
	m.drainItems()
	if cancel != nil {
		cancel()
	}
	m.drainFrames()

	if msg, err := m.adapter.ClearMessage(m.streamID); err == nil {
		if err := m.send(msg); err != nil {
			m.log.Warn().Err(err).Msg("clear message send failed")
		}
	}
	if m.met != nil {
		m.met.RecordBargeIn()
	}
	m.log.Info().Msg("barge-in: playback cleared")
	m.mu.Lock()
	hook := m.onBargeIn
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return true
}

// Drain blocks until queued items and frames have fully shipped, or
// ctx expires. Used before hangup so the farewell is heard.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		idle := !m.speaking
		m.mu.Unlock()
		if idle && len(m.items) == 0 && len(m.frames) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the worker and pacer.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancelItem
	close(m.stopCh)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.stopCh:
			return
		case item := <-m.items:
			m.speak(item)
		}
	}
}

func (m *Manager) speak(item Item) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.speaking = true
	m.current = item
	m.cancelItem = cancel
	m.mu.Unlock()

	played := false
	defer func() {
		cancel()
		m.mu.Lock()
		m.speaking = false
		m.cancelItem = nil
		m.mu.Unlock()
		if item.OnDone != nil {
			item.OnDone(item, m.synth.Cost(item.Text), played)
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= speakRetries; attempt++ {
		sent, err := m.streamItem(ctx, item)
		if sent {
			played = true
		}
		if err == nil || ctx.Err() != nil {
			return
		}
		lastErr = err
		if sent {
			// Audio already reached the caller; a fresh attempt would
			// repeat it.
			break
		}
		m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("tts stream failed")
	}

	m.log.Error().Err(lastErr).Msg("tts synthesis failed for item")
	m.mu.Lock()
	hook := m.onError
	m.mu.Unlock()
	if hook != nil {
		hook(lastErr)
	}
}

// streamItem runs one synthesis pass, reframing chunks onto the frame
// queue. sent reports whether any frame was queued.
func (m *Manager) streamItem(ctx context.Context, item Item) (sent bool, err error) {
	audioCh, errCh := m.synth.Stream(ctx, item.Text)

	var remainder []byte
	first := true
	for chunk := range audioCh {
		buf := append(remainder, chunk...)
		frames, rest := audio.Reframe(buf)
		remainder = rest
		for _, frame := range frames {
			if first {
				first = false
				if item.OnFirstFrame != nil {
					item.OnFirstFrame()
				}
			}
			if !m.pushFrame(ctx, frame) {
				return sent, nil
			}
			sent = true
		}
	}
	if err := <-errCh; err != nil && ctx.Err() == nil {
		return sent, err
	}
	// Pad the tail so the last partial frame is not lost.
	if len(remainder) > 0 {
		if first && item.OnFirstFrame != nil {
			item.OnFirstFrame()
		}
		if m.pushFrame(ctx, audio.PadFrame(remainder)) {
			sent = true
		}
	}
	return sent, nil
}

// pushFrame blocks until the pacer frees a slot, honoring barge-in and
// shutdown. Reports whether the frame was queued.
func (m *Manager) pushFrame(ctx context.Context, frame []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case m.frames <- frame:
		return true
	}
}

func (m *Manager) pacer() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-m.frames:
				m.ship(frame)
			default:
			}
		}
	}
}

func (m *Manager) ship(frame []byte) {
	msg, err := m.adapter.MediaMessage(m.streamID, frame)
	if err != nil {
		m.log.Error().Err(err).Msg("media message build failed")
		return
	}
	if err := m.send(msg); err != nil {
		m.log.Warn().Err(err).Msg("frame send failed")
		return
	}
	if m.met != nil {
		m.met.OutboundFrames.Inc()
	}
	m.mu.Lock()
	hook := m.onFrameSent
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (m *Manager) drainItems() {
	for {
		select {
		case item := <-m.items:
			if item.OnDone != nil {
				item.OnDone(item, tts.Cost{Provider: m.synth.Name()}, false)
			}
		default:
			return
		}
	}
}

func (m *Manager) drainFrames() {
	for {
		select {
		case <-m.frames:
		default:
			return
		}
	}
}
