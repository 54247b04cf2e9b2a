// Package inbound buffers caller audio frames between the media
// WebSocket reader and the transcription session, with speech-onset
// detection for barge-in.
package inbound

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/stt"
)

// voiceRMS is the PCM16 energy floor above which a frame counts as
// speech.
const voiceRMS = 250

// silenceReset is how many consecutive quiet frames re-arm the
// speech-onset trigger (15 frames = 300 ms).
const silenceReset = 15

// maxFrameBytes rejects frames implausibly large for a 20 ms stream
// (half a second of µ-law).
const maxFrameBytes = 4000

// Processor is the incoming audio stage of one call. Frames enter via
// Push from the WebSocket reader and leave through a single worker that
// feeds the transcription session. Overflow drops the oldest frame so
// the caller's most recent audio always survives.
type Processor struct {
	session stt.Session
	log     zerolog.Logger
	met     *metrics.Metrics

	queue  chan []byte
	stopCh chan struct{}
	done   chan struct{}

	active  atomic.Bool
	dropped atomic.Int64

	mu       sync.Mutex
	voiced   bool
	quietRun int
	onSpeech func()
	onFrame  func()
	stopOnce sync.Once
}

// New builds a processor feeding session. highWater bounds the frame
// queue.
func New(session stt.Session, highWater int, log zerolog.Logger, met *metrics.Metrics) *Processor {
	if highWater <= 0 {
		highWater = 200
	}
	p := &Processor{
		session: session,
		log:     log.With().Str("component", "inbound").Logger(),
		met:     met,
		queue:   make(chan []byte, highWater),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// OnSpeech registers the callback fired at each speech onset. The
// outbound manager hooks barge-in here.
func (p *Processor) OnSpeech(fn func()) {
	p.mu.Lock()
	p.onSpeech = fn
	p.mu.Unlock()
}

// OnFrame registers a callback fired for every accepted frame. The
// session uses it to stamp turn start times.
func (p *Processor) OnFrame(fn func()) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

// Activate opens the gate. Frames pushed before the stream's start
// event are discarded.
func (p *Processor) Activate() {
	p.active.Store(true)
}

// Dropped reports how many frames overflow has discarded.
func (p *Processor) Dropped() int64 {
	return p.dropped.Load()
}

// Push accepts one media frame from the WebSocket reader. It never
// blocks: when the queue is full the oldest frame is dropped to make
// room.
func (p *Processor) Push(frame []byte) {
	if !p.active.Load() {
		p.log.Debug().Int("bytes", len(frame)).Msg("frame before start discarded")
		return
	}
	if len(frame) == 0 {
		return
	}
	if len(frame) > maxFrameBytes {
		p.log.Warn().Int("bytes", len(frame)).Msg("oversized frame dropped")
		return
	}
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.queue <- frame:
	default:
		// Full: shed the oldest frame, keep the newest.
		select {
		case <-p.queue:
		default:
		}
		n := p.dropped.Add(1)
		if p.met != nil {
			p.met.RecordInboundDrop(1)
		}
		if n == 1 || n%100 == 0 {
			p.log.Warn().Int64("total_dropped", n).Msg("inbound queue overflow")
		}
		select {
		case p.queue <- frame:
		default:
			// Still full: this frame is lost too.
			return
		}
	}
	if p.met != nil {
		p.met.RecordInboundFrame(len(frame))
	}
}

// Stop ends the worker. Queued frames are abandoned.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

func (p *Processor) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.queue:
			p.process(frame)
		}
	}
}

func (p *Processor) process(frame []byte) {
	p.mu.Lock()
	onFrame := p.onFrame
	p.mu.Unlock()
	if onFrame != nil {
		onFrame()
	}

	p.detectSpeech(frame)

	if err := p.session.SendAudio(frame); err != nil {
		p.log.Warn().Err(err).Msg("stt send failed")
	}
}

// detectSpeech fires the onset callback on the first voiced frame after
// a run of quiet ones.
func (p *Processor) detectSpeech(frame []byte) {
	energy := audio.RMS(audio.DecodeMulaw(frame))

	p.mu.Lock()
	var fire func()
	if energy >= voiceRMS {
		if !p.voiced {
			p.voiced = true
			fire = p.onSpeech
		}
		p.quietRun = 0
	} else if p.voiced {
		p.quietRun++
		if p.quietRun >= silenceReset {
			p.voiced = false
			p.quietRun = 0
		}
	}
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}
