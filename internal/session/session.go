package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/festnoze/voice-gateway/internal/agent"
	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/booking"
	"github.com/festnoze/voice-gateway/internal/config"
	"github.com/festnoze/voice-gateway/internal/inbound"
	"github.com/festnoze/voice-gateway/internal/latency"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/outbound"
	"github.com/festnoze/voice-gateway/internal/provider"
	"github.com/festnoze/voice-gateway/internal/rag"
	"github.com/festnoze/voice-gateway/internal/stt"
	"github.com/festnoze/voice-gateway/internal/store"
	"github.com/festnoze/voice-gateway/internal/tts"
)

// Conn is the slice of the media WebSocket the session uses. The
// gorilla connection satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Retriever abstracts the knowledge-base client; nil means not
// configured.
type Retriever interface {
	agent.Retriever
	CreateConversation(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

var _ Retriever = (*rag.Client)(nil)

// Params wires one call's collaborators.
type Params struct {
	Conn    Conn
	Adapter provider.Adapter
	Cfg     config.Config
	CallID  string

	DB    store.ConversationStore
	Queue *store.RetryQueue

	LLM      agent.ChatModel
	RAG      Retriever
	Calendar booking.Calendar
	Leads    booking.Leads

	NewSTT func(track audio.Track) (stt.Session, error)
	Synth  tts.Synthesizer

	Latency *latency.Writer
	Log     zerolog.Logger
	Met     *metrics.Metrics

	// OnStarted fires once the start event has been processed, after
	// the call id is final. The server registers the session here.
	OnStarted func(*Session)
}

// Session owns one live call from media-stream start to hangup.
type Session struct {
	p      Params
	callID string
	log    zerolog.Logger
	cancel context.CancelFunc

	// populated by the start event
	streamID string
	from     string
	started  chan struct{}

	sttIn  stt.Session
	sttOut stt.Session
	proc   *inbound.Processor
	out    *outbound.Manager

	writeMu chan struct{}

	thread  store.Thread
	persist bool

	// ordered persistence: one worker drains writes so thread messages
	// land in the order the call produced them
	writes       chan store.WriteOp
	writesDone   chan struct{}
	writesMu     sync.Mutex
	writesClosed bool

	// spoken items accumulate here until the logical reply is flushed
	// as a single thread message
	replyMu    sync.Mutex
	replyText  []string
	replyCost  []tts.Cost
	replyStart time.Time

	streak  *agent.Streak
	tracker *turnTracker
	userID  uuid.UUID

	agentUtts  chan stt.Utterance
	interrupts chan struct{}

	hungUp bool
}

// New builds a session. Run starts it.
func New(p Params) *Session {
	log := p.Log
	if p.CallID != "" {
		log = log.With().Str("call_id", p.CallID).Logger()
	}
	s := &Session{
		p:          p,
		callID:     p.CallID,
		log:        log,
		started:    make(chan struct{}),
		writeMu:    make(chan struct{}, 1),
		writes:     make(chan store.WriteOp, 64),
		writesDone: make(chan struct{}),
		streak:     agent.NewStreak(p.Cfg.MaxConsecutiveErrors),
		agentUtts:  make(chan stt.Utterance, 8),
		interrupts: make(chan struct{}, 1),
	}
	return s
}

// CallID returns the vendor-format call id.
func (s *Session) CallID() string { return s.callID }

// send serializes writes on the media WebSocket.
func (s *Session) send(msg []byte) error {
	s.writeMu <- struct{}{}
	defer func() { <-s.writeMu }()
	return s.p.Conn.WriteMessage(websocket.TextMessage, msg)
}

// Run drives the call until the caller hangs up, the gateway ends it,
// or ctx is canceled. It blocks for the call's lifetime.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if s.p.Met != nil {
		s.p.Met.RecordCallStart(s.p.Adapter.Name())
	}
	callStart := time.Now()
	defer func() {
		if s.p.Met != nil {
			s.p.Met.RecordCallEnd(time.Since(callStart).Seconds())
		}
	}()

	go s.persistWorker()

	g, gctx := errgroup.WithContext(ctx)
	// ReadMessage cannot watch ctx; closing the socket unblocks it.
	go func() {
		<-gctx.Done()
		_ = s.p.Conn.Close()
	}()
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.agentLoop(gctx) })

	err := g.Wait()
	s.teardown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// readLoop pulls WebSocket messages and dispatches normalized events.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := s.p.Conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("media socket closed")
			s.cancel()
			return nil
		}
		ev, err := s.p.Adapter.ParseEvent(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad media message")
			continue
		}
		switch ev.Kind {
		case provider.EventConnected:
			s.log.Debug().Msg("media stream connected")
		case provider.EventStart:
			s.handleStart(ctx, ev)
		case provider.EventMedia:
			s.handleMedia(ev)
		case provider.EventMark:
			s.log.Debug().Str("mark", ev.Mark).Msg("mark acknowledged")
		case provider.EventDTMF:
			s.log.Info().Str("digit", ev.Digit).Msg("dtmf received")
		case provider.EventStop:
			s.log.Info().Msg("caller ended the stream")
			s.cancel()
			return nil
		case provider.EventError:
			s.log.Warn().Str("vendor", ev.Vendor).Msg("unrecognized media event")
		}
	}
}

func (s *Session) handleStart(ctx context.Context, ev provider.Event) {
	select {
	case <-s.started:
		s.log.Warn().Msg("duplicate start event ignored")
		return
	default:
	}

	s.streamID = ev.StreamID
	s.from = ev.From
	if s.from == "" {
		s.from = "unknown"
	}
	if ev.CallID != "" {
		s.callID = ev.CallID
	}
	s.log = s.p.Log.With().Str("call_id", s.callID).Str("stream_id", s.streamID).Logger()
	s.log.Info().Str("from", s.from).Msg("media stream started")

	sttIn, err := s.p.NewSTT(audio.TrackInbound)
	if err != nil {
		s.log.Error().Err(err).Msg("inbound transcription unavailable")
		s.cancel()
		return
	}
	if err := sttIn.Start(ctx); err != nil {
		s.log.Error().Err(err).Msg("inbound transcription start failed")
		s.cancel()
		return
	}
	s.sttIn = sttIn

	if s.p.Cfg.OutboundSTTEnabled {
		if sttOut, err := s.p.NewSTT(audio.TrackOutbound); err == nil {
			if err := sttOut.Start(ctx); err == nil {
				s.sttOut = sttOut
			} else {
				s.log.Warn().Err(err).Msg("outbound transcription start failed")
			}
		}
	}

	s.proc = inbound.New(s.sttIn, s.p.Cfg.InboundHighWater, s.log, s.p.Met)
	s.out = outbound.New(s.p.Adapter, s.streamID, s.p.Synth, s.send,
		s.p.Cfg.OutboundFrameBuffer, s.log, s.p.Met)

	convID := s.resolveConversation(ctx)
	s.tracker = newTurnTracker(s.callID, convID, s.p.Latency, s.p.Met, s.log)

	s.proc.OnFrame(s.tracker.FrameIn)
	s.proc.OnSpeech(func() {
		if s.out.Speaking() {
			s.out.BargeIn()
		}
	})
	s.out.OnFrameSent(s.tracker.OutFrame)
	s.out.OnBargeIn(func() {
		select {
		case s.interrupts <- struct{}{}:
		default:
		}
	})
	s.out.OnError(func(err error) {
		s.log.Error().Err(err).Msg("speech synthesis failed")
		s.streak.Fail()
		if s.streak.Exceeded() {
			s.log.Error().Msg("speech synthesis failing repeatedly, ending call")
			s.cancel()
		}
	})
	s.proc.Activate()

	go s.watchUtterances(ctx)
	go s.watchSTTErrors(ctx)
	go s.watchVoice(ctx)
	if s.sttOut != nil {
		go s.watchOutboundTranscript(ctx)
	}

	if s.p.OnStarted != nil {
		s.p.OnStarted(s)
	}
	close(s.started)
}

// resolveConversation creates the persistence thread and the knowledge
// base conversation. Failures downgrade rather than end the call.
func (s *Session) resolveConversation(ctx context.Context) string {
	var userID uuid.UUID
	if s.p.DB != nil {
		opCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		user, err := s.p.DB.EnsureUser(opCtx, s.from, "phone")
		if err != nil {
			s.log.Warn().Err(err).Msg("user resolution failed, call continues without persistence")
		} else {
			userID = user.ID
			s.userID = userID
			thread, err := s.p.DB.CreateThread(opCtx, user, "phone call from "+s.from)
			if err != nil {
				s.log.Warn().Err(err).Msg("thread creation failed, call continues without persistence")
			} else {
				s.thread = thread
				s.persist = true
			}
		}
	}
	if s.persist {
		return s.thread.ID.String()
	}
	return ""
}

func (s *Session) handleMedia(ev provider.Event) {
	if ev.Track == audio.TrackOutbound {
		if s.sttOut != nil {
			if err := s.sttOut.SendAudio(ev.Payload); err != nil {
				s.log.Debug().Err(err).Msg("outbound stt send failed")
			}
		}
		return
	}
	if s.proc != nil {
		s.proc.Push(ev.Payload)
	}
}

// watchUtterances forwards final inbound utterances to the agent,
// stamping latency and persisting the caller's words on the way.
func (s *Session) watchUtterances(ctx context.Context) {
	defer close(s.agentUtts)
	for {
		select {
		case <-ctx.Done():
			return
		case utt, ok := <-s.sttIn.Utterances():
			if !ok {
				return
			}
			if !utt.IsFinal || strings.TrimSpace(utt.Text) == "" {
				continue
			}
			s.tracker.STTFinal()
			if s.p.Met != nil {
				s.p.Met.RecordUtterance(string(utt.Track), utt.AudioDuration.Seconds())
			}
			s.log.Info().Str("text", utt.Text).Msg("caller said")
			// Whatever the gateway managed to say so far is one reply;
			// it must land before the caller's next words.
			s.flushAssistant()
			s.persistMessage(store.RoleUser, utt.Text, utt.AudioDuration,
				costJSON(utt.Cost.Provider, utt.Cost))
			select {
			case s.agentUtts <- utt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// watchOutboundTranscript drains the diagnostic transcription of the
// gateway's own speech. It only feeds the logs.
func (s *Session) watchOutboundTranscript(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case utt, ok := <-s.sttOut.Utterances():
			if !ok {
				return
			}
			if utt.IsFinal && strings.TrimSpace(utt.Text) != "" {
				s.log.Debug().Str("text", utt.Text).Msg("gateway said")
			}
		}
	}
}

// watchSTTErrors counts terminal transcription failures on the shared
// streak; the broken-dependency limit ends the call.
func (s *Session) watchSTTErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.sttIn.Errors():
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			s.log.Error().Err(err).Msg("transcription error")
			if s.p.Met != nil {
				s.p.Met.RecordSTTError(s.p.Cfg.STTProvider, "stream")
			}
			s.streak.Fail()
			if s.streak.Exceeded() {
				s.log.Error().Msg("transcription failing repeatedly, ending call")
				s.say("I'm sorry, I'm having trouble hearing you. We'll call you back shortly.", false)
				if err := s.hangup(ctx); err != nil {
					s.log.Warn().Err(err).Msg("hangup after transcription failures failed")
				}
				s.cancel()
				return
			}
		}
	}
}

// watchVoice is the barge-in backstop: sampled voice energy during
// playback interrupts it even when the onset callback was missed.
func (s *Session) watchVoice(ctx context.Context) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.out.Speaking() && s.sttIn.RecentVoice(150*time.Millisecond) {
				s.out.BargeIn()
			}
		}
	}
}

func (s *Session) agentLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.started:
	}

	deps := &agent.Deps{
		LLM:          s.p.LLM,
		Calendar:     s.p.Calendar,
		Leads:        s.p.Leads,
		Utterances:   s.agentUtts,
		Interrupts:   s.interrupts,
		Say:          s.say,
		Hangup:       s.hangup,
		CallID:       s.callID,
		CallerNumber: s.from,
		IdleTimeout:  s.p.Cfg.IdleTimeout,
		OnFirstToken: s.tracker.FirstToken,
		Streak:       s.streak,
		Log:          s.log,
		Met:          s.p.Met,
	}
	if s.p.RAG != nil {
		ragCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		convID, err := s.p.RAG.CreateConversation(ragCtx, s.userID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("rag conversation unavailable, falling back to plain model")
		} else {
			deps.RAG = s.p.RAG
			deps.RAGConversation = convID
		}
	}

	st := &agent.State{}
	err := agent.Run(ctx, st, deps)
	s.cancel()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// say enqueues one reply on the outgoing queue. Spoken items
// accumulate on the pending reply; items barge-in drops unspoken never
// reach the transcript.
func (s *Session) say(text string, interruptible bool) {
	s.out.Enqueue(outbound.Item{
		Text:          text,
		Interruptible: interruptible,
		OnFirstFrame:  s.tracker.TTSFrame,
		OnDone: func(item outbound.Item, cost tts.Cost, played bool) {
			if !played {
				return
			}
			s.replyMu.Lock()
			if len(s.replyText) == 0 {
				s.replyStart = item.EnqueuedAt
			}
			s.replyText = append(s.replyText, item.Text)
			s.replyCost = append(s.replyCost, cost)
			s.replyMu.Unlock()
		},
	})
}

// flushAssistant persists the accumulated reply as one thread message.
func (s *Session) flushAssistant() {
	s.replyMu.Lock()
	texts := s.replyText
	costs := s.replyCost
	start := s.replyStart
	s.replyText, s.replyCost = nil, nil
	s.replyMu.Unlock()
	if len(texts) == 0 {
		return
	}

	var total tts.Cost
	for _, c := range costs {
		total.Provider = c.Provider
		total.Model = c.Model
		total.PricePerChar = c.PricePerChar
		total.Chars += c.Chars
		total.Amount += c.Amount
	}
	s.persistMessage(store.RoleAssistant, strings.Join(texts, " "), time.Since(start),
		costJSON(total.Provider, total))
}

// hangup drains the farewell and asks the vendor to end the call.
func (s *Session) hangup(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.p.Cfg.ShutdownTimeout)
	defer cancel()
	if err := s.out.Drain(drainCtx); err != nil {
		s.log.Warn().Err(err).Msg("outgoing audio did not drain in time")
	}
	s.hungUp = true
	hangCtx, cancel2 := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel2()
	if err := s.p.Adapter.HangupCall(hangCtx, s.callID); err != nil {
		return fmt.Errorf("session: hangup: %w", err)
	}
	s.log.Info().Msg("call ended by gateway")
	return nil
}

// persistMessage hands a turn to the write worker so messages land in
// order without blocking the call. A backlogged worker spills to the
// retry queue.
func (s *Session) persistMessage(role int, content string, elapsed time.Duration, cost string) {
	if !s.persist || s.p.DB == nil {
		return
	}
	thread := s.thread
	op := store.WriteOp{
		Describe: "append " + store.RoleName(role) + " message",
		Do: func(ctx context.Context) error {
			msg, err := s.p.DB.AppendMessage(ctx, thread, store.RoleName(role), content, elapsed)
			if err != nil {
				return err
			}
			if cost != "" {
				return s.p.DB.AttachCost(ctx, msg.ID, cost)
			}
			return nil
		},
	}

	s.writesMu.Lock()
	defer s.writesMu.Unlock()
	if s.writesClosed {
		s.retryWrite(op)
		return
	}
	select {
	case s.writes <- op:
	default:
		s.retryWrite(op)
	}
}

func (s *Session) retryWrite(op store.WriteOp) {
	if s.p.Queue != nil {
		s.p.Queue.Enqueue(op)
	}
}

// persistWorker drains writes one at a time. Failed writes go to the
// retry queue instead of stalling the next ones.
func (s *Session) persistWorker() {
	defer close(s.writesDone)
	for op := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := op.Do(ctx)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("op", op.Describe).Msg("message write failed, queued for retry")
			s.retryWrite(op)
		}
	}
}

// costJSON renders a cost record for storage. An empty provider means
// nothing priceable happened.
func costJSON(provider string, record any) string {
	if provider == "" {
		return ""
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	return string(raw)
}

// teardown releases per-call resources after both loops exit.
func (s *Session) teardown() {
	if s.tracker != nil {
		s.tracker.Flush("call ended")
	}
	s.flushAssistant()
	s.writesMu.Lock()
	if !s.writesClosed {
		s.writesClosed = true
		close(s.writes)
	}
	s.writesMu.Unlock()
	select {
	case <-s.writesDone:
	case <-time.After(s.p.Cfg.ShutdownTimeout):
		s.log.Warn().Msg("persistence writes still pending at teardown")
	}
	if s.proc != nil {
		s.proc.Stop()
	}
	if s.sttIn != nil {
		_ = s.sttIn.Close()
	}
	if s.sttOut != nil {
		_ = s.sttOut.Close()
	}
	if s.out != nil {
		s.out.Close()
	}
	_ = s.p.Conn.Close()
	s.log.Info().Bool("gateway_hangup", s.hungUp).Msg("session closed")
}
