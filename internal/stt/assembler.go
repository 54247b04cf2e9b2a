package stt

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/festnoze/voice-gateway/internal/audio"
)

// Utterance finalization is silence-driven: each transcript update arms
// a timer, and only sustained inactivity on both the transcript and the
// raw voice energy lets an utterance commit. Endings that suggest the
// speaker will continue ("and", "if", trailing prepositions) extend the
// window, and a short grace pass absorbs late provider updates.

// AssemblerConfig tunes utterance finalization.
type AssemblerConfig struct {
	Silence               time.Duration
	ContinuationExtension time.Duration
	StabilizationGrace    time.Duration
}

// DefaultAssemblerConfig returns the production finalization windows.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		Silence:               700 * time.Millisecond,
		ContinuationExtension: 1200 * time.Millisecond,
		StabilizationGrace:    250 * time.Millisecond,
	}
}

// Pricer converts transcribed seconds into a Cost record.
type Pricer func(seconds float64) Cost

// Assembler accumulates streaming transcript updates for one track and
// commits delta utterances after silence.
type Assembler struct {
	track  audio.Track
	cfg    AssemblerConfig
	pricer Pricer

	finals chan Utterance
	stopCh chan struct{}

	mu             sync.Mutex
	latest         string
	committed      string
	lastUpdate     time.Time
	lastVoice      time.Time
	audioSeconds   float64
	committedAudio float64
	silenceTimer   *time.Timer
	stopped        bool
}

// NewAssembler builds an assembler for one track.
func NewAssembler(track audio.Track, cfg AssemblerConfig, pricer Pricer) *Assembler {
	now := time.Now()
	return &Assembler{
		track:      track,
		cfg:        cfg,
		pricer:     pricer,
		finals:     make(chan Utterance, 10),
		stopCh:     make(chan struct{}),
		lastUpdate: now,
		lastVoice:  now,
	}
}

// Finals delivers committed utterances.
func (a *Assembler) Finals() <-chan Utterance { return a.finals }

// Observe records a transcript update and arms the silence timer.
func (a *Assembler) Observe(transcript string) {
	if transcript == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.latest = transcript
	a.lastUpdate = time.Now()
	a.armLocked(a.cfg.Silence)
}

// NoteVoice records voice energy in the raw audio.
func (a *Assembler) NoteVoice() {
	a.mu.Lock()
	a.lastVoice = time.Now()
	a.mu.Unlock()
}

// NoteAudio accounts seconds of audio fed to the provider. The next
// committed utterance carries the accumulated duration.
func (a *Assembler) NoteAudio(seconds float64) {
	a.mu.Lock()
	a.audioSeconds += seconds
	a.mu.Unlock()
}

// RecentVoice reports whether voice energy was noted within window.
func (a *Assembler) RecentVoice(window time.Duration) bool {
	a.mu.Lock()
	last := a.lastVoice
	a.mu.Unlock()
	return time.Since(last) <= window
}

// Close flushes any uncommitted delta and stops the timer.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stopCh)
	if a.silenceTimer != nil {
		a.silenceTimer.Stop()
		a.silenceTimer = nil
	}
	utt, ok := a.commitLocked()
	a.mu.Unlock()

	if ok {
		select {
		case a.finals <- utt:
		case <-time.After(200 * time.Millisecond):
		}
	}
	close(a.finals)
}

func (a *Assembler) armLocked(d time.Duration) {
	if a.silenceTimer == nil {
		a.silenceTimer = time.AfterFunc(d, a.finalizeDueToSilence)
		return
	}
	a.silenceTimer.Stop()
	a.silenceTimer.Reset(d)
}

func (a *Assembler) thresholdLocked() time.Duration {
	t := a.cfg.Silence
	if isContinuationLikely(a.latest) {
		t += a.cfg.ContinuationExtension
	}
	return t
}

func (a *Assembler) finalizeDueToSilence() {
	select {
	case <-a.stopCh:
		return
	default:
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	now := time.Now()
	threshold := a.thresholdLocked()
	sinceText := now.Sub(a.lastUpdate)
	sinceVoice := now.Sub(a.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		a.armLocked(wait)
		a.mu.Unlock()
		return
	}
	lastUpdateAt := a.lastUpdate
	a.mu.Unlock()

	// Grace pass: absorb late provider updates before committing.
	time.Sleep(a.cfg.StabilizationGrace)

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if a.lastUpdate.After(lastUpdateAt) {
		threshold := a.thresholdLocked()
		wait := threshold
		if rem := threshold - time.Since(a.lastUpdate); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		a.armLocked(wait)
		a.mu.Unlock()
		return
	}
	utt, ok := a.commitLocked()
	a.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-a.stopCh:
	case a.finals <- utt:
	}
}

// commitLocked computes the delta since the last commit and advances
// the committed marks. Caller holds a.mu.
func (a *Assembler) commitLocked() (Utterance, bool) {
	latest := a.latest
	base := a.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	a.committed = latest
	seconds := a.audioSeconds - a.committedAudio
	a.committedAudio = a.audioSeconds

	if delta == "" {
		return Utterance{}, false
	}
	utt := Utterance{
		Track:         a.track,
		Text:          delta,
		IsFinal:       true,
		AudioDuration: time.Duration(seconds * float64(time.Second)),
	}
	if a.pricer != nil {
		utt.Cost = a.pricer(seconds)
	}
	return utt, true
}

// isContinuationLikely reports whether the last meaningful word suggests
// the speaker is mid-sentence.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
