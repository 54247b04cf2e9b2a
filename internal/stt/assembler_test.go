package stt

import (
	"testing"
	"time"

	"github.com/festnoze/voice-gateway/internal/audio"
)

func fastConfig() AssemblerConfig {
	return AssemblerConfig{
		Silence:               40 * time.Millisecond,
		ContinuationExtension: 120 * time.Millisecond,
		StabilizationGrace:    10 * time.Millisecond,
	}
}

func waitUtterance(t *testing.T, ch <-chan Utterance, timeout time.Duration) Utterance {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(timeout):
		t.Fatal("timed out waiting for utterance")
		return Utterance{}
	}
}

func TestAssemblerFinalizesAfterSilence(t *testing.T) {
	a := NewAssembler(audio.TrackInbound, fastConfig(), nil)
	defer a.Close()

	a.Observe("hello there")

	u := waitUtterance(t, a.Finals(), time.Second)
	if u.Text != "hello there" {
		t.Errorf("Text = %q, want %q", u.Text, "hello there")
	}
	if !u.IsFinal || u.Track != audio.TrackInbound {
		t.Errorf("unexpected utterance: %+v", u)
	}
}

func TestAssemblerEmitsDeltaOnly(t *testing.T) {
	a := NewAssembler(audio.TrackInbound, fastConfig(), nil)
	defer a.Close()

	a.Observe("first part")
	first := waitUtterance(t, a.Finals(), time.Second)
	if first.Text != "first part" {
		t.Fatalf("first = %q", first.Text)
	}

	a.Observe("first part second part")
	second := waitUtterance(t, a.Finals(), time.Second)
	if second.Text != "second part" {
		t.Errorf("second = %q, want delta only", second.Text)
	}
}

func TestAssemblerContinuationWordExtendsWindow(t *testing.T) {
	cfg := fastConfig()
	a := NewAssembler(audio.TrackInbound, cfg, nil)
	defer a.Close()

	a.Observe("I want to book and")

	select {
	case u := <-a.Finals():
		t.Fatalf("utterance %q committed before the extended window", u.Text)
	case <-time.After(cfg.Silence + cfg.StabilizationGrace + 20*time.Millisecond):
	}

	u := waitUtterance(t, a.Finals(), time.Second)
	if u.Text != "I want to book and" {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestAssemblerVoiceActivityDefersFinalization(t *testing.T) {
	cfg := fastConfig()
	a := NewAssembler(audio.TrackInbound, cfg, nil)
	defer a.Close()

	a.Observe("hold on")
	// Keep marking voice energy past the silence window.
	deadline := time.Now().Add(cfg.Silence * 3)
	for time.Now().Before(deadline) {
		a.NoteVoice()
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-a.Finals():
		t.Fatal("utterance committed while voice energy was still present")
	default:
	}

	u := waitUtterance(t, a.Finals(), time.Second)
	if u.Text != "hold on" {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestAssemblerCloseFlushesPendingDelta(t *testing.T) {
	cfg := fastConfig()
	cfg.Silence = time.Hour // never fires on its own
	a := NewAssembler(audio.TrackInbound, cfg, nil)

	a.Observe("goodbye")
	a.Close()

	u, ok := <-a.Finals()
	if !ok {
		t.Fatal("expected flushed utterance before channel close")
	}
	if u.Text != "goodbye" {
		t.Errorf("Text = %q", u.Text)
	}
	if _, ok := <-a.Finals(); ok {
		t.Error("channel should be closed after flush")
	}
}

func TestAssemblerCostFromAudioDuration(t *testing.T) {
	pricer := func(seconds float64) Cost {
		return Cost{Provider: "assemblyai", Seconds: seconds, Amount: seconds * 0.01}
	}
	a := NewAssembler(audio.TrackInbound, fastConfig(), pricer)
	defer a.Close()

	a.NoteAudio(2.0)
	a.Observe("two seconds of speech")

	u := waitUtterance(t, a.Finals(), time.Second)
	if u.Cost.Seconds != 2.0 {
		t.Errorf("Cost.Seconds = %f, want 2.0", u.Cost.Seconds)
	}
	if u.Cost.Amount != 0.02 {
		t.Errorf("Cost.Amount = %f, want 0.02", u.Cost.Amount)
	}
	if u.AudioDuration != 2*time.Second {
		t.Errorf("AudioDuration = %s, want 2s", u.AudioDuration)
	}
}

func TestContinuationWords(t *testing.T) {
	for text, want := range map[string]bool{
		"I want to book and":  true,
		"tell me about":       true,
		"that is all":         false,
		"":                    false,
		"um":                  true,
		"see you tomorrow":    false,
		"what do you think Of": true,
	} {
		if got := isContinuationLikely(text); got != want {
			t.Errorf("isContinuationLikely(%q) = %v, want %v", text, got, want)
		}
	}
}
