package inbound

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/stt"
)

// loudFrame is a µ-law frame well above the voice energy floor; 0x00
// decodes near full scale.
func loudFrame() []byte {
	return bytes.Repeat([]byte{0x00}, audio.FrameBytes)
}

// quietFrame decodes to near-zero amplitude.
func quietFrame() []byte {
	return bytes.Repeat([]byte{0xFF}, audio.FrameBytes)
}

func newTestProcessor(t *testing.T, highWater int) (*Processor, *stt.Fake) {
	t.Helper()
	fake := stt.NewFake(audio.TrackInbound)
	p := New(fake, highWater, zerolog.Nop(), metrics.NewForTesting())
	t.Cleanup(p.Stop)
	return p, fake
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFramesForwardedToSTT(t *testing.T) {
	p, fake := newTestProcessor(t, 10)
	p.Activate()

	p.Push(quietFrame())
	p.Push(quietFrame())

	waitFor(t, time.Second, func() bool { return len(fake.AudioChunks()) == 2 })
}

func TestInactiveDiscardsFrames(t *testing.T) {
	p, fake := newTestProcessor(t, 10)

	p.Push(loudFrame())
	time.Sleep(50 * time.Millisecond)
	if got := len(fake.AudioChunks()); got != 0 {
		t.Fatalf("pre-start frames forwarded: %d", got)
	}

	p.Activate()
	p.Push(quietFrame())
	waitFor(t, time.Second, func() bool { return len(fake.AudioChunks()) == 1 })
}

func TestZeroLengthAndOversizedIgnored(t *testing.T) {
	p, fake := newTestProcessor(t, 10)
	p.Activate()

	p.Push(nil)
	p.Push(make([]byte, maxFrameBytes+1))
	p.Push(quietFrame())

	waitFor(t, time.Second, func() bool { return len(fake.AudioChunks()) == 1 })
	if p.Dropped() != 0 {
		t.Fatalf("invalid frames counted as overflow drops: %d", p.Dropped())
	}
}

// blockingSession stalls SendAudio until the gate opens, so the queue
// can be filled deterministically.
type blockingSession struct {
	*stt.Fake
	gate chan struct{}
}

func (b *blockingSession) SendAudio(chunk []byte) error {
	<-b.gate
	return b.Fake.SendAudio(chunk)
}

func TestOverflowDropsOldestAndCounts(t *testing.T) {
	sess := &blockingSession{Fake: stt.NewFake(audio.TrackInbound), gate: make(chan struct{})}
	p := New(sess, 4, zerolog.Nop(), metrics.NewForTesting())
	t.Cleanup(p.Stop)
	p.Activate()

	const pushed = 20
	for i := 0; i < pushed; i++ {
		p.Push(quietFrame())
	}
	// Worker holds at most one frame; the queue holds four more.
	waitFor(t, time.Second, func() bool { return p.Dropped() >= pushed-5 })

	close(sess.gate)
	waitFor(t, time.Second, func() bool {
		return int64(len(sess.AudioChunks()))+p.Dropped() == pushed
	})
}

func TestFrameMetricCountsOnlyAcceptedFrames(t *testing.T) {
	sess := &blockingSession{Fake: stt.NewFake(audio.TrackInbound), gate: make(chan struct{})}
	met := metrics.NewForTesting()
	p := New(sess, 4, zerolog.Nop(), met)
	t.Cleanup(p.Stop)
	t.Cleanup(func() { close(sess.gate) })
	p.Activate()

	// Park the worker on one frame so queue occupancy is known.
	p.Push(quietFrame())
	waitFor(t, time.Second, func() bool { return len(p.queue) == 0 })

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				p.Push(quietFrame())
			}
		}()
	}
	wg.Wait()

	// The worker holds one frame and the queue four more; every other
	// counted frame was accepted and later shed by an overflow. Frames
	// the overflow path lost outright must not inflate the counter.
	want := float64(5 + p.Dropped())
	if got := testutil.ToFloat64(met.InboundFrames); got != want {
		t.Fatalf("accepted frames = %v, want %v", got, want)
	}
}

func TestSpeechOnsetFiresOncePerBurst(t *testing.T) {
	p, _ := newTestProcessor(t, 100)
	p.Activate()

	var mu sync.Mutex
	onsets := 0
	p.OnSpeech(func() {
		mu.Lock()
		onsets++
		mu.Unlock()
	})

	// One burst of voiced frames: a single onset.
	for i := 0; i < 5; i++ {
		p.Push(loudFrame())
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return onsets == 1
	})

	// Quiet run long enough to re-arm, then a second burst.
	for i := 0; i < silenceReset+1; i++ {
		p.Push(quietFrame())
	}
	for i := 0; i < 5; i++ {
		p.Push(loudFrame())
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return onsets == 2
	})
}

func TestOnFrameFiresPerAcceptedFrame(t *testing.T) {
	p, _ := newTestProcessor(t, 100)
	p.Activate()

	var mu sync.Mutex
	frames := 0
	p.OnFrame(func() {
		mu.Lock()
		frames++
		mu.Unlock()
	})

	p.Push(nil)
	p.Push(quietFrame())
	p.Push(quietFrame())

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return frames == 2
	})
}
