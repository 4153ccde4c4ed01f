package playback

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voicechat/internal/audio"
)

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.advance(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// advance moves fake time forward and fires any waiters that came due.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var remaining []clockWaiter
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = remaining
	c.mu.Unlock()
}

type recordSink struct {
	mu     sync.Mutex
	writes [][]float32
	closed bool
}

func (s *recordSink) Write(samples []float32) error {
	s.mu.Lock()
	copied := make([]float32, len(samples))
	copy(copied, samples)
	s.writes = append(s.writes, copied)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func testPlaybackLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pcmChunk(sample int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = sample
	}
	return audio.Int16ToPCMBytes(samples)
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipeline_RendersBackToBack(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{MinBuffer: time.Millisecond}, sink, newFakeClock(), testPlaybackLogger())

	p.Enqueue(pcmChunk(100, 320))
	p.Enqueue(pcmChunk(200, 480))
	p.Enqueue(pcmChunk(300, 160))
	p.Play()

	waitCond(t, "all chunks rendered", func() bool { return sink.count() == 3 })
	waitCond(t, "idle", func() bool { return !p.IsPlaying() })

	sched := p.Schedule()
	if len(sched) != 3 {
		t.Fatalf("expected 3 scheduled buffers, got %d", len(sched))
	}
	for i, s := range sched {
		if s.Seq != uint64(i) {
			t.Errorf("buffer %d: expected seq %d, got %d", i, i, s.Seq)
		}
	}
	if sched[0].Duration != 20*time.Millisecond {
		t.Errorf("expected 20ms for 320 samples, got %s", sched[0].Duration)
	}
	for i := 1; i < len(sched); i++ {
		expected := sched[i-1].Start.Add(sched[i-1].Duration)
		if !sched[i].Start.Equal(expected) {
			t.Errorf("buffer %d: expected start %s, got %s", i, expected, sched[i].Start)
		}
	}
}

func TestPipeline_EnqueueDropsMalformedBuffers(t *testing.T) {
	p := NewPipeline(Config{}, &recordSink{}, newFakeClock(), testPlaybackLogger())

	p.Enqueue(nil)
	p.Enqueue([]byte{1})
	p.Enqueue([]byte{1, 2, 3})

	if got := p.Buffered(); got != 0 {
		t.Errorf("expected nothing buffered, got %d samples", got)
	}
}

func TestPipeline_WaitsForMinimumBuffer(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{MinBuffer: 100 * time.Millisecond, MaxStartDelay: time.Hour}, sink, newFakeClock(), testPlaybackLogger())

	p.Enqueue(pcmChunk(1, 320))
	p.Play()

	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no rendering below the threshold, got %d writes", sink.count())
	}

	// 1600 samples at 16kHz cross the 100ms threshold.
	p.Enqueue(pcmChunk(1, 1280))
	waitCond(t, "rendering", func() bool { return sink.count() == 2 })
}

func TestPipeline_StartDelayBoundsBuffering(t *testing.T) {
	sink := &recordSink{}
	cfg := Config{MinBuffer: 10 * time.Second, MaxStartDelay: 20 * time.Millisecond}
	p := NewPipeline(cfg, sink, NewRealClock(), testPlaybackLogger())

	// Far below the threshold: the delay bound must kick in anyway.
	p.Enqueue(pcmChunk(1, 160))
	p.Play()

	waitCond(t, "bounded start", func() bool { return sink.count() == 1 })
}

func TestPipeline_StartDelayFollowsInjectedClock(t *testing.T) {
	sink := &recordSink{}
	clock := newFakeClock()
	cfg := Config{MinBuffer: 10 * time.Second, MaxStartDelay: 100 * time.Millisecond}
	p := NewPipeline(cfg, sink, clock, testPlaybackLogger())

	p.Enqueue(pcmChunk(1, 160))
	p.Play()

	// Fake time has not moved, so the bound has not elapsed.
	time.Sleep(30 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no rendering before the fake clock advances, got %d writes", sink.count())
	}

	clock.advance(150 * time.Millisecond)
	waitCond(t, "bounded start on fake clock", func() bool { return sink.count() == 1 })
}

func TestPipeline_StopDiscardsQueue(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{MinBuffer: time.Hour, MaxStartDelay: time.Hour}, sink, newFakeClock(), testPlaybackLogger())

	var states []string
	var mu sync.Mutex
	p.OnState(func(s string) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	p.Enqueue(pcmChunk(1, 320))
	p.Play()
	p.Stop()

	waitCond(t, "idle after stop", func() bool { return !p.IsPlaying() })
	if got := p.Buffered(); got != 0 {
		t.Errorf("expected queue discarded, got %d samples", got)
	}
	if sink.count() != 0 {
		t.Errorf("expected nothing rendered, got %d writes", sink.count())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StatePlaying || states[1] != StateIdle {
		t.Errorf("expected playing then idle, got %v", states)
	}
}

func TestPipeline_PauseAndResume(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{MinBuffer: time.Millisecond}, sink, newFakeClock(), testPlaybackLogger())

	p.Pause()
	p.Enqueue(pcmChunk(1, 320))
	p.Play()

	time.Sleep(30 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no rendering while paused, got %d writes", sink.count())
	}

	p.Resume()
	waitCond(t, "rendering after resume", func() bool { return sink.count() == 1 })
}

func TestPipeline_VolumeScalesOutput(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{MinBuffer: time.Millisecond}, sink, newFakeClock(), testPlaybackLogger())

	p.SetVolume(0.5)
	p.Enqueue(pcmChunk(16384, 4))
	p.Play()

	waitCond(t, "rendering", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, v := range sink.writes[0] {
		if v != 0.25 {
			t.Errorf("sample %d: expected 0.25, got %f", i, v)
		}
	}
}

func TestPipeline_CloseReleasesSink(t *testing.T) {
	sink := &recordSink{}
	p := NewPipeline(Config{}, sink, newFakeClock(), testPlaybackLogger())

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !sink.closed {
		t.Error("expected the sink to be closed")
	}

	p.Enqueue(pcmChunk(1, 320))
	if got := p.Buffered(); got != 0 {
		t.Errorf("expected enqueue after close to drop, got %d samples", got)
	}
	p.Play()
	if p.IsPlaying() {
		t.Error("expected Play after close to be a no-op")
	}
}
