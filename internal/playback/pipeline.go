package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicechat/internal/audio"
	"github.com/eleven-am/voicechat/internal/events"
)

// EventState fires on idle/playing transitions with the new state name.
const EventState = "playback:state"

const (
	StateIdle    = "idle"
	StatePlaying = "playing"
)

type Config struct {
	// SampleRate of inbound synthesized speech.
	SampleRate int
	// MinBuffer is the queued audio required before draining starts, to
	// bridge normal network jitter.
	MinBuffer time.Duration
	// MaxStartDelay bounds how long Play waits for MinBuffer before
	// draining whatever is queued, so a short final chunk is not stranded.
	MaxStartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MinBuffer <= 0 {
		c.MinBuffer = 120 * time.Millisecond
	}
	if c.MaxStartDelay <= 0 {
		c.MaxStartDelay = 300 * time.Millisecond
	}
	return c
}

type entry struct {
	samples []float32
	seq     uint64
}

// Scheduled records when a buffer was rendered, for drift inspection.
type Scheduled struct {
	Seq      uint64
	Start    time.Time
	Duration time.Duration
}

// Pipeline renders bursty inbound PCM16 chunks as continuous speech.
// Buffers are scheduled back-to-back: each start time is the previous
// buffer's end time, so drift introduces neither silence nor overlap.
type Pipeline struct {
	cfg     Config
	sink    Sink
	clock   Clock
	log     *slog.Logger
	emitter *events.Emitter

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []entry
	buffered int
	nextSeq  uint64
	playing  bool
	paused   bool
	stopped  bool
	closed   bool
	volume   float64
	schedule []Scheduled
}

func NewPipeline(cfg Config, sink Sink, clock Clock, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = NewRealClock()
	}
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		sink:    sink,
		clock:   clock,
		log:     log.With("component", "playback"),
		emitter: events.NewEmitter(log),
		volume:  1.0,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// OnState subscribes to idle/playing transitions.
func (p *Pipeline) OnState(fn func(state string)) func() {
	return p.emitter.On(EventState, func(payload any) {
		if s, ok := payload.(string); ok {
			fn(s)
		}
	})
}

// Enqueue converts a PCM16 buffer and appends it to the queue. Empty or
// malformed buffers are dropped.
func (p *Pipeline) Enqueue(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	if len(pcm)%2 != 0 {
		p.log.Warn("dropping malformed audio buffer", "bytes", len(pcm))
		return
	}
	samples := audio.Int16ToFloat32(audio.PCMBytesToInt16(pcm))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, entry{samples: samples, seq: p.nextSeq})
	p.nextSeq++
	p.buffered += len(samples)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Play begins draining once the minimum buffering threshold accumulates,
// or immediately if playback is already active.
func (p *Pipeline) Play() {
	p.mu.Lock()
	if p.playing || p.closed {
		p.mu.Unlock()
		return
	}
	p.playing = true
	p.stopped = false
	p.mu.Unlock()

	p.emitter.Emit(EventState, StatePlaying)
	go p.drain()
}

// Stop halts playback and discards all queued audio. Used for barge-in.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.paused = false
	p.queue = nil
	p.buffered = 0
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Pause suspends rendering without discarding queued audio.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Resume continues after Pause.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// SetVolume sets the scalar gain applied to all output.
func (p *Pipeline) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// IsPlaying reports whether the drain loop is active.
func (p *Pipeline) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Buffered reports the queued sample count.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

// Schedule returns a copy of the rendered-buffer schedule.
func (p *Pipeline) Schedule() []Scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Scheduled, len(p.schedule))
	copy(out, p.schedule)
	return out
}

// Close stops playback and releases the output device.
func (p *Pipeline) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.sink.Close()
}

func (p *Pipeline) minSamples() int {
	return int(p.cfg.MinBuffer.Seconds() * float64(p.cfg.SampleRate))
}

func (p *Pipeline) drain() {
	p.waitForThreshold()

	var nextStart time.Time
	for {
		p.mu.Lock()
		for p.paused && !p.stopped && !p.closed {
			p.cond.Wait()
		}
		if p.stopped || p.closed || len(p.queue) == 0 {
			p.playing = false
			p.mu.Unlock()
			p.emitter.Emit(EventState, StateIdle)
			return
		}
		e := p.queue[0]
		p.queue = p.queue[1:]
		p.buffered -= len(e.samples)
		gain := p.volume
		p.mu.Unlock()

		now := p.clock.Now()
		start := now
		if !nextStart.IsZero() && nextStart.After(now) {
			p.clock.Sleep(nextStart.Sub(now))
			start = nextStart
		} else if !nextStart.IsZero() {
			// We are late; render immediately, the schedule absorbs the
			// drift instead of inserting silence.
			start = nextStart
			if now.After(nextStart) {
				start = now
			}
		}

		duration := time.Duration(float64(len(e.samples)) / float64(p.cfg.SampleRate) * float64(time.Second))

		out := e.samples
		if gain != 1.0 {
			out = make([]float32, len(e.samples))
			for i, s := range e.samples {
				out[i] = s * float32(gain)
			}
		}
		if err := p.sink.Write(out); err != nil {
			p.log.Error("sink write failed", "error", err)
		}

		p.mu.Lock()
		p.schedule = append(p.schedule, Scheduled{Seq: e.seq, Start: start, Duration: duration})
		p.mu.Unlock()

		nextStart = start.Add(duration)
	}
}

// waitForThreshold blocks until enough audio is queued, Stop is called, or
// the start-delay bound elapses.
func (p *Pipeline) waitForThreshold() {
	deadline := p.clock.Now().Add(p.cfg.MaxStartDelay)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.clock.After(p.cfg.MaxStartDelay):
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buffered < p.minSamples() && !p.stopped && !p.closed && p.clock.Now().Before(deadline) {
		p.cond.Wait()
	}
}
