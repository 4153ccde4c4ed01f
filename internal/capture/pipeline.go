package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/voicechat/internal/audio"
	"github.com/eleven-am/voicechat/internal/protocol"
)

var ErrDestroyed = errors.New("capture pipeline destroyed")

// Transport is the slice of the transport surface the pipeline writes to.
type Transport interface {
	SendControl(protocol.Envelope) error
	SendAudio(frame []byte)
}

// Pipeline turns a live microphone stream into fixed 320-sample PCM16
// frames at 16kHz and forwards them to the transport as they are produced.
//
// The resampler and chunker form the reusable processing context: they are
// built once and survive stop/start cycles so repeated recordings do not
// reallocate the graph. Destroy retires them for good.
//
// Frames are not buffered: when the transport is disconnected they are
// dropped, since stale live speech has no replay value.
type Pipeline struct {
	tr     Transport
	device Device
	log    *slog.Logger

	resampler *audio.Resampler
	chunker   *audio.Chunker

	mu        sync.Mutex
	source    Source
	listening bool
	destroyed bool

	muted atomic.Bool
}

func NewPipeline(tr Transport, device Device, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		tr:        tr,
		device:    device,
		log:       log.With("component", "capture"),
		resampler: audio.NewResampler(SourceRate, TargetRate),
		chunker:   audio.NewChunker(audio.FrameSamples),
	}
}

// Start acquires the microphone and begins streaming. A no-op when already
// listening. On acquisition failure any partially acquired source is
// released and the pipeline stays idle.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.listening {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	source, err := p.device.Acquire(ctx, DefaultConstraints())
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}

	if err := source.Start(p.process); err != nil {
		_ = source.Stop()
		return fmt.Errorf("start microphone stream: %w", err)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		_ = source.Stop()
		return ErrDestroyed
	}
	p.source = source
	p.listening = true
	p.resampler.Reset()
	p.chunker.Reset()
	p.mu.Unlock()

	if err := p.tr.SendControl(protocol.Envelope{Type: protocol.KindStartListening}); err != nil {
		p.log.Warn("failed to announce start of utterance", "error", err)
	}
	p.log.Info("recording started")
	return nil
}

// Stop notifies the server of end-of-utterance and releases the microphone.
// The processing context stays usable for the next Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.listening {
		p.mu.Unlock()
		return nil
	}
	source := p.source
	p.source = nil
	p.listening = false
	p.mu.Unlock()

	if err := p.tr.SendControl(protocol.Envelope{Type: protocol.KindStopListening}); err != nil {
		p.log.Warn("failed to announce end of utterance", "error", err)
	}

	var err error
	if source != nil {
		err = source.Stop()
	}
	p.log.Info("recording stopped")
	return err
}

// Destroy stops any active recording and retires the processing context.
func (p *Pipeline) Destroy() error {
	err := p.Stop()

	p.mu.Lock()
	p.destroyed = true
	p.resampler = nil
	p.chunker = nil
	p.mu.Unlock()

	return err
}

// IsListening reports whether the microphone is live.
func (p *Pipeline) IsListening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// SetMuted suppresses frame forwarding without releasing the microphone,
// used to avoid feeding synthesized playback back into the stream.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// process runs on the audio subsystem's goroutine. It must stay
// non-blocking: resample, quantize, cut frames, hand off to the transport.
func (p *Pipeline) process(block []float32) {
	p.mu.Lock()
	if !p.listening || p.destroyed {
		p.mu.Unlock()
		return
	}
	resampled := p.resampler.Process(block)
	frames := p.chunker.Push(audio.Float32ToInt16(resampled))
	p.mu.Unlock()

	if p.muted.Load() {
		return
	}
	for _, frame := range frames {
		p.tr.SendAudio(audio.Int16ToPCMBytes(frame))
	}
}
