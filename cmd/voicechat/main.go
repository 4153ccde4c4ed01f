package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/eleven-am/voicechat/internal/audio"
	"github.com/eleven-am/voicechat/internal/capture"
	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/session"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/ws", "server websocket URL")
		text    = flag.String("text", "", "send a text message and print the streamed reply")
		speak   = flag.Bool("speak", false, "stream a test tone as an utterance and save the synthesized reply")
		outFile = flag.String("out", "reply.pcm", "file for received audio (raw PCM16 @16kHz)")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*url, *text, *speak, *outFile, log); err != nil {
		log.Error("voicechat failed", "error", err)
		os.Exit(1)
	}
}

func run(url, text string, speak bool, outFile string, log *slog.Logger) error {
	sink, err := newFileSink(outFile)
	if err != nil {
		return err
	}

	s := session.New(session.Config{URL: url}, toneDevice{}, sink, log)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Cache().Initialize(ctx); err != nil {
		return err
	}

	for _, ch := range s.Cache().Characters() {
		fmt.Printf("%s\t%s\tvoice=%s\n", ch.ID, ch.Name, ch.Voice)
	}

	if text != "" {
		s.OnServerEvent(protocol.KindResponseChunk, func(data json.RawMessage) {
			fmt.Printf("chunk: %s\n", data)
		})
		if err := s.SendText("", text); err != nil {
			return err
		}
		time.Sleep(time.Second)
	}

	if speak {
		if err := s.StartRecording(ctx); err != nil {
			return err
		}
		time.Sleep(2 * time.Second)
		if err := s.StopRecording(); err != nil {
			return err
		}
		// Wait for the loopback synthesis to drain back.
		time.Sleep(3 * time.Second)
		log.Info("saved synthesized reply", "file", outFile)
	}

	return nil
}

// fileSink writes rendered audio to a raw PCM16 file.
type fileSink struct {
	f *os.File
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) Write(samples []float32) error {
	_, err := s.f.Write(audio.Int16ToPCMBytes(audio.Float32ToInt16(samples)))
	return err
}

func (s *fileSink) Close() error {
	return s.f.Close()
}

// toneDevice stands in for a microphone: it produces a 440Hz tone at
// 48kHz so the capture chain can be exercised without audio hardware.
type toneDevice struct{}

func (toneDevice) Acquire(_ context.Context, _ capture.Constraints) (capture.Source, error) {
	return &toneSource{stop: make(chan struct{})}, nil
}

type toneSource struct {
	stop chan struct{}
}

func (t *toneSource) Start(fn func([]float32)) error {
	go func() {
		const blockSize = 960 // 20ms at 48kHz
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var phase float64
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				block := make([]float32, blockSize)
				for i := range block {
					block[i] = float32(0.3 * math.Sin(phase))
					phase += 2 * math.Pi * 440 / 48000
				}
				fn(block)
			}
		}
	}()
	return nil
}

func (t *toneSource) Stop() error {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	return nil
}
