package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/voicechat/internal/cache"
	"github.com/eleven-am/voicechat/internal/capture"
	"github.com/eleven-am/voicechat/internal/playback"
	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/request"
	"github.com/eleven-am/voicechat/internal/transport"
)

type Config struct {
	URL            string
	Transport      transport.Config
	Playback       playback.Config
	KeyMode        request.KeyMode
	RequestTimeout time.Duration
}

// Session owns the connection and every pipeline attached to it. It is
// constructed explicitly, passed to collaborators, and torn down with
// Close; nothing in this package is ambient state.
type Session struct {
	log *slog.Logger

	tr  *transport.Conn
	rc  *request.Correlator
	cap *capture.Pipeline
	pb  *playback.Pipeline
	ec  *cache.EntityCache
}

func New(cfg Config, device capture.Device, sink playback.Sink, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}

	tcfg := cfg.Transport
	if tcfg.URL == "" {
		tcfg.URL = cfg.URL
	}

	tr := transport.NewConn(tcfg, log)
	rc := request.NewCorrelator(tr, cfg.KeyMode, log)
	if cfg.RequestTimeout > 0 {
		rc.SetTimeout(cfg.RequestTimeout)
	}

	s := &Session{
		log: log.With("component", "session"),
		tr:  tr,
		rc:  rc,
		cap: capture.NewPipeline(tr, device, log),
		pb:  playback.NewPipeline(cfg.Playback, sink, nil, log),
		ec:  cache.NewEntityCache(rc, log),
	}

	// Inbound synthesized speech goes straight to the playback queue.
	tr.OnAudio(func(frame []byte) {
		s.pb.Enqueue(frame)
		s.pb.Play()
	})

	// Mute capture forwarding while speech is rendering so the microphone
	// does not feed playback back to the server.
	s.pb.OnState(func(state string) {
		s.cap.SetMuted(state == playback.StatePlaying)
	})

	return s
}

// Connect establishes the transport connection and enables reconnection.
func (s *Session) Connect(ctx context.Context) error {
	return s.tr.Connect(ctx)
}

// Close stops capture and playback and disconnects for good.
func (s *Session) Close() error {
	err := s.cap.Destroy()
	if cerr := s.pb.Close(); err == nil {
		err = cerr
	}
	s.tr.Disconnect()
	return err
}

// Transport exposes the connection for state subscriptions.
func (s *Session) Transport() *transport.Conn { return s.tr }

// Capture exposes the microphone pipeline.
func (s *Session) Capture() *capture.Pipeline { return s.cap }

// Playback exposes the speaker pipeline.
func (s *Session) Playback() *playback.Pipeline { return s.pb }

// Cache exposes the entity cache.
func (s *Session) Cache() *cache.EntityCache { return s.ec }

// Requests exposes the correlator for ad hoc typed operations.
func (s *Session) Requests() *request.Correlator { return s.rc }

// SendText submits a typed chat message. Delivery is fire-and-forget; the
// reply arrives as streamed response_chunk pushes.
func (s *Session) SendText(conversationID, text string) error {
	data, err := json.Marshal(protocol.SendTextRequest{ConversationID: conversationID, Text: text})
	if err != nil {
		return err
	}
	return s.tr.SendControl(protocol.Envelope{Type: protocol.KindSendText, Data: data})
}

// Interrupt discards queued playback and tells the server to stop
// synthesizing the current response. Used for barge-in.
func (s *Session) Interrupt() error {
	s.pb.Stop()
	return s.tr.SendControl(protocol.Envelope{Type: protocol.KindInterrupt})
}

// ClearHistory wipes the server-side conversation context.
func (s *Session) ClearHistory(ctx context.Context) error {
	_, err := s.rc.Send(ctx, protocol.KindClearHistory, protocol.KindHistoryClear, nil)
	return err
}

// UpdateModelSettings pushes generation parameters to the server.
func (s *Session) UpdateModelSettings(settings protocol.ModelSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.tr.SendControl(protocol.Envelope{Type: protocol.KindUpdateModelSettings, Data: data})
}

// OnServerEvent delivers pushed frames of the given kind (streamed response
// chunks, STT preview text) to UI collaborators.
func (s *Session) OnServerEvent(kind protocol.MessageKind, fn func(data json.RawMessage)) {
	s.tr.OnControl(func(env protocol.Envelope) {
		if env.Type == kind {
			fn(env.Data)
		}
	})
}

// StartRecording begins streaming microphone audio to the server.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.cap.Start(ctx)
}

// StopRecording ends the current utterance.
func (s *Session) StopRecording() error {
	return s.cap.Stop()
}

func decodeAs[T any](raw json.RawMessage, what string) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", what, err)
	}
	return v, nil
}
