package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voicechat/internal/capture"
	"github.com/eleven-am/voicechat/internal/devserver"
	"github.com/eleven-am/voicechat/internal/playback"
	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/transport"
	"github.com/labstack/echo/v4"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// The tests below run the full client stack against a real dev server over
// a live websocket: transport, correlator, cache, capture and playback all
// exercise their production wiring.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDevServer(t *testing.T) string {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "dev.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store := devserver.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	devserver.NewHandler(store, discardLogger()).Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type loopSource struct {
	mu sync.Mutex
	fn func([]float32)
}

func (s *loopSource) Start(fn func([]float32)) error {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return nil
}

func (s *loopSource) Stop() error { return nil }

func (s *loopSource) feed(block []float32) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(block)
	}
}

type loopDevice struct {
	source *loopSource
}

func (d *loopDevice) Acquire(ctx context.Context, c capture.Constraints) (capture.Source, error) {
	return d.source, nil
}

type countingSink struct {
	mu     sync.Mutex
	writes int
}

func (s *countingSink) Write(samples []float32) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) Close() error { return nil }

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func newTestSession(t *testing.T, url string) (*Session, *loopSource, *countingSink) {
	t.Helper()

	source := &loopSource{}
	sink := &countingSink{}
	s := New(Config{
		URL: url,
		Transport: transport.Config{
			Backoff: transport.Backoff{Base: 50 * time.Millisecond, Max: time.Second},
		},
		Playback:       playback.Config{MinBuffer: 20 * time.Millisecond, MaxStartDelay: 100 * time.Millisecond},
		RequestTimeout: 5 * time.Second,
	}, &loopDevice{source: source}, sink, discardLogger())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, source, sink
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_CharacterLifecycle(t *testing.T) {
	url := startDevServer(t)
	s, _, _ := newTestSession(t, url)
	ctx := context.Background()

	if err := s.Cache().Initialize(ctx); err != nil {
		t.Fatalf("initialize cache: %v", err)
	}
	if got := len(s.Cache().Characters()); got != 0 {
		t.Fatalf("expected an empty roster, got %d", got)
	}

	created, err := s.Cache().CreateCharacter(ctx, protocol.CreateCharacterRequest{Name: "Nova"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	if created.ID != "nova-001" {
		t.Errorf("expected server-assigned id nova-001, got %s", created.ID)
	}

	activated, err := s.Cache().SetCharacterActive(ctx, created.ID, true)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activated.IsActive {
		t.Error("expected the character active")
	}

	if err := s.Cache().DeleteCharacter(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Cache().GetCharacter(created.ID); ok {
		t.Error("expected the character gone from the cache")
	}
}

func TestSession_VoiceRenameCascadesThroughServer(t *testing.T) {
	url := startDevServer(t)
	s, _, _ := newTestSession(t, url)
	ctx := context.Background()

	if err := s.Cache().Initialize(ctx); err != nil {
		t.Fatalf("initialize cache: %v", err)
	}
	if _, err := s.Cache().CreateVoice(ctx, protocol.CreateVoiceRequest{Name: "V"}); err != nil {
		t.Fatalf("create voice: %v", err)
	}
	ch, err := s.Cache().CreateCharacter(ctx, protocol.CreateCharacterRequest{Name: "Nova", Voice: "V"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	newName := "W"
	if _, err := s.Cache().UpdateVoice(ctx, "V", protocol.VoicePatch{NewName: &newName}); err != nil {
		t.Fatalf("rename voice: %v", err)
	}

	cached, _ := s.Cache().GetCharacter(ch.ID)
	if cached.Voice != "W" {
		t.Errorf("expected the cached character to follow the rename, got %q", cached.Voice)
	}

	// The server must agree after a cold refresh.
	if err := s.Cache().Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	refreshed, ok := s.Cache().GetCharacter(ch.ID)
	if !ok || refreshed.Voice != "W" {
		t.Errorf("expected the server-side cascade, got %+v ok=%v", refreshed, ok)
	}
	if _, ok := s.Cache().GetVoice("W"); !ok {
		t.Error("expected the renamed voice on the server")
	}
}

func TestSession_SendTextStreamsResponseChunks(t *testing.T) {
	url := startDevServer(t)
	s, _, _ := newTestSession(t, url)

	var mu sync.Mutex
	var chunks []string
	s.OnServerEvent(protocol.KindResponseChunk, func(data json.RawMessage) {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		mu.Lock()
		chunks = append(chunks, payload.Text)
		mu.Unlock()
	})

	if err := s.SendText("", "the quick brown fox jumps over the lazy dog"); err != nil {
		t.Fatalf("send text: %v", err)
	}

	waitUntil(t, "response chunks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(strings.Join(chunks, " "), "lazy dog")
	})

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) < 2 {
		t.Errorf("expected the reply streamed in chunks, got %d", len(chunks))
	}
}

func TestSession_ClearHistory(t *testing.T) {
	url := startDevServer(t)
	s, _, _ := newTestSession(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ClearHistory(ctx); err != nil {
		t.Fatalf("clear history: %v", err)
	}
}

func TestSession_AudioLoopback(t *testing.T) {
	url := startDevServer(t)
	s, source, sink := newTestSession(t, url)
	ctx := context.Background()

	previews := make(chan string, 1)
	s.OnServerEvent(protocol.KindSTTPreview, func(data json.RawMessage) {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &payload); err == nil {
			select {
			case previews <- payload.Text:
			default:
			}
		}
	})

	if err := s.StartRecording(ctx); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	// 8 blocks of 20ms at 48kHz resample to 8 transmission frames.
	for i := 0; i < 8; i++ {
		source.feed(make([]float32, 960))
	}
	if err := s.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}

	select {
	case preview := <-previews:
		if !strings.Contains(preview, "8 audio frames") {
			t.Errorf("expected all frames to reach the server, got %q", preview)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the transcription preview")
	}

	// The echoed utterance must come back down and reach the speaker.
	waitUntil(t, "playback of the echoed utterance", func() bool { return sink.count() > 0 })
}

func TestSession_InterruptStopsPlayback(t *testing.T) {
	url := startDevServer(t)
	s, _, _ := newTestSession(t, url)

	s.Playback().Enqueue(make([]byte, 640))
	s.Playback().Play()

	if err := s.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	waitUntil(t, "idle playback", func() bool { return !s.Playback().IsPlaying() })
	if got := s.Playback().Buffered(); got != 0 {
		t.Errorf("expected the queue discarded, got %d samples", got)
	}
}
