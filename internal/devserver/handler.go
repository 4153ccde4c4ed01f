package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// PCM16 mono at 16kHz.
	audioBytesPerSecond = 32000
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wireMsg struct {
	messageType int
	data        []byte
}

// Handler upgrades websocket clients and serves the control protocol over
// each connection.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger.With("component", "devserver")}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	conn := newClientConn(ws, h.store, h.logger)
	h.logger.Info("client connected", "remote", ws.RemoteAddr())

	ctx := c.Request().Context()
	go conn.writePump(ctx)
	conn.readPump(ctx)

	h.logger.Info("client disconnected", "remote", ws.RemoteAddr())
	return nil
}

// clientConn is one connected client. Inbound audio frames are collected
// per utterance and echoed back as "synthesized speech" paced to real
// time, which gives the client a full audio loop without a TTS engine.
type clientConn struct {
	ws    *websocket.Conn
	store *Store
	log   *slog.Logger

	send chan wireMsg
	done chan struct{}
	once sync.Once

	listening atomic.Bool
	// utteranceGen invalidates in-flight echo playback on interrupt.
	utteranceGen atomic.Int64

	mu        sync.Mutex
	utterance [][]byte
	settings  protocol.ModelSettings
}

func newClientConn(ws *websocket.Conn, store *Store, log *slog.Logger) *clientConn {
	return &clientConn{
		ws:    ws,
		store: store,
		log:   log,
		send:  make(chan wireMsg, 256),
		done:  make(chan struct{}),
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *clientConn) readPump(ctx context.Context) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Error("failed to unmarshal control frame", "error", err)
				continue
			}
			c.handleControl(ctx, env)
		case websocket.BinaryMessage:
			if c.listening.Load() {
				frame := make([]byte, len(data))
				copy(frame, data)
				c.mu.Lock()
				c.utterance = append(c.utterance, frame)
				c.mu.Unlock()
			}
		}
	}
}

func (c *clientConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.log.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) push(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to marshal control frame", "error", err)
		return
	}
	select {
	case c.send <- wireMsg{messageType: websocket.TextMessage, data: data}:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping control frame", "type", env.Type)
	}
}

func (c *clientConn) pushAudio(frame []byte) {
	select {
	case c.send <- wireMsg{messageType: websocket.BinaryMessage, data: frame}:
	case <-c.done:
	}
}

// echoUtterance streams the collected microphone audio back to the client
// paced to real time, standing in for a synthesis engine.
func (c *clientConn) echoUtterance(ctx context.Context, frames [][]byte, gen int64) {
	limiter := rate.NewLimiter(rate.Limit(audioBytesPerSecond), audioBytesPerSecond)
	for _, frame := range frames {
		if c.utteranceGen.Load() != gen {
			return
		}
		if err := limiter.WaitN(ctx, len(frame)); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.pushAudio(frame)
	}
}
