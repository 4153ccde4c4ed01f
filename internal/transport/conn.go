package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 30 * time.Second
	defaultSendBuffer   = 128
	maxControlFrameSize = 512 * 1024
)

type Config struct {
	URL          string
	Backoff      Backoff
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = (c.PongTimeout * 9) / 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteWait
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

type wireFrame struct {
	messageType int
	data        []byte
}

// socket wraps one physical websocket with its writer queue. A new socket
// is created per successful dial; pumps for a dead socket never touch its
// successor.
type socket struct {
	ws   *websocket.Conn
	send chan wireFrame
	done chan struct{}
	once sync.Once
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

// Conn owns the single bidirectional connection to the server. It delivers
// inbound control frames, audio frames, and state transitions to registered
// listeners, and recovers from drops with capped exponential backoff until
// Disconnect is called.
type Conn struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	cur       *socket
	state     State
	attempt   int
	reconnect bool
	retry     *time.Timer

	subMu       sync.Mutex
	controlSubs []func(protocol.Envelope)
	audioSubs   []func([]byte)
	stateSubs   []func(State)
}

func NewConn(cfg Config, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		cfg:    cfg.withDefaults(),
		log:    log.With("component", "transport"),
		dialer: &websocket.Dialer{HandshakeTimeout: defaultWriteWait},
		state:  StateDisconnected,
	}
}

// Connect dials the server and enables automatic reconnection. If the
// initial dial fails the error is returned and a retry is scheduled; the
// connection keeps trying until Disconnect.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.reconnect = true
	if c.retry != nil {
		// A retry is already scheduled; take it over so its dial cannot
		// race ours and install a second socket.
		c.retry.Stop()
		c.retry = nil
	}
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if changed {
		c.emitState(StateConnecting)
	}

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		retrying := c.reconnect
		if retrying {
			c.setStateLocked(StateReconnecting)
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		if retrying {
			c.emitState(StateReconnecting)
		}
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	return nil
}

// Disconnect tears the connection down and disables reconnection until the
// next Connect call. Any scheduled retry is cancelled.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	s := c.cur
	c.cur = nil
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
	if changed {
		c.emitState(StateDisconnected)
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// SendControl serializes and transmits a control frame. Not being connected
// is not an error: the frame is dropped and logged, per the delivery
// contract callers rely on the correlator's timeout instead.
func (c *Conn) SendControl(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	c.enqueue(wireFrame{messageType: websocket.TextMessage, data: data}, string(env.Type))
	return nil
}

// SendAudio transmits a binary PCM16 frame as-is. Dropped when not connected.
func (c *Conn) SendAudio(frame []byte) {
	c.enqueue(wireFrame{messageType: websocket.BinaryMessage, data: frame}, "audio")
}

func (c *Conn) enqueue(f wireFrame, kind string) {
	c.mu.Lock()
	s := c.cur
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || s == nil {
		c.log.Debug("dropping frame, not connected", "kind", kind)
		return
	}

	select {
	case s.send <- f:
	case <-s.done:
	default:
		c.log.Warn("send buffer full, dropping frame", "kind", kind)
	}
}

// OnControl registers a listener for inbound control frames. Listeners run
// in registration order on the read loop; a panic in one does not stop the
// others.
func (c *Conn) OnControl(fn func(protocol.Envelope)) {
	c.subMu.Lock()
	c.controlSubs = append(c.controlSubs, fn)
	c.subMu.Unlock()
}

// OnAudio registers a listener for inbound binary audio frames.
func (c *Conn) OnAudio(fn func([]byte)) {
	c.subMu.Lock()
	c.audioSubs = append(c.audioSubs, fn)
	c.subMu.Unlock()
}

// OnState registers a listener for connection state transitions.
func (c *Conn) OnState(fn func(State)) {
	c.subMu.Lock()
	c.stateSubs = append(c.stateSubs, fn)
	c.subMu.Unlock()
}

func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	s := &socket{
		ws:   ws,
		send: make(chan wireFrame, defaultSendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if !c.reconnect || c.cur != nil {
		// Disconnect raced the dial, or a concurrent dial won and its
		// socket is already installed. Only one socket may be live.
		c.mu.Unlock()
		s.close()
		return nil
	}
	c.cur = s
	c.attempt = 0
	changed := c.setStateLocked(StateConnected)
	c.mu.Unlock()
	if changed {
		c.emitState(StateConnected)
	}

	go c.readPump(s)
	go c.writePump(s)
	return nil
}

func (c *Conn) readPump(s *socket) {
	defer c.handleClosed(s)

	s.ws.SetReadLimit(maxControlFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		messageType, data, err := s.ws.ReadMessage()
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
			c.deliverControl(env)
		case websocket.BinaryMessage:
			c.deliverAudio(data)
		}
	}
}

func (c *Conn) writePump(s *socket) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.handleClosed(s)
	}()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.log.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClosed runs when either pump exits. The first caller for the live
// socket decides whether to reconnect; calls for superseded sockets are
// ignored.
func (c *Conn) handleClosed(s *socket) {
	s.close()

	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	next := StateDisconnected
	if c.reconnect {
		next = StateReconnecting
		c.scheduleRetryLocked()
	}
	changed := c.setStateLocked(next)
	c.mu.Unlock()
	if changed {
		c.emitState(next)
	}
}

func (c *Conn) scheduleRetryLocked() {
	delay := c.cfg.Backoff.Delay(c.attempt)
	c.attempt++
	c.log.Info("scheduling reconnect", "attempt", c.attempt, "delay", delay)
	c.retry = time.AfterFunc(delay, c.retryConnect)
}

func (c *Conn) retryConnect() {
	c.mu.Lock()
	if !c.reconnect || c.cur != nil {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	if changed {
		c.emitState(StateConnecting)
	}

	if err := c.dial(context.Background()); err != nil {
		c.log.Warn("reconnect attempt failed", "error", err)
		c.mu.Lock()
		retrying := c.reconnect
		if retrying {
			c.setStateLocked(StateReconnecting)
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		if retrying {
			c.emitState(StateReconnecting)
		}
	}
}

// setStateLocked requires c.mu held and reports whether the state changed.
// Callers emit the transition after releasing the lock so listeners may call
// back into the Conn.
func (c *Conn) setStateLocked(next State) bool {
	if c.state == next {
		return false
	}
	c.state = next
	return true
}

func (c *Conn) emitState(next State) {
	c.subMu.Lock()
	subs := make([]func(State), len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.subMu.Unlock()

	for _, fn := range subs {
		c.safeCallState(fn, next)
	}
}

func (c *Conn) deliverControl(env protocol.Envelope) {
	c.subMu.Lock()
	subs := make([]func(protocol.Envelope), len(c.controlSubs))
	copy(subs, c.controlSubs)
	c.subMu.Unlock()

	for _, fn := range subs {
		c.safeCallControl(fn, env)
	}
}

func (c *Conn) deliverAudio(frame []byte) {
	c.subMu.Lock()
	subs := make([]func([]byte), len(c.audioSubs))
	copy(subs, c.audioSubs)
	c.subMu.Unlock()

	for _, fn := range subs {
		c.safeCallAudio(fn, frame)
	}
}

func (c *Conn) safeCallControl(fn func(protocol.Envelope), env protocol.Envelope) {
	defer c.recoverListener("control")
	fn(env)
}

func (c *Conn) safeCallAudio(fn func([]byte), frame []byte) {
	defer c.recoverListener("audio")
	fn(frame)
}

func (c *Conn) safeCallState(fn func(State), s State) {
	defer c.recoverListener("state")
	fn(s)
}

func (c *Conn) recoverListener(kind string) {
	if r := recover(); r != nil {
		c.log.Error("listener panicked", "kind", kind, "panic", r)
	}
}
