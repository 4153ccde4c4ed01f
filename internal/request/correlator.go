package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/shared"
	"github.com/google/uuid"
)

const DefaultTimeout = 5 * time.Second

// KeyMode selects how pending requests are matched to responses.
type KeyMode int

const (
	// KeyByRequestID generates a unique id per request, carried in the
	// outbound envelope and echoed by the server. Concurrent requests of
	// the same kind resolve independently.
	KeyByRequestID KeyMode = iota

	// KeyByResponseKind keys pending entries by the expected response kind.
	// Two concurrent requests sharing a kind collide: the second
	// registration shadows the first, which only ever resolves by timeout.
	// Kept for servers that do not echo request ids.
	KeyByResponseKind
)

// Transport is the slice of the transport surface the correlator needs.
type Transport interface {
	SendControl(protocol.Envelope) error
	OnControl(fn func(protocol.Envelope))
}

type outcome struct {
	data json.RawMessage
	err  error
}

type pending struct {
	responseKind protocol.MessageKind
	result       chan outcome
	timer        *time.Timer
	createdAt    time.Time
}

// Correlator turns the transport's broadcast delivery into one resolved or
// rejected outcome per logical request.
type Correlator struct {
	tr      Transport
	log     *slog.Logger
	mode    KeyMode
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*pending
}

func NewCorrelator(tr Transport, mode KeyMode, log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	c := &Correlator{
		tr:      tr,
		log:     log.With("component", "correlator"),
		mode:    mode,
		timeout: DefaultTimeout,
		entries: make(map[string]*pending),
	}
	tr.OnControl(c.handleFrame)
	return c
}

// SetTimeout overrides the default per-request timeout.
func (c *Correlator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Send transmits a control frame of requestKind and waits for a frame of
// responseKind, a db_error, or the timeout, whichever comes first.
func (c *Correlator) Send(ctx context.Context, requestKind, responseKind protocol.MessageKind, payload any) (json.RawMessage, error) {
	return c.SendWithTimeout(ctx, requestKind, responseKind, payload, 0)
}

// SendWithTimeout is Send with an explicit deadline for this request only.
// A non-positive timeout falls back to the correlator-wide default.
func (c *Correlator) SendWithTimeout(ctx context.Context, requestKind, responseKind protocol.MessageKind, payload any, timeout time.Duration) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", requestKind, err)
		}
		data = raw
	}

	var requestID string
	key := string(responseKind)
	if c.mode == KeyByRequestID {
		requestID = uuid.NewString()
		key = requestID
	}

	p := &pending{
		responseKind: responseKind,
		result:       make(chan outcome, 1),
		createdAt:    time.Now(),
	}

	c.mu.Lock()
	if timeout <= 0 {
		timeout = c.timeout
	}
	if prev, ok := c.entries[key]; ok {
		// Response-kind collision: the earlier entry is shadowed and will
		// only resolve via its own timer.
		c.log.Warn("pending request shadowed", "key", key, "age", time.Since(prev.createdAt))
	}
	c.entries[key] = p
	p.timer = time.AfterFunc(timeout, func() { c.expire(key, p) })
	c.mu.Unlock()

	if err := c.tr.SendControl(protocol.Envelope{
		Type:      requestKind,
		Data:      data,
		RequestID: requestID,
	}); err != nil {
		c.remove(key, p)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.remove(key, p)
		return nil, ctx.Err()
	case out := <-p.result:
		return out.data, out.err
	}
}

func (c *Correlator) handleFrame(env protocol.Envelope) {
	if env.Type == protocol.KindDBError {
		c.handleError(env)
		return
	}

	var key string
	switch c.mode {
	case KeyByRequestID:
		if env.RequestID == "" {
			return
		}
		key = env.RequestID
	default:
		key = string(env.Type)
	}

	c.mu.Lock()
	p, ok := c.entries[key]
	if ok && p.responseKind == env.Type {
		delete(c.entries, key)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	p.result <- outcome{data: env.Data}
}

// handleError rejects the entry the error frame names, or every pending
// entry when it names none: an unattributed database error cannot be matched
// to a specific caller.
func (c *Correlator) handleError(env protocol.Envelope) {
	err := errors.New(env.Error)

	c.mu.Lock()
	var rejected []*pending
	if env.RequestID != "" {
		if p, ok := c.entries[env.RequestID]; ok {
			delete(c.entries, env.RequestID)
			rejected = append(rejected, p)
		}
	} else {
		for key, p := range c.entries {
			delete(c.entries, key)
			rejected = append(rejected, p)
		}
	}
	c.mu.Unlock()

	for _, p := range rejected {
		p.timer.Stop()
		p.result <- outcome{err: err}
	}
}

func (c *Correlator) expire(key string, p *pending) {
	c.mu.Lock()
	owned := c.entries[key] == p
	if owned {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if owned {
		p.result <- outcome{err: fmt.Errorf("%s: %w", p.responseKind, shared.ErrTimeout)}
		return
	}

	// The entry was shadowed by a newer request for the same key; nothing
	// else will ever resolve it, so the original caller still gets its
	// timeout here.
	select {
	case p.result <- outcome{err: fmt.Errorf("%s: %w", p.responseKind, shared.ErrTimeout)}:
	default:
	}
}

func (c *Correlator) remove(key string, p *pending) {
	c.mu.Lock()
	if c.entries[key] == p {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	p.timer.Stop()
}

// Pending reports how many requests are awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
