package request

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/shared"
)

// fakeTransport records outbound frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu       sync.Mutex
	handlers []func(protocol.Envelope)
	sendErr  error
	sent     chan protocol.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan protocol.Envelope, 16)}
}

func (f *fakeTransport) SendControl(env protocol.Envelope) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) OnControl(fn func(protocol.Envelope)) {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(env protocol.Envelope) {
	f.mu.Lock()
	handlers := make([]func(protocol.Envelope), len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (f *fakeTransport) lastSent(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return protocol.Envelope{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sendResult struct {
	data json.RawMessage
	err  error
}

func sendAsync(c *Correlator, requestKind, responseKind protocol.MessageKind) chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		data, err := c.Send(context.Background(), requestKind, responseKind, nil)
		out <- sendResult{data: data, err: err}
	}()
	return out
}

func TestCorrelator_ResolvesByRequestID(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	result := sendAsync(c, protocol.KindGetCharacters, protocol.KindCharactersData)

	env := tr.lastSent(t)
	if env.Type != protocol.KindGetCharacters {
		t.Fatalf("expected %s, got %s", protocol.KindGetCharacters, env.Type)
	}
	if env.RequestID == "" {
		t.Fatal("expected a request id on the outbound frame")
	}

	tr.deliver(protocol.Envelope{
		Type:      protocol.KindCharactersData,
		Data:      json.RawMessage(`[{"id":"nova-001"}]`),
		RequestID: env.RequestID,
	})

	got := <-result
	if got.err != nil {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if string(got.data) != `[{"id":"nova-001"}]` {
		t.Errorf("unexpected payload: %s", got.data)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", c.Pending())
	}
}

func TestCorrelator_ConcurrentSameKindRequestsResolveIndependently(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	first := sendAsync(c, protocol.KindGetConversation, protocol.KindConversationData)
	firstEnv := tr.lastSent(t)
	second := sendAsync(c, protocol.KindGetConversation, protocol.KindConversationData)
	secondEnv := tr.lastSent(t)

	if firstEnv.RequestID == secondEnv.RequestID {
		t.Fatal("expected distinct request ids")
	}

	// Answer out of order.
	tr.deliver(protocol.Envelope{Type: protocol.KindConversationData, Data: json.RawMessage(`"two"`), RequestID: secondEnv.RequestID})
	tr.deliver(protocol.Envelope{Type: protocol.KindConversationData, Data: json.RawMessage(`"one"`), RequestID: firstEnv.RequestID})

	if got := <-first; got.err != nil || string(got.data) != `"one"` {
		t.Errorf("first request: got %s, %v", got.data, got.err)
	}
	if got := <-second; got.err != nil || string(got.data) != `"two"` {
		t.Errorf("second request: got %s, %v", got.data, got.err)
	}
}

func TestCorrelator_IgnoresResponseWithoutRequestID(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())
	c.SetTimeout(50 * time.Millisecond)

	result := sendAsync(c, protocol.KindGetCharacters, protocol.KindCharactersData)
	tr.lastSent(t)

	// A push of the right kind but without the id must not resolve anything.
	tr.deliver(protocol.Envelope{Type: protocol.KindCharactersData, Data: json.RawMessage(`[]`)})

	got := <-result
	if !errors.Is(got.err, shared.ErrTimeout) {
		t.Errorf("expected timeout, got %v (%s)", got.err, got.data)
	}
}

func TestCorrelator_Timeout(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())
	c.SetTimeout(20 * time.Millisecond)

	_, err := c.Send(context.Background(), protocol.KindGetVoices, protocol.KindVoicesData, nil)
	if !errors.Is(err, shared.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", c.Pending())
	}
}

func TestCorrelator_PerCallTimeoutOverridesDefault(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	start := time.Now()
	_, err := c.SendWithTimeout(context.Background(), protocol.KindGetVoices, protocol.KindVoicesData, nil, 20*time.Millisecond)
	if !errors.Is(err, shared.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= DefaultTimeout {
		t.Errorf("per-call timeout did not take effect, waited %v", elapsed)
	}
	tr.lastSent(t) // drain the timed-out request's frame

	// A follow-up request without an override still resolves normally under
	// the correlator-wide default.
	result := sendAsync(c, protocol.KindGetVoices, protocol.KindVoicesData)
	env := tr.lastSent(t)
	tr.deliver(protocol.Envelope{Type: protocol.KindVoicesData, Data: json.RawMessage(`[]`), RequestID: env.RequestID})
	if got := <-result; got.err != nil || string(got.data) != `[]` {
		t.Errorf("expected the default-timeout request to resolve, got %s, %v", got.data, got.err)
	}
}

func TestCorrelator_ContextCancel(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, protocol.KindGetVoices, protocol.KindVoicesData, nil)
		done <- err
	}()
	tr.lastSent(t)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", c.Pending())
	}
}

func TestCorrelator_DBErrorRejectsAddressedRequest(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	failing := sendAsync(c, protocol.KindDeleteCharacter, protocol.KindCharacterDeleted)
	failingEnv := tr.lastSent(t)
	surviving := sendAsync(c, protocol.KindGetVoices, protocol.KindVoicesData)
	survivingEnv := tr.lastSent(t)

	tr.deliver(protocol.Envelope{Type: protocol.KindDBError, Error: "character not found", RequestID: failingEnv.RequestID})

	got := <-failing
	if got.err == nil || shared.ClassifyError(got.err) != shared.CategoryNotFound {
		t.Errorf("expected a not-found rejection, got %v", got.err)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the other request to stay pending, got %d", c.Pending())
	}

	tr.deliver(protocol.Envelope{Type: protocol.KindVoicesData, Data: json.RawMessage(`[]`), RequestID: survivingEnv.RequestID})
	if got := <-surviving; got.err != nil {
		t.Errorf("surviving request failed: %v", got.err)
	}
}

func TestCorrelator_UnattributedDBErrorRejectsAllPending(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	first := sendAsync(c, protocol.KindGetCharacters, protocol.KindCharactersData)
	tr.lastSent(t)
	second := sendAsync(c, protocol.KindGetVoices, protocol.KindVoicesData)
	tr.lastSent(t)

	tr.deliver(protocol.Envelope{Type: protocol.KindDBError, Error: "database is locked"})

	for _, ch := range []chan sendResult{first, second} {
		if got := <-ch; got.err == nil {
			t.Error("expected every pending request to be rejected")
		}
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", c.Pending())
	}
}

func TestCorrelator_SendFailurePropagates(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("marshal control frame: boom")
	c := NewCorrelator(tr, KeyByRequestID, testLogger())

	if _, err := c.Send(context.Background(), protocol.KindGetVoices, protocol.KindVoicesData, nil); err == nil {
		t.Fatal("expected the transport error to propagate")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", c.Pending())
	}
}

func TestCorrelator_ResponseKindMode_CollisionShadowsFirst(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByResponseKind, testLogger())
	c.SetTimeout(100 * time.Millisecond)

	first := sendAsync(c, protocol.KindGetConversation, protocol.KindConversationData)
	tr.lastSent(t)
	second := sendAsync(c, protocol.KindGetConversation, protocol.KindConversationData)
	tr.lastSent(t)

	tr.deliver(protocol.Envelope{Type: protocol.KindConversationData, Data: json.RawMessage(`"only"`)})

	// The single response resolves exactly one request; the shadowed one
	// cannot be matched anymore and must run into its timeout.
	gotSecond := <-second
	if gotSecond.err != nil || string(gotSecond.data) != `"only"` {
		t.Errorf("second request: got %s, %v", gotSecond.data, gotSecond.err)
	}
	gotFirst := <-first
	if !errors.Is(gotFirst.err, shared.ErrTimeout) {
		t.Errorf("first request: expected timeout, got %s, %v", gotFirst.data, gotFirst.err)
	}
}

func TestCorrelator_ResponseKindMode_ResolvesWithoutRequestID(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByResponseKind, testLogger())

	result := sendAsync(c, protocol.KindGetVoices, protocol.KindVoicesData)
	tr.lastSent(t)

	tr.deliver(protocol.Envelope{Type: protocol.KindVoicesData, Data: json.RawMessage(`[]`)})

	if got := <-result; got.err != nil || string(got.data) != `[]` {
		t.Errorf("got %s, %v", got.data, got.err)
	}
}

func TestCorrelator_ResponseKindMode_IgnoresOtherKinds(t *testing.T) {
	tr := newFakeTransport()
	c := NewCorrelator(tr, KeyByResponseKind, testLogger())
	c.SetTimeout(50 * time.Millisecond)

	result := sendAsync(c, protocol.KindGetVoices, protocol.KindVoicesData)
	tr.lastSent(t)

	tr.deliver(protocol.Envelope{Type: protocol.KindCharactersData, Data: json.RawMessage(`[]`)})

	if got := <-result; !errors.Is(got.err, shared.ErrTimeout) {
		t.Errorf("expected timeout, got %s, %v", got.data, got.err)
	}
}
