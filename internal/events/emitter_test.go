package events

import (
	"io"
	"log/slog"
	"testing"
)

func newTestEmitter() *Emitter {
	return NewEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmitter_OrderedDelivery(t *testing.T) {
	e := newTestEmitter()

	var order []int
	e.On("tick", func(any) { order = append(order, 1) })
	e.On("tick", func(any) { order = append(order, 2) })
	e.On("tick", func(any) { order = append(order, 3) })

	e.Emit("tick", nil)

	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("position %d: expected handler %d, got %d", i, i+1, v)
		}
	}
}

func TestEmitter_PanicDoesNotStopDelivery(t *testing.T) {
	e := newTestEmitter()

	called := false
	e.On("tick", func(any) { panic("boom") })
	e.On("tick", func(any) { called = true })

	e.Emit("tick", nil)

	if !called {
		t.Error("expected the handler after the panicking one to run")
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := newTestEmitter()

	count := 0
	off := e.On("tick", func(any) { count++ })

	e.Emit("tick", nil)
	off()
	e.Emit("tick", nil)
	off()

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestEmitter_PayloadAndIsolationByEvent(t *testing.T) {
	e := newTestEmitter()

	var got any
	e.On("a", func(p any) { got = p })
	e.On("b", func(any) { t.Error("handler for another event ran") })

	e.Emit("a", "payload")

	if got != "payload" {
		t.Errorf("expected payload, got %v", got)
	}
}
