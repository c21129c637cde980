package hook

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
)

func value(v any) Func {
	return func(context.Context, any) (any, error) { return v, nil }
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := NewBus(WithLogger(logging.Nop()))

	var order []string
	record := func(name string) Func {
		return func(context.Context, any) (any, error) {
			order = append(order, name)
			return nil, nil
		}
	}
	bus.Register("a", "order.created", "low", 0, record("a.low"))
	bus.Register("b", "order.created", "high", 10, record("b.high"))
	bus.Register("c", "order.created", "mid", 5, record("c.mid"))
	bus.Register("d", "order.created", "mid2", 5, record("d.mid2"))

	results := bus.Dispatch(context.Background(), "order.created", nil)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	want := []string{"b.high", "c.mid", "d.mid2", "a.low"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestDispatchPassesPayload(t *testing.T) {
	bus := NewBus(WithLogger(logging.Nop()))
	bus.Register("a", "ping", "echo", 0, func(_ context.Context, payload any) (any, error) {
		return payload, nil
	})

	results := bus.Dispatch(context.Background(), "ping", "pong")
	if results[0].Value != "pong" {
		t.Errorf("Value = %v, want pong", results[0].Value)
	}
	if results[0].Owner != "a" || results[0].Handler != "echo" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	m := metrics.New()
	bus := NewBus(WithLogger(logging.Nop()), WithMetrics(m))

	bus.Register("panics", "evt", "boom", 3, func(context.Context, any) (any, error) {
		panic("kaboom")
	})
	bus.Register("errs", "evt", "fail", 2, func(context.Context, any) (any, error) {
		return nil, errors.New("sandbox error")
	})
	bus.Register("ok", "evt", "fine", 1, value("done"))

	results := bus.Dispatch(context.Background(), "evt", nil)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err == nil || results[0].Error == "" {
		t.Error("panicking handler should report an error")
	}
	if results[1].Err == nil {
		t.Error("failing handler should report an error")
	}
	if results[2].Err != nil || results[2].Value != "done" {
		t.Errorf("last handler = %+v, want done", results[2])
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`mercury_hook_dispatches_total{event="evt",result="error"} 2`,
		`mercury_hook_dispatches_total{event="evt",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestInterpretResult(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{"nil", nil, false},
		{"true", true, false},
		{"false", false, true},
		{"string", "anything", false},
		{"error field", map[string]any{"error": "bad"}, true},
		{"empty error field", map[string]any{"error": ""}, false},
		{"status false", map[string]any{"status": false}, true},
		{"status failed", map[string]any{"status": "failed", "message": "nope"}, true},
		{"status ok", map[string]any{"status": "ok"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interpret(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("interpret(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrHandlerFailed) {
				t.Errorf("error %v does not wrap ErrHandlerFailed", err)
			}
		})
	}
}

func TestUnregisterOwner(t *testing.T) {
	bus := NewBus(WithLogger(logging.Nop()))
	bus.Register("a", "e1", "h1", 0, value(1))
	bus.Register("a", "e2", "h2", 0, value(2))
	bus.Register("b", "e1", "h3", 0, value(3))

	if got := len(bus.Bindings("a")); got != 2 {
		t.Fatalf("Bindings(a) = %d, want 2", got)
	}
	if got := bus.UnregisterOwner("a"); got != 2 {
		t.Errorf("UnregisterOwner = %d, want 2", got)
	}
	if bus.HasHandlers("e2") {
		t.Error("e2 should have no handlers")
	}
	if got := bus.Events(); !reflect.DeepEqual(got, []string{"e1"}) {
		t.Errorf("Events = %v, want [e1]", got)
	}
	if got := bus.UnregisterOwner("missing"); got != 0 {
		t.Errorf("UnregisterOwner(missing) = %d, want 0", got)
	}
}

func TestDispatchStopsOnCanceledContext(t *testing.T) {
	bus := NewBus(WithLogger(logging.Nop()))
	bus.Register("a", "evt", "h", 0, value(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := bus.Dispatch(ctx, "evt", nil); len(got) != 0 {
		t.Errorf("got %d results after cancel, want 0", len(got))
	}
}
