package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/metrics"
)

// ErrHandlerFailed is returned when a handler reports failure in its result.
var ErrHandlerFailed = errors.New("hook handler failed")

// Func is the code behind a binding, usually a call into a plugin sandbox.
type Func func(ctx context.Context, payload any) (any, error)

// Binding is one registered handler.
type Binding struct {
	Owner    string `json:"owner"`
	Event    string `json:"event"`
	Handler  string `json:"handler"`
	Priority int    `json:"priority"`

	fn  Func
	seq uint64
}

// Result is the outcome of one handler during a dispatch.
type Result struct {
	Owner    string        `json:"owner"`
	Handler  string        `json:"handler"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Bus holds the handlers bound to each event.
type Bus struct {
	mu       sync.RWMutex
	bindings map[string][]*Binding
	seq      uint64

	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMetrics records every handler invocation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		bindings: make(map[string][]*Binding),
		log:      logging.GetSubsystemLogger("hook"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register binds fn to event on behalf of owner. Handlers of equal priority
// run in registration order.
func (b *Bus) Register(owner, event, handler string, priority int, fn Func) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	list := append(b.bindings[event], &Binding{
		Owner:    owner,
		Event:    event,
		Handler:  handler,
		Priority: priority,
		fn:       fn,
		seq:      b.seq,
	})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	b.bindings[event] = list
}

// UnregisterOwner removes every binding of owner and returns how many were
// removed.
func (b *Bus) UnregisterOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for event, list := range b.bindings {
		kept := list[:0]
		for _, bd := range list {
			if bd.Owner == owner {
				count++
				continue
			}
			kept = append(kept, bd)
		}
		if len(kept) == 0 {
			delete(b.bindings, event)
		} else {
			b.bindings[event] = kept
		}
	}
	return count
}

// Dispatch runs every handler bound to event and returns their results in
// the order they ran.
func (b *Bus) Dispatch(ctx context.Context, event string, payload any) []Result {
	b.mu.RLock()
	list := append([]*Binding(nil), b.bindings[event]...)
	b.mu.RUnlock()

	results := make([]Result, 0, len(list))
	for _, bd := range list {
		if ctx.Err() != nil {
			break
		}
		res := b.invoke(ctx, bd, payload)
		b.metrics.HookDispatched(event, res.Err == nil)
		if res.Err != nil {
			res.Error = res.Err.Error()
			b.log.Warn().Err(res.Err).
				Str("plugin", bd.Owner).
				Str("event", event).
				Str("handler", bd.Handler).
				Msg("hook handler failed")
		}
		results = append(results, res)
	}
	return results
}

func (b *Bus) invoke(ctx context.Context, bd *Binding, payload any) (res Result) {
	res = Result{Owner: bd.Owner, Handler: bd.Handler}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("hook handler %s.%s panicked: %v", bd.Owner, bd.Handler, r)
		}
		res.Duration = time.Since(start)
	}()

	v, err := bd.fn(ctx, payload)
	if err != nil {
		res.Err = err
		return res
	}
	res.Value, res.Err = interpret(v)
	return res
}

// HasHandlers reports whether anything is bound to event.
func (b *Bus) HasHandlers(event string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings[event]) > 0
}

// Events returns every event with at least one binding, sorted.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]string, 0, len(b.bindings))
	for event := range b.bindings {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Bindings returns the bindings of owner, or of every owner when owner is
// empty.
func (b *Bus) Bindings(owner string) []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Binding
	for _, list := range b.bindings {
		for _, bd := range list {
			if owner == "" || bd.Owner == owner {
				out = append(out, *bd)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// interpret turns a handler's return value into a result. Handlers signal
// failure by returning false or a table such as
// {status = "error", message = "..."} or {error = "..."}.
func interpret(v any) (any, error) {
	switch r := v.(type) {
	case bool:
		if !r {
			return v, ErrHandlerFailed
		}
	case map[string]any:
		if msg, ok := r["error"].(string); ok && msg != "" {
			return v, fmt.Errorf("%w: %s", ErrHandlerFailed, msg)
		}
		switch status := r["status"].(type) {
		case bool:
			if !status {
				return v, ErrHandlerFailed
			}
		case string:
			if status == "error" || status == "failed" {
				if msg, ok := r["message"].(string); ok {
					return v, fmt.Errorf("%w: %s", ErrHandlerFailed, msg)
				}
				return v, ErrHandlerFailed
			}
		}
	}
	return v, nil
}
