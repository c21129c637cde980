package plugin

import (
	"encoding/json"
	"time"
)

// EventType is the kind of a lifecycle event.
type EventType int

const (
	// EventLoaded is emitted when a plugin becomes active.
	EventLoaded EventType = iota
	// EventUnloaded is emitted when a plugin is removed from the table.
	EventUnloaded
	// EventReloaded is emitted after a successful reload.
	EventReloaded
	// EventError is emitted when a load step fails.
	EventError
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	case EventReloaded:
		return "reloaded"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a plugin lifecycle event.
type Event struct {
	Type     EventType
	PluginID string
	Error    error
	Time     time.Time
}

// MarshalJSON renders the error as a string.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type     EventType `json:"type"`
		PluginID string    `json:"pluginId"`
		Error    string    `json:"error,omitempty"`
		Time     time.Time `json:"time"`
	}{Type: e.Type, PluginID: e.PluginID, Time: e.Time}
	if e.Error != nil {
		out.Error = e.Error.Error()
	}
	return json.Marshal(out)
}

// EventHandler handles lifecycle events.
// Handlers must be non-blocking and should not call back into the Loader
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event Event)

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (l *Loader) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	l.subMu.Lock()
	l.subSeq++
	id := l.subSeq
	l.subscribers[id] = handler
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subscribers, id)
	}
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (l *Loader) emitEvent(t EventType, id string, err error) {
	event := Event{Type: t, PluginID: id, Error: err, Time: time.Now()}

	l.subMu.RLock()
	handlers := make([]EventHandler, 0, len(l.subscribers))
	for _, h := range l.subscribers {
		handlers = append(handlers, h)
	}
	l.subMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Interface("panic", r).Str("event", t.String()).Msg("lifecycle event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}
