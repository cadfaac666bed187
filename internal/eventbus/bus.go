// Package eventbus is the typed fan-out of lifecycle events from §4.7:
// listeners run synchronously in registration order within one event, a
// panicking/erroring listener cannot interrupt its siblings, and emit
// iterates a snapshot so a listener may subscribe/unsubscribe during its
// own emission (§5 "event bus is reentrancy-safe").
package eventbus

import (
	"log/slog"
	"sync"
)

// Listener receives event payloads for the Kind it was registered under.
type Listener func(Payload)

// Unsubscribe removes the listener it was returned from.
type Unsubscribe func()

type subscription struct {
	id       uint64
	listener Listener
	once     bool
}

// Bus is a typed, synchronous, reentrancy-safe event fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[Kind][]*subscription
	nextID uint64
	logger *slog.Logger
}

// New creates a Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: map[Kind][]*subscription{}, logger: logger.With("component", "eventbus")}
}

// On registers listener for kind, returning an Unsubscribe.
func (b *Bus) On(kind Kind, listener Listener) Unsubscribe {
	return b.add(kind, listener, false)
}

// Once registers listener for kind, automatically unsubscribing after its
// first invocation.
func (b *Bus) Once(kind Kind, listener Listener) Unsubscribe {
	return b.add(kind, listener, true)
}

func (b *Bus) add(kind Kind, listener Listener, once bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, listener: listener, once: once}
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	return func() { b.remove(kind, sub.id) }
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			b.subs[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners clears listeners for kind, or every kind if kind == "".
func (b *Bus) RemoveAllListeners(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.subs = map[Kind][]*subscription{}
		return
	}
	delete(b.subs, kind)
}

// Emit invokes every listener registered for payload.Kind, in registration
// order, against a snapshot taken before the first call. A listener panic is
// recovered and logged so it cannot interrupt the remaining listeners.
func (b *Bus) Emit(payload Payload) {
	b.mu.Lock()
	snapshot := append([]*subscription(nil), b.subs[payload.Kind]...)
	b.mu.Unlock()

	var onceIDs []uint64
	for _, sub := range snapshot {
		b.invoke(sub, payload)
		if sub.once {
			onceIDs = append(onceIDs, sub.id)
		}
	}
	for _, id := range onceIDs {
		b.remove(payload.Kind, id)
	}
}

func (b *Bus) invoke(sub *subscription, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus listener panicked", "kind", payload.Kind, "panic", r)
		}
	}()
	sub.listener(payload)
}
