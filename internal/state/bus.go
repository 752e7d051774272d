package state

import "sync"

// Observer event names published by the Store.
const (
	EventStateChange    = "state_change"
	EventConnected      = "connected"
	EventDisconnected   = "disconnected"
	EventTranscript     = "transcript"
	EventTurnComplete   = "turn_complete"
	EventFunctionResult = "function_result"
	EventError          = "error"
)

// Bus is a per-session named-event registry. Each engine owns one
// instance; there is no process-wide listener state.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(payload any)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(any))}
}

// Subscribe registers fn for the named event and returns a handle for
// Unsubscribe.
func (b *Bus) Subscribe(event string, fn func(payload any)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[event] == nil {
		b.subs[event] = make(map[int]func(any))
	}
	b.subs[event][id] = fn
	return id
}

func (b *Bus) Unsubscribe(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[event], id)
}

// Emit invokes subscribers synchronously, outside the registry lock so
// a callback may subscribe or unsubscribe without deadlocking.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	fns := make([]func(any), 0, len(b.subs[event]))
	for _, fn := range b.subs[event] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}
