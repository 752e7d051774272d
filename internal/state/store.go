package state

import "sync"

// Store owns the VoxState snapshot. All mutations funnel through
// Dispatch, which applies the reducer under a single mutex so writes
// from the capture path and the transport read loop never race on
// transcript or function-log ordering.
type Store struct {
	bus *Bus

	mu    sync.Mutex
	state VoxState
}

func NewStore(bus *Bus) *Store {
	if bus == nil {
		bus = NewBus()
	}
	return &Store{bus: bus}
}

func (st *Store) Bus() *Bus { return st.bus }

// Dispatch applies one event and republishes the snapshot. Observer
// callbacks run outside the store lock.
func (st *Store) Dispatch(ev any) VoxState {
	st.mu.Lock()
	st.state = Apply(st.state, ev)
	snap := cloneState(st.state)
	st.mu.Unlock()

	switch e := ev.(type) {
	case Connected:
		st.bus.Emit(EventConnected, snap)
	case Disconnected:
		st.bus.Emit(EventDisconnected, snap)
	case TranscriptAppended:
		st.bus.Emit(EventTranscript, TranscriptEntry{Role: e.Role, Text: e.Text, Timestamp: e.At})
	case TurnCompleted:
		st.bus.Emit(EventTurnComplete, snap.TurnCount)
	case FunctionResolved:
		st.bus.Emit(EventFunctionResult, e)
	case ErrorOccurred:
		st.bus.Emit(EventError, e.Message)
	}
	st.bus.Emit(EventStateChange, snap)
	return snap
}

// Snapshot returns a read-only copy of the current state.
func (st *Store) Snapshot() VoxState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneState(st.state)
}

func cloneState(s VoxState) VoxState {
	c := s
	c.Transcript = make([]TranscriptEntry, len(s.Transcript))
	copy(c.Transcript, s.Transcript)
	c.FunctionLog = make([]FunctionLogEntry, len(s.FunctionLog))
	copy(c.FunctionLog, s.FunctionLog)
	return c
}
