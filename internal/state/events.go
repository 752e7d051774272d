package state

import "time"

// Events are the only inputs to the reducer. Each one is a plain value;
// Apply never inspects anything outside the event and the prior state.

type Connecting struct {
	Mode  Mode
	Voice string
}

type Connected struct {
	SessionID string
	Resumed   bool
}

// Disconnected resets the session identity and both activity flags.
type Disconnected struct{}

type TranscriptAppended struct {
	Role string
	Text string
	At   time.Time
}

type SpeakingChanged struct {
	Speaking bool
}

type ListeningChanged struct {
	Listening bool
}

// TurnCompleted overwrites the turn counter when the backend reports an
// absolute turn number, and increments it otherwise.
type TurnCompleted struct {
	Turn int
}

type FunctionCallLogged struct {
	Name          string
	Args          map[string]any
	ServerHandled bool
	At            time.Time
}

// FunctionResolved settles the oldest pending log entry with the same
// name (FIFO per name). Tagged because it crosses the observer feed
// as-is.
type FunctionResolved struct {
	Name   string         `json:"name"`
	Status FunctionStatus `json:"status"`
	Result any            `json:"result,omitempty"`
	At     time.Time      `json:"at"`
}

type ErrorOccurred struct {
	Message string
}

// Rotating marks a planned remote handoff; the transport is expected to
// close shortly after. Not an error.
type Rotating struct{}

// RotationCleared drops the pending-rotation flag, e.g. on an explicit
// disconnect that abandons the handoff.
type RotationCleared struct{}

type VoiceChanged struct {
	Voice string
}
