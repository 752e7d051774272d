package state

import "time"

// Mode selects the remote-voice backend for a session.
type Mode string

const (
	ModeNone Mode = ""
	// ModePrimary streams raw microphone audio to the backend.
	ModePrimary Mode = "primary"
	// ModeFallback transcribes speech locally and sends text.
	ModeFallback Mode = "fallback"
)

const (
	// TranscriptCap bounds the retained transcript; the oldest entry is
	// silently dropped beyond it.
	TranscriptCap = 50
	// FunctionLogCap bounds the retained function-call log.
	FunctionLogCap = 30
)

type TranscriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type FunctionStatus string

const (
	FunctionPending FunctionStatus = "pending"
	FunctionSuccess FunctionStatus = "success"
	FunctionError   FunctionStatus = "error"
)

type FunctionLogEntry struct {
	Name          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
	ServerHandled bool           `json:"server_handled"`
	Status        FunctionStatus `json:"status"`
	Result        any            `json:"result,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// VoxState is the externally observed session snapshot. Speaking and
// Listening are independent flags; echo cancellation is not guaranteed,
// so both may be true at once. Mutated only through the reducer.
type VoxState struct {
	Connected     bool               `json:"connected"`
	Mode          Mode               `json:"mode"`
	Voice         string             `json:"voice"`
	Speaking      bool               `json:"speaking"`
	Listening     bool               `json:"listening"`
	TurnCount     int                `json:"turn_count"`
	FunctionCount int                `json:"function_count"`
	SessionID     string             `json:"session_id"`
	Transcript    []TranscriptEntry  `json:"transcript"`
	FunctionLog   []FunctionLogEntry `json:"function_log"`
	Err           string             `json:"error"`
	Reconnecting  bool               `json:"reconnecting"`
}
