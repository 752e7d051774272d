package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies wire payload variants.
type MessageType string

const (
	// Client → backend.
	TypeStart                 MessageType = "start"
	TypeAudio                 MessageType = "audio"
	TypeText                  MessageType = "text"
	TypeBrowserFunctionResult MessageType = "browser_function_result"
	TypeEnd                   MessageType = "end"

	// Backend → client.
	TypeSetupComplete  MessageType = "setup_complete"
	TypeTranscript     MessageType = "transcript"
	TypeTurnComplete   MessageType = "turn_complete"
	TypeFunctionCall   MessageType = "function_call"
	TypeFunctionResult MessageType = "function_result"
	TypeGoAway         MessageType = "go_away"
	TypeError          MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Start opens a session. ResumptionToken is attached only when resuming
// the same mode as a prior session that issued one.
type Start struct {
	Type            MessageType `json:"type"`
	Mode            string      `json:"mode"`
	Voice           string      `json:"voice"`
	Model           string      `json:"model"`
	SystemPrompt    string      `json:"systemPrompt,omitempty"`
	ResumptionToken string      `json:"resumptionToken,omitempty"`
}

// Audio carries one base64-encoded PCM16LE frame, either direction.
type Audio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// Text is a discrete utterance: a final local transcription outbound, or
// a full model utterance inbound.
type Text struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type BrowserFunctionResult struct {
	Type   MessageType    `json:"type"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

type End struct {
	Type MessageType `json:"type"`
}

type SetupComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Resumed   bool        `json:"resumed"`
}

type Transcript struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
	Text string      `json:"text"`
}

type TurnComplete struct {
	Type MessageType `json:"type"`
	Turn int         `json:"turn"`
}

type FunctionCall struct {
	Type          MessageType    `json:"type"`
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	ServerHandled bool           `json:"server_handled"`
}

type FunctionResult struct {
	Type   MessageType     `json:"type"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
}

// GoAway announces impending transport rotation. SessionToken is carried
// into the next start message for the same mode.
type GoAway struct {
	Type         MessageType `json:"type"`
	SessionToken string      `json:"session_token"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ParseServerMessage decodes one inbound frame from the backend.
// Unknown types return ErrUnsupportedType; callers drop them silently.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetupComplete:
		var msg SetupComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid setup_complete")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio")
		}
		return msg, nil
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Role == "" {
			return nil, errors.New("invalid transcript")
		}
		return msg, nil
	case TypeTurnComplete:
		var msg TurnComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFunctionCall:
		var msg FunctionCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, errors.New("invalid function_call")
		}
		return msg, nil
	case TypeFunctionResult:
		var msg FunctionResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, errors.New("invalid function_result")
		}
		return msg, nil
	case TypeGoAway:
		var msg GoAway
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
