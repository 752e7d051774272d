package speech

import "context"

type RecognizerEventType string

const (
	// RecognizerFinal carries one finalized (non-interim) transcription.
	RecognizerFinal RecognizerEventType = "final"
	RecognizerError RecognizerEventType = "error"
	// RecognizerEnded signals the recognizer stopped on its own; the
	// bridge decides whether to restart it.
	RecognizerEnded RecognizerEventType = "ended"
)

// CodeNoSpeech marks the non-actionable "nothing was said" error.
const CodeNoSpeech = "no-speech"

type RecognizerEvent struct {
	Type   RecognizerEventType
	Text   string
	Code   string
	Detail string
}

type RecognizerSession interface {
	Close() error
}

// RecognizerProvider starts one continuous recognition session. The
// event channel is closed when the session ends for any reason.
type RecognizerProvider interface {
	StartListening(ctx context.Context) (RecognizerSession, <-chan RecognizerEvent, error)
}

type SynthEventType string

const (
	SynthStarted  SynthEventType = "started"
	SynthFinished SynthEventType = "finished"
	SynthError    SynthEventType = "error"
)

type SynthEvent struct {
	Type   SynthEventType
	Detail string
}

// Synthesizer renders one utterance audibly. The event channel is
// closed after the final event.
type Synthesizer interface {
	Speak(ctx context.Context, text string) (<-chan SynthEvent, error)
}
