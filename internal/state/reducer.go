package state

// Apply computes the next snapshot from the current one and a single
// event. It is a pure function: input slices are never mutated, so
// concurrent readers of the prior snapshot stay consistent.
func Apply(s VoxState, ev any) VoxState {
	switch e := ev.(type) {
	case Connecting:
		s.Mode = e.Mode
		if e.Voice != "" {
			s.Voice = e.Voice
		}
		s.Err = ""
	case Connected:
		s.Connected = true
		s.SessionID = e.SessionID
		s.Reconnecting = false
		s.Err = ""
	case Disconnected:
		s.Connected = false
		s.SessionID = ""
		s.Listening = false
		s.Speaking = false
		s.Mode = ModeNone
	case TranscriptAppended:
		s.Transcript = appendBounded(s.Transcript, TranscriptEntry{
			Role:      e.Role,
			Text:      e.Text,
			Timestamp: e.At,
		}, TranscriptCap)
	case SpeakingChanged:
		s.Speaking = e.Speaking
	case ListeningChanged:
		s.Listening = e.Listening
	case TurnCompleted:
		if e.Turn > 0 {
			s.TurnCount = e.Turn
		} else {
			s.TurnCount++
		}
	case FunctionCallLogged:
		s.FunctionLog = appendBounded(s.FunctionLog, FunctionLogEntry{
			Name:          e.Name,
			Args:          e.Args,
			ServerHandled: e.ServerHandled,
			Status:        FunctionPending,
			Timestamp:     e.At,
		}, FunctionLogCap)
		s.FunctionCount++
	case FunctionResolved:
		s.FunctionLog = resolveOldestPending(s.FunctionLog, e)
	case ErrorOccurred:
		s.Err = e.Message
	case Rotating:
		s.Reconnecting = true
	case RotationCleared:
		s.Reconnecting = false
	case VoiceChanged:
		s.Voice = e.Voice
	}
	return s
}

// appendBounded returns a fresh slice with the entry appended
// newest-last, evicting the oldest entry beyond cap.
func appendBounded[T any](entries []T, entry T, max int) []T {
	start := 0
	if len(entries) >= max {
		start = len(entries) - max + 1
	}
	out := make([]T, 0, len(entries)-start+1)
	out = append(out, entries[start:]...)
	return append(out, entry)
}

func resolveOldestPending(log []FunctionLogEntry, e FunctionResolved) []FunctionLogEntry {
	idx := -1
	for i, entry := range log {
		if entry.Name == e.Name && entry.Status == FunctionPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		return log
	}
	out := make([]FunctionLogEntry, len(log))
	copy(out, log)
	out[idx].Status = e.Status
	out[idx].Result = e.Result
	if !e.At.IsZero() {
		out[idx].Timestamp = e.At
	}
	return out
}
