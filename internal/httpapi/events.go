package httpapi

import (
	"net/http"
	"time"

	"github.com/antoniostano/voxcore/internal/state"
)

// eventEnvelope is one frame of the observer feed.
type eventEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

var observedEvents = []string{
	state.EventStateChange,
	state.EventConnected,
	state.EventDisconnected,
	state.EventTranscript,
	state.EventTurnComplete,
	state.EventFunctionResult,
	state.EventError,
}

// handleEvents upgrades to a websocket and streams session events to
// the client. The feed is read-only: inbound frames are discarded, and
// a slow client loses frames rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	feed := make(chan eventEnvelope, 256)
	subs := make(map[string]int, len(observedEvents))
	for _, name := range observedEvents {
		event := name
		subs[event] = s.engine.Subscribe(event, func(payload any) {
			select {
			case feed <- eventEnvelope{Event: event, Payload: payload}:
			default:
			}
		})
	}
	defer func() {
		for event, id := range subs {
			s.engine.Unsubscribe(event, id)
		}
	}()

	// Prime the client with the current snapshot so it never has to
	// wait for the next dispatch to render.
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(eventEnvelope{Event: state.EventStateChange, Payload: s.engine.Snapshot()}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain until the peer goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case env := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
