package archive

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/voxcore/internal/policy"
	"github.com/antoniostano/voxcore/internal/state"
)

// Recorder mirrors session events into the archive. It subscribes to
// the engine bus and writes asynchronously so a slow database never
// stalls the transport read loop. Entries arriving before a session id
// is known are skipped.
type Recorder struct {
	store Store

	bus  *state.Bus
	subs []struct {
		event string
		id    int
	}

	mu        sync.Mutex
	sessionID string

	work chan func(ctx context.Context)
	done chan struct{}
}

func NewRecorder(store Store, bus *state.Bus) *Recorder {
	r := &Recorder{
		store: store,
		bus:   bus,
		work:  make(chan func(context.Context), 256),
		done:  make(chan struct{}),
	}

	r.subscribe(state.EventConnected, func(payload any) {
		snap, ok := payload.(state.VoxState)
		if !ok {
			return
		}
		r.mu.Lock()
		r.sessionID = snap.SessionID
		r.mu.Unlock()
	})
	r.subscribe(state.EventDisconnected, func(any) {
		r.mu.Lock()
		r.sessionID = ""
		r.mu.Unlock()
	})
	r.subscribe(state.EventTranscript, func(payload any) {
		entry, ok := payload.(state.TranscriptEntry)
		if !ok {
			return
		}
		sessionID := r.session()
		if sessionID == "" {
			return
		}
		text, redacted := policy.RedactPII(entry.Text)
		r.enqueue(func(ctx context.Context) {
			_ = r.store.SaveTranscript(ctx, TranscriptRecord{
				SessionID:   sessionID,
				Role:        entry.Role,
				Text:        text,
				PIIRedacted: redacted,
				CreatedAt:   entry.Timestamp,
			})
		})
	})
	r.subscribe(state.EventFunctionResult, func(payload any) {
		res, ok := payload.(state.FunctionResolved)
		if !ok {
			return
		}
		sessionID := r.session()
		if sessionID == "" {
			return
		}
		r.enqueue(func(ctx context.Context) {
			_ = r.store.SaveFunction(ctx, FunctionRecord{
				SessionID: sessionID,
				Name:      res.Name,
				Status:    string(res.Status),
				CreatedAt: res.At,
			})
		})
	})

	go r.loop()
	return r
}

// Close detaches from the bus and drains pending writes.
func (r *Recorder) Close() error {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub.event, sub.id)
	}
	close(r.work)
	<-r.done
	return nil
}

func (r *Recorder) subscribe(event string, fn func(any)) {
	id := r.bus.Subscribe(event, fn)
	r.subs = append(r.subs, struct {
		event string
		id    int
	}{event, id})
}

func (r *Recorder) session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Recorder) enqueue(fn func(context.Context)) {
	select {
	case r.work <- fn:
	default:
		// Archive writes are best-effort; the live caps in VoxState are
		// the authoritative recent history.
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for fn := range r.work {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fn(ctx)
		cancel()
	}
}
