package vox

import (
	"sync"
	"time"

	"github.com/antoniostano/voxcore/internal/reliability"
	"github.com/antoniostano/voxcore/internal/state"
)

// ReconnectPolicy tunes the caller-side redial loop.
type ReconnectPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 15 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Reconnector is the redial policy the engine itself deliberately does
// not implement: it observes the reconnecting flag and retryable
// backend errors, and re-invokes Connect with capped backoff. The
// cached rotation token is attached by the engine automatically.
type Reconnector struct {
	engine *Engine
	policy ReconnectPolicy

	subs []struct {
		event string
		id    int
	}

	mu       sync.Mutex
	mode     state.Mode
	attempts int
	timer    *time.Timer
	closed   bool
}

func NewReconnector(engine *Engine, policy ReconnectPolicy) *Reconnector {
	r := &Reconnector{engine: engine, policy: policy.withDefaults()}

	r.subscribe(state.EventStateChange, func(payload any) {
		snap, ok := payload.(state.VoxState)
		if !ok {
			return
		}
		r.mu.Lock()
		if snap.Mode != state.ModeNone {
			r.mode = snap.Mode
		}
		if snap.Connected {
			r.attempts = 0
		}
		r.mu.Unlock()
	})
	r.subscribe(state.EventDisconnected, func(payload any) {
		snap, ok := payload.(state.VoxState)
		if !ok {
			return
		}
		if snap.Reconnecting || reliability.IsRetryableBackendError(snap.Err) {
			r.schedule()
			return
		}
		// A disconnect with no rotation pending and no retryable error
		// is the user's choice; drop any armed redial.
		r.cancelPending()
	})
	return r
}

func (r *Reconnector) cancelPending() {
	r.mu.Lock()
	timer := r.timer
	r.timer = nil
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (r *Reconnector) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.timer != nil || r.mode == state.ModeNone {
		return
	}
	if r.attempts >= r.policy.MaxAttempts {
		return
	}
	delay := reliability.ExponentialBackoff(r.attempts, r.policy.Base, r.policy.Cap)
	r.attempts++
	mode := r.mode
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.engine.Connect(mode, Config{})
	})
}

// Close stops the policy; any armed redial is cancelled.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	r.closed = true
	timer := r.timer
	r.timer = nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, sub := range r.subs {
		r.engine.store.Bus().Unsubscribe(sub.event, sub.id)
	}
	return nil
}

func (r *Reconnector) subscribe(event string, fn func(any)) {
	id := r.engine.store.Bus().Subscribe(event, fn)
	r.subs = append(r.subs, struct {
		event string
		id    int
	}{event, id})
}
