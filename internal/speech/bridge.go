package speech

import (
	"context"
	"strings"
	"sync"
)

// Callbacks route bridge activity into the session state. Any field may
// be nil.
type Callbacks struct {
	// OnFinal receives each finalized user transcription.
	OnFinal func(text string)
	// OnNotice receives system-level notices (recognition errors etc).
	OnNotice func(text string)
	OnSpeaking  func(speaking bool)
	OnListening func(listening bool)
}

// Bridge is the local speech fallback: a continuous, auto-restarting
// recognizer plus a synthesizer for model text. The recognizer restarts
// whenever it ends on its own, unless an explicit stop is in flight —
// the stopping flag is checked before every restart so an explicit stop
// always wins the race against a natural end.
type Bridge struct {
	provider RecognizerProvider
	synth    Synthesizer
	cb       Callbacks

	mu        sync.Mutex
	session   RecognizerSession
	listening bool
	stopping  bool
	closed    bool
	wg        sync.WaitGroup
}

func NewBridge(provider RecognizerProvider, synth Synthesizer, cb Callbacks) *Bridge {
	return &Bridge{provider: provider, synth: synth, cb: cb}
}

// StartListening begins continuous recognition. No-op while already
// listening or after Close.
func (b *Bridge) StartListening(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.listening {
		b.mu.Unlock()
		return nil
	}
	b.stopping = false
	b.mu.Unlock()

	session, events, err := b.provider.StartListening(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.stopping || b.closed {
		b.mu.Unlock()
		_ = session.Close()
		return nil
	}
	b.session = session
	b.listening = true
	b.mu.Unlock()

	b.notifyListening(true)
	b.wg.Add(1)
	go b.run(ctx, events)
	return nil
}

// StopListening aborts recognition and suppresses any pending
// auto-restart. The listening flag clears once the event loop drains.
func (b *Bridge) StopListening() error {
	b.mu.Lock()
	b.stopping = true
	session := b.session
	b.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// Listening reports whether a recognition session is active.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// Speak renders model text audibly. Speaking is flagged from synthesis
// start until the synthesizer's event stream closes.
func (b *Bridge) Speak(ctx context.Context, text string) error {
	if b.synth == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	events, err := b.synth.Speak(ctx, text)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range events {
			switch ev.Type {
			case SynthStarted:
				b.notifySpeaking(true)
			case SynthError:
				b.notifyNotice("speech synthesis error: " + ev.Detail)
			}
		}
		b.notifySpeaking(false)
	}()
	return nil
}

// Close stops recognition, cancels any auto-restart, and waits for all
// bridge goroutines to drain. Nothing fires after Close returns.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopping = true
	session := b.session
	b.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Bridge) run(ctx context.Context, events <-chan RecognizerEvent) {
	defer b.wg.Done()
	for {
		for ev := range events {
			switch ev.Type {
			case RecognizerFinal:
				if text := strings.TrimSpace(ev.Text); text != "" {
					b.notifyFinal(text)
				}
			case RecognizerError:
				// "no speech" is non-actionable; everything else is
				// surfaced without stopping recognition.
				if ev.Code != CodeNoSpeech {
					b.notifyNotice("speech recognition error: " + errDetail(ev))
				}
			case RecognizerEnded:
				// The channel closes right after; restart is decided below.
			}
		}

		b.mu.Lock()
		if b.stopping || b.closed || ctx.Err() != nil || !b.listening {
			b.listening = false
			b.session = nil
			b.mu.Unlock()
			b.notifyListening(false)
			return
		}
		b.mu.Unlock()

		// The recognizer died on its own; restart to avoid silent
		// listening death.
		session, next, err := b.provider.StartListening(ctx)

		b.mu.Lock()
		if b.stopping || b.closed {
			b.listening = false
			b.session = nil
			b.mu.Unlock()
			if err == nil {
				_ = session.Close()
			}
			b.notifyListening(false)
			return
		}
		if err != nil {
			b.listening = false
			b.session = nil
			b.mu.Unlock()
			b.notifyNotice("speech recognition unavailable: " + err.Error())
			b.notifyListening(false)
			return
		}
		b.session = session
		b.mu.Unlock()
		events = next
	}
}

func (b *Bridge) notifyFinal(text string) {
	if b.cb.OnFinal != nil {
		b.cb.OnFinal(text)
	}
}

func (b *Bridge) notifyNotice(text string) {
	if b.cb.OnNotice != nil {
		b.cb.OnNotice(text)
	}
}

func (b *Bridge) notifySpeaking(speaking bool) {
	if b.cb.OnSpeaking != nil {
		b.cb.OnSpeaking(speaking)
	}
}

func (b *Bridge) notifyListening(listening bool) {
	if b.cb.OnListening != nil {
		b.cb.OnListening(listening)
	}
}

func errDetail(ev RecognizerEvent) string {
	if ev.Detail != "" {
		return ev.Detail
	}
	return ev.Code
}
