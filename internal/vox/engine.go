package vox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/voxcore/internal/audio"
	"github.com/antoniostano/voxcore/internal/dispatch"
	"github.com/antoniostano/voxcore/internal/observability"
	"github.com/antoniostano/voxcore/internal/protocol"
	"github.com/antoniostano/voxcore/internal/speech"
	"github.com/antoniostano/voxcore/internal/state"
)

// Preferences persists user-level settings across process restarts.
type Preferences interface {
	Voice() (string, error)
	SetVoice(voice string) error
}

// Config carries per-connect overrides. Zero fields fall back to the
// engine defaults.
type Config struct {
	Voice        string
	Model        string
	SystemPrompt string
}

type Options struct {
	Dialer    Dialer
	Store     *state.Store
	Workspace dispatch.Workspace

	// Recognizer and Synth power fallback mode; NewCapture powers the
	// streaming microphone path in primary mode.
	Recognizer  speech.RecognizerProvider
	Synth       speech.Synthesizer
	NewCapture  func() (audio.CaptureDevice, error)
	NewPlayback func() (audio.PlaybackDevice, error)

	Prefs   Preferences
	Metrics *observability.Metrics
	Latency *observability.LatencyWindow

	DefaultModel string
	SystemPrompt string
	// DialTimeout bounds one connect attempt; defaults to 15s.
	DialTimeout time.Duration
}

// Engine owns one voice session at a time: the transport connection,
// the capture/playback devices or the local speech bridge, and the
// function dispatcher. All observable state lives in the Store.
type Engine struct {
	dialer      Dialer
	store       *state.Store
	workspace   dispatch.Workspace
	recognizer  speech.RecognizerProvider
	synth       speech.Synthesizer
	newCapture  func() (audio.CaptureDevice, error)
	newPlayback func() (audio.PlaybackDevice, error)
	prefs       Preferences
	metrics     *observability.Metrics
	latency     *observability.LatencyWindow

	defaultModel string
	systemPrompt string
	dialTimeout  time.Duration

	mu     sync.Mutex
	sess   *session
	gen    int
	tokens map[state.Mode]string
	voice  string
}

func New(opts Options) (*Engine, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	store := opts.Store
	if store == nil {
		store = state.NewStore(nil)
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	e := &Engine{
		dialer:       opts.Dialer,
		store:        store,
		workspace:    opts.Workspace,
		recognizer:   opts.Recognizer,
		synth:        opts.Synth,
		newCapture:   opts.NewCapture,
		newPlayback:  opts.NewPlayback,
		prefs:        opts.Prefs,
		metrics:      opts.Metrics,
		latency:      opts.Latency,
		defaultModel: opts.DefaultModel,
		systemPrompt: opts.SystemPrompt,
		dialTimeout:  timeout,
		tokens:       make(map[state.Mode]string),
	}

	if e.prefs != nil {
		if voice, err := e.prefs.Voice(); err == nil && voice != "" {
			e.voice = voice
			store.Dispatch(state.VoiceChanged{Voice: voice})
		}
	}
	return e, nil
}

func (e *Engine) Store() *state.Store      { return e.store }
func (e *Engine) Snapshot() state.VoxState { return e.store.Snapshot() }

func (e *Engine) Subscribe(event string, fn func(payload any)) int {
	return e.store.Bus().Subscribe(event, fn)
}

func (e *Engine) Unsubscribe(event string, id int) {
	e.store.Bus().Unsubscribe(event, id)
}

// Connect opens a session to the named backend mode. It returns
// immediately; failures surface through the error field and events,
// never to the caller.
func (e *Engine) Connect(mode state.Mode, cfg Config) {
	if mode != state.ModePrimary && mode != state.ModeFallback {
		e.store.Dispatch(state.ErrorOccurred{Message: fmt.Sprintf("unknown voice mode %q", mode)})
		return
	}

	e.mu.Lock()
	prev := e.sess
	e.sess = nil
	e.gen++
	gen := e.gen
	if cfg.Voice == "" {
		cfg.Voice = e.voice
	}
	if cfg.Model == "" {
		cfg.Model = e.defaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = e.systemPrompt
	}
	// A cached rotation token belongs to the mode that issued it, and to
	// no other mode. It is consumed only once a start frame carrying it
	// actually goes out, so a failed dial does not burn it.
	token := e.tokens[mode]
	e.mu.Unlock()

	if prev != nil {
		e.release(prev, true)
	}

	e.store.Dispatch(state.Connecting{Mode: mode, Voice: cfg.Voice})
	go e.dial(mode, cfg, token, gen)
}

// stale reports whether a newer Connect or Disconnect superseded the
// dial stamped with gen.
func (e *Engine) stale(gen int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen != e.gen
}

func (e *Engine) dial(mode state.Mode, cfg Config, token string, gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
	defer cancel()

	dialStart := time.Now()
	conn, err := e.dialer.Dial(ctx, mode)
	if err != nil {
		e.countConnect(mode, "dial_error")
		if e.stale(gen) {
			return
		}
		e.store.Dispatch(state.ErrorOccurred{Message: "connect failed: " + err.Error()})
		e.store.Dispatch(state.Disconnected{})
		return
	}
	e.observeStage("dial", time.Since(dialStart))

	sess := &session{
		mode:     mode,
		cfg:      cfg,
		conn:     conn,
		dialedAt: time.Now(),
	}
	sess.dispatcher = dispatch.New(e.store, e.workspace, func(name string, result map[string]any) error {
		return e.send(sess, protocol.BrowserFunctionResult{
			Type:   protocol.TypeBrowserFunctionResult,
			Name:   name,
			Result: result,
		})
	})
	sess.dispatcher.OnResolved = func(site string, status state.FunctionStatus) {
		if e.metrics != nil {
			e.metrics.FunctionCalls.WithLabelValues(site, string(status)).Inc()
		}
	}

	if e.newPlayback != nil {
		dev, perr := e.newPlayback()
		if perr != nil {
			e.systemNote("audio output unavailable: " + perr.Error())
		} else {
			sess.sched = audio.NewScheduler(dev, func(speaking bool) {
				e.store.Dispatch(state.SpeakingChanged{Speaking: speaking})
			})
		}
	}

	if mode == state.ModeFallback && e.recognizer != nil {
		sess.bridge = speech.NewBridge(e.recognizer, e.synth, speech.Callbacks{
			OnFinal: func(text string) {
				e.store.Dispatch(state.TranscriptAppended{Role: "user", Text: text, At: time.Now().UTC()})
				if sess.ready.Load() {
					if e.send(sess, protocol.Text{Type: protocol.TypeText, Text: text}) == nil {
						e.countMessage("out", "text")
					}
				}
			},
			OnNotice: e.systemNote,
			OnSpeaking: func(speaking bool) {
				e.store.Dispatch(state.SpeakingChanged{Speaking: speaking})
			},
			OnListening: func(listening bool) {
				e.store.Dispatch(state.ListeningChanged{Listening: listening})
			},
		})
	}

	e.mu.Lock()
	if gen != e.gen || e.sess != nil {
		// A newer Connect or a Disconnect superseded this dial while it
		// was in flight; everything this one allocated is surplus.
		e.mu.Unlock()
		e.release(sess, false)
		return
	}
	e.sess = sess
	e.mu.Unlock()

	if err := e.send(sess, protocol.Start{
		Type:            protocol.TypeStart,
		Mode:            string(mode),
		Voice:           cfg.Voice,
		Model:           cfg.Model,
		SystemPrompt:    cfg.SystemPrompt,
		ResumptionToken: token,
	}); err != nil {
		e.countConnect(mode, "handshake_error")
		e.mu.Lock()
		if e.sess == sess {
			e.sess = nil
		}
		e.mu.Unlock()
		e.release(sess, false)
		if e.stale(gen) {
			return
		}
		e.store.Dispatch(state.ErrorOccurred{Message: "connect failed: " + err.Error()})
		e.store.Dispatch(state.Disconnected{})
		return
	}

	if token != "" {
		e.mu.Lock()
		if e.tokens[mode] == token {
			delete(e.tokens, mode)
		}
		e.mu.Unlock()
	}

	go e.readLoop(sess)
}

// Disconnect tears the session down: graceful end notice, capture and
// recognition stopped, playback closed, transport closed. Idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.gen++
	e.mu.Unlock()

	if sess != nil {
		e.release(sess, true)
	}
	// An explicit disconnect abandons any pending rotation handoff.
	// Cleared before the disconnect is announced, so no redial policy
	// ever observes a still-rotating snapshot.
	e.store.Dispatch(state.RotationCleared{})
	e.store.Dispatch(state.Disconnected{})
}

// ToggleMic starts or stops audio input for the active mode. No-op
// without an active session.
func (e *Engine) ToggleMic() {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || !sess.ready.Load() {
		return
	}

	switch sess.mode {
	case state.ModePrimary:
		sess.capMu.Lock()
		dev := sess.capture
		sess.capture = nil
		sess.capMu.Unlock()
		if dev != nil {
			_ = dev.Stop()
			e.store.Dispatch(state.ListeningChanged{Listening: false})
			return
		}
		e.startCapture(sess)
	case state.ModeFallback:
		if sess.bridge == nil {
			return
		}
		if sess.bridge.Listening() {
			_ = sess.bridge.StopListening()
			return
		}
		if err := sess.bridge.StartListening(context.Background()); err != nil {
			e.systemNote("microphone unavailable: " + err.Error())
		}
	}
}

// SendText injects a typed user message: transcript entry plus an
// outbound text frame when the transport is up.
func (e *Engine) SendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.store.Dispatch(state.TranscriptAppended{Role: "user", Text: text, At: time.Now().UTC()})

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess != nil && sess.ready.Load() {
		_ = e.send(sess, protocol.Text{Type: protocol.TypeText, Text: text})
	}
}

// SetVoice selects the synthetic voice and persists it for future
// sessions.
func (e *Engine) SetVoice(voice string) error {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return fmt.Errorf("voice is required")
	}
	e.mu.Lock()
	e.voice = voice
	prefs := e.prefs
	e.mu.Unlock()

	if prefs != nil {
		if err := prefs.SetVoice(voice); err != nil {
			return fmt.Errorf("persist voice: %w", err)
		}
	}
	e.store.Dispatch(state.VoiceChanged{Voice: voice})
	return nil
}

// Close is a full teardown; equivalent to Disconnect today.
func (e *Engine) Close() error {
	e.Disconnect()
	return nil
}

type session struct {
	mode       state.Mode
	cfg        Config
	conn       Conn
	dispatcher *dispatch.Dispatcher

	sched  *audio.Scheduler
	bridge *speech.Bridge

	writeMu sync.Mutex
	ready   atomic.Bool
	active  atomic.Bool

	capMu   sync.Mutex
	capture audio.CaptureDevice

	releaseOnce sync.Once

	// Touched only by the read loop.
	dialedAt time.Time
	readyAt  time.Time
	sawAudio bool
}

func (e *Engine) readLoop(sess *session) {
	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, perr := protocol.ParseServerMessage(data)
		if perr != nil {
			// Malformed or unknown frames are dropped, never fatal.
			e.countDropped()
			continue
		}
		e.handle(sess, msg)
	}

	e.mu.Lock()
	current := e.sess == sess
	if current {
		e.sess = nil
	}
	e.mu.Unlock()

	e.release(sess, false)
	if current {
		e.store.Dispatch(state.Disconnected{})
	}
}

func (e *Engine) handle(sess *session, msg any) {
	switch m := msg.(type) {
	case protocol.SetupComplete:
		e.countMessage("in", "setup_complete")
		sess.readyAt = time.Now()
		sess.ready.Store(true)
		sess.active.Store(true)
		if e.metrics != nil {
			e.metrics.SessionsActive.Inc()
		}
		e.countConnect(sess.mode, "ok")
		e.observeStage("handshake", sess.readyAt.Sub(sess.dialedAt))
		e.store.Dispatch(state.Connected{SessionID: m.SessionID, Resumed: m.Resumed})
		e.startInput(sess)

	case protocol.Audio:
		e.countMessage("in", "audio")
		samples, err := audio.DecodeFrame(m.Data)
		if err != nil {
			e.countDropped()
			return
		}
		if !sess.sawAudio {
			sess.sawAudio = true
			if !sess.readyAt.IsZero() {
				d := time.Since(sess.readyAt)
				e.observeStage("first_audio", d)
				if e.metrics != nil {
					e.metrics.ObserveFirstAudioLatency(d)
				}
			}
		}
		if sess.sched != nil {
			_, _ = sess.sched.Schedule(samples)
		}

	case protocol.Text:
		e.countMessage("in", "text")
		if m.Text == "" {
			return
		}
		e.store.Dispatch(state.TranscriptAppended{Role: "model", Text: m.Text, At: time.Now().UTC()})
		if sess.bridge != nil {
			_ = sess.bridge.Speak(context.Background(), m.Text)
		}

	case protocol.Transcript:
		e.countMessage("in", "transcript")
		e.store.Dispatch(state.TranscriptAppended{Role: m.Role, Text: m.Text, At: time.Now().UTC()})

	case protocol.TurnComplete:
		e.countMessage("in", "turn_complete")
		e.store.Dispatch(state.TurnCompleted{Turn: m.Turn})

	case protocol.FunctionCall:
		e.countMessage("in", "function_call")
		sess.dispatcher.HandleCall(m)

	case protocol.FunctionResult:
		e.countMessage("in", "function_result")
		sess.dispatcher.HandleResult(m)

	case protocol.GoAway:
		e.countMessage("in", "go_away")
		e.mu.Lock()
		e.tokens[sess.mode] = m.SessionToken
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.Rotations.Inc()
		}
		e.store.Dispatch(state.Rotating{})

	case protocol.ErrorMessage:
		e.countMessage("in", "error")
		e.store.Dispatch(state.ErrorOccurred{Message: m.Message})
	}
}

// startInput begins the mode's audio input path once the handshake
// completes.
func (e *Engine) startInput(sess *session) {
	switch sess.mode {
	case state.ModePrimary:
		e.startCapture(sess)
	case state.ModeFallback:
		if sess.bridge == nil {
			e.systemNote("speech recognition unavailable: no recognizer configured")
			return
		}
		if err := sess.bridge.StartListening(context.Background()); err != nil {
			// The session stays connected; the user can still type.
			e.systemNote("microphone unavailable: " + err.Error())
		}
	}
}

func (e *Engine) startCapture(sess *session) {
	if e.newCapture == nil {
		e.systemNote("microphone unavailable: no capture device configured")
		return
	}
	dev, err := e.newCapture()
	if err != nil {
		e.systemNote("microphone unavailable: " + err.Error())
		return
	}

	nativeRate := dev.SampleRate()
	err = dev.Start(func(buf []float32) {
		// Frames arriving before the handshake or after teardown are
		// dropped, not queued.
		if !sess.ready.Load() {
			return
		}
		frame := audio.Decimate(buf, nativeRate, audio.CaptureRate)
		if len(frame) == 0 {
			return
		}
		if e.send(sess, protocol.Audio{Type: protocol.TypeAudio, Data: audio.EncodeFrame(frame)}) == nil {
			e.countMessage("out", "audio")
		}
	})
	if err != nil {
		e.systemNote("microphone unavailable: " + err.Error())
		return
	}

	sess.capMu.Lock()
	sess.capture = dev
	sess.capMu.Unlock()
	e.store.Dispatch(state.ListeningChanged{Listening: true})
}

// release returns every device and the transport to the system. Safe to
// call from any goroutine, exactly-once.
func (e *Engine) release(sess *session, graceful bool) {
	sess.releaseOnce.Do(func() {
		if graceful {
			// Best-effort end notice while the transport is still open,
			// handshaken or not; the write may already fail.
			_ = e.send(sess, protocol.End{Type: protocol.TypeEnd})
		}
		sess.ready.Store(false)

		sess.capMu.Lock()
		dev := sess.capture
		sess.capture = nil
		sess.capMu.Unlock()
		if dev != nil {
			_ = dev.Stop()
		}
		if sess.bridge != nil {
			_ = sess.bridge.Close()
		}
		if sess.sched != nil {
			_ = sess.sched.Close()
		}
		_ = sess.conn.Close()

		if sess.active.Load() && e.metrics != nil {
			e.metrics.SessionsActive.Dec()
		}
	})
}

func (e *Engine) send(sess *session, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteMessage(data)
}

func (e *Engine) systemNote(text string) {
	e.store.Dispatch(state.TranscriptAppended{Role: "system", Text: text, At: time.Now().UTC()})
}

func (e *Engine) countConnect(mode state.Mode, outcome string) {
	if e.metrics != nil {
		e.metrics.Connects.WithLabelValues(string(mode), outcome).Inc()
	}
}

func (e *Engine) countMessage(direction, typ string) {
	if e.metrics != nil {
		e.metrics.Messages.WithLabelValues(direction, typ).Inc()
	}
}

func (e *Engine) countDropped() {
	if e.metrics != nil {
		e.metrics.DroppedFrames.Inc()
	}
}

func (e *Engine) observeStage(stage string, d time.Duration) {
	if e.latency != nil {
		e.latency.Observe(stage, d)
	}
}
