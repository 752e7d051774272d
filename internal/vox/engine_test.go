package vox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/voxcore/internal/audio"
	"github.com/antoniostano/voxcore/internal/protocol"
	"github.com/antoniostano/voxcore/internal/speech"
	"github.com/antoniostano/voxcore/internal/state"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	closeCh chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32), closeCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closeCh:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closeCh:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closeCh) })
	return nil
}

func (c *fakeConn) serve(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.inbound <- data
}

func (c *fakeConn) serveRaw(data string) {
	c.inbound <- []byte(data)
}

// sent decodes recorded outbound frames of one type.
func (c *fakeConn) sent(typ protocol.MessageType) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, w := range c.writes {
		var env protocol.Envelope
		if json.Unmarshal(w, &env) == nil && env.Type == typ {
			out = append(out, json.RawMessage(append([]byte(nil), w...)))
		}
	}
	return out
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	modes    []state.Mode
	err      error
	failNext int
}

func (d *fakeDialer) Dial(_ context.Context, mode state.Mode) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.modes = append(d.modes, mode)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// gatedDialer holds each Dial until the test opens the gate for its
// mode, so the completion order of concurrent dials can be forced.
type gatedDialer struct {
	mu    sync.Mutex
	gates map[state.Mode]chan struct{}
	conns map[state.Mode]*fakeConn
}

func newGatedDialer(modes ...state.Mode) *gatedDialer {
	d := &gatedDialer{
		gates: make(map[state.Mode]chan struct{}),
		conns: make(map[state.Mode]*fakeConn),
	}
	for _, mode := range modes {
		d.gates[mode] = make(chan struct{})
	}
	return d
}

func (d *gatedDialer) Dial(_ context.Context, mode state.Mode) (Conn, error) {
	d.mu.Lock()
	c := newFakeConn()
	d.conns[mode] = c
	gate := d.gates[mode]
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return c, nil
}

func (d *gatedDialer) conn(mode state.Mode) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[mode]
}

type fakeCapture struct {
	mu      sync.Mutex
	started bool
	stopped bool
	cb      func([]float32)
}

func (c *fakeCapture) Start(onBuffer func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.cb = onBuffer
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeCapture) SampleRate() int { return 48000 }

func (c *fakeCapture) deliver(buf []float32) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
}

type fakePlayback struct {
	mu     sync.Mutex
	writes int
}

func (p *fakePlayback) Write([]float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return nil
}

func (p *fakePlayback) SampleRate() int { return 24000 }
func (p *fakePlayback) Close() error    { return nil }

type fakeWorkspace struct {
	mu   sync.Mutex
	view string
}

func (w *fakeWorkspace) CurrentView() string { return w.view }
func (w *fakeWorkspace) Navigate(view string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.view = view
	return nil
}
func (w *fakeWorkspace) StateSummary() map[string]any { return map[string]any{"view": w.view} }
func (w *fakeWorkspace) PageText() string             { return "page" }

type memPrefs struct {
	mu    sync.Mutex
	voice string
}

func (p *memPrefs) Voice() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice, nil
}

func (p *memPrefs) SetVoice(v string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voice = v
	return nil
}

func waitState(t *testing.T, e *Engine, cond func(state.VoxState) bool) state.VoxState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state condition not met; last snapshot: %+v", e.Snapshot())
	return state.VoxState{}
}

func waitTrue(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestConnectHandshakeStartsCapture(t *testing.T) {
	dialer := &fakeDialer{}
	capture := &fakeCapture{}
	e, err := New(Options{
		Dialer:     dialer,
		Workspace:  &fakeWorkspace{},
		NewCapture: func() (audio.CaptureDevice, error) { return capture, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.Connect(state.ModePrimary, Config{Voice: "aria", Model: "m1"})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })

	var start protocol.Start
	if err := json.Unmarshal(dialer.conn(0).sent(protocol.TypeStart)[0], &start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if start.Mode != "primary" || start.Voice != "aria" || start.ResumptionToken != "" {
		t.Fatalf("unexpected start frame: %+v", start)
	}

	dialer.conn(0).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	snap := waitState(t, e, func(s state.VoxState) bool { return s.Connected })
	if snap.SessionID != "s1" || snap.Mode != state.ModePrimary {
		t.Fatalf("snapshot = %+v", snap)
	}
	waitState(t, e, func(s state.VoxState) bool { return s.Listening })
	capture.mu.Lock()
	started := capture.started
	capture.mu.Unlock()
	if !started {
		t.Fatalf("capture did not start after handshake")
	}
	e.Disconnect()
}

func TestCaptureFramesStreamOnlyWhileReady(t *testing.T) {
	dialer := &fakeDialer{}
	capture := &fakeCapture{}
	e, _ := New(Options{
		Dialer:     dialer,
		Workspace:  &fakeWorkspace{},
		NewCapture: func() (audio.CaptureDevice, error) { return capture, nil },
	})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	dialer.conn(0).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Listening })

	capture.deliver(make([]float32, 480))
	waitTrue(t, func() bool { return len(dialer.conn(0).sent(protocol.TypeAudio)) == 1 })

	e.Disconnect()
	capture.deliver(make([]float32, 480))
	time.Sleep(10 * time.Millisecond)
	if got := len(dialer.conn(0).sent(protocol.TypeAudio)); got != 1 {
		t.Fatalf("frames after disconnect were transmitted: %d", got)
	}
}

func TestBrowserFunctionCallRoundTrip(t *testing.T) {
	dialer := &fakeDialer{}
	ws := &fakeWorkspace{view: "/home"}
	e, _ := New(Options{Dialer: dialer, Workspace: ws})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })

	conn.serve(protocol.FunctionCall{
		Type: protocol.TypeFunctionCall,
		Name: "navigate_page",
		Args: map[string]any{"path": "chat"},
	})

	snap := waitState(t, e, func(s state.VoxState) bool {
		return len(s.FunctionLog) == 1 && s.FunctionLog[0].Status == state.FunctionSuccess
	})
	if ws.CurrentView() != "/chat" {
		t.Fatalf("workspace view = %q, want /chat", ws.CurrentView())
	}
	if snap.FunctionCount != 1 {
		t.Fatalf("function count = %d", snap.FunctionCount)
	}
	results := conn.sent(protocol.TypeBrowserFunctionResult)
	if len(results) != 1 {
		t.Fatalf("browser_function_result frames = %d, want 1", len(results))
	}
	var res protocol.BrowserFunctionResult
	_ = json.Unmarshal(results[0], &res)
	if res.Result["navigated_to"] != "/chat" {
		t.Fatalf("result = %+v", res.Result)
	}
	e.Disconnect()
}

func TestServerHandledCallSendsNothing(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })

	conn.serve(protocol.FunctionCall{
		Type:          protocol.TypeFunctionCall,
		Name:          "create_project",
		Args:          map[string]any{"name": "demo"},
		ServerHandled: true,
	})
	waitState(t, e, func(s state.VoxState) bool {
		return len(s.FunctionLog) == 1 && s.FunctionLog[0].Status == state.FunctionPending
	})
	if got := len(conn.sent(protocol.TypeBrowserFunctionResult)); got != 0 {
		t.Fatalf("server-handled call produced %d local results", got)
	}

	conn.serve(protocol.FunctionResult{
		Type:   protocol.TypeFunctionResult,
		Name:   "create_project",
		Result: json.RawMessage(`{"success":true}`),
	})
	waitState(t, e, func(s state.VoxState) bool {
		return len(s.FunctionLog) == 1 && s.FunctionLog[0].Status == state.FunctionSuccess
	})
	e.Disconnect()
}

func TestRotationTokenPerMode(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })

	conn.serve(protocol.GoAway{Type: protocol.TypeGoAway, SessionToken: "tok-1"})
	snap := waitState(t, e, func(s state.VoxState) bool { return s.Reconnecting })
	if !snap.Connected {
		t.Fatalf("go_away must not clear connected")
	}
	_ = conn.Close()
	waitState(t, e, func(s state.VoxState) bool { return !s.Connected })

	// A different mode never sees the cached token.
	e.Connect(state.ModeFallback, Config{})
	waitTrue(t, func() bool { return dialer.conn(1) != nil && len(dialer.conn(1).sent(protocol.TypeStart)) == 1 })
	var start protocol.Start
	_ = json.Unmarshal(dialer.conn(1).sent(protocol.TypeStart)[0], &start)
	if start.ResumptionToken != "" {
		t.Fatalf("fallback start carried the primary token: %+v", start)
	}
	e.Disconnect()

	// The issuing mode resumes with it exactly once.
	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(2) != nil && len(dialer.conn(2).sent(protocol.TypeStart)) == 1 })
	start = protocol.Start{}
	_ = json.Unmarshal(dialer.conn(2).sent(protocol.TypeStart)[0], &start)
	if start.ResumptionToken != "tok-1" {
		t.Fatalf("primary reconnect missing token: %+v", start)
	}
	e.Disconnect()

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(3) != nil && len(dialer.conn(3).sent(protocol.TypeStart)) == 1 })
	start = protocol.Start{}
	_ = json.Unmarshal(dialer.conn(3).sent(protocol.TypeStart)[0], &start)
	if start.ResumptionToken != "" {
		t.Fatalf("token must be spent after one use: %+v", start)
	}
	e.Disconnect()
}

func TestNewerConnectWinsDialRace(t *testing.T) {
	dialer := newGatedDialer(state.ModePrimary, state.ModeFallback)
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	e.Connect(state.ModeFallback, Config{})
	waitTrue(t, func() bool {
		return dialer.conn(state.ModePrimary) != nil && dialer.conn(state.ModeFallback) != nil
	})

	// The newer dial completes first and handshakes.
	close(dialer.gates[state.ModeFallback])
	waitTrue(t, func() bool {
		return len(dialer.conn(state.ModeFallback).sent(protocol.TypeStart)) == 1
	})
	dialer.conn(state.ModeFallback).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "new"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected && s.SessionID == "new" })

	// The older dial finishes late; its transport must be discarded
	// without a handshake.
	close(dialer.gates[state.ModePrimary])
	old := dialer.conn(state.ModePrimary)
	waitTrue(t, old.closed)
	if n := old.writeCount(); n != 0 {
		t.Fatalf("stale transport saw %d writes, want none", n)
	}

	snap := e.Snapshot()
	if !snap.Connected || snap.SessionID != "new" || snap.Mode != state.ModeFallback {
		t.Fatalf("stale dial displaced the newer session: %+v", snap)
	}
	e.Disconnect()
}

func TestDisconnectDiscardsInFlightDial(t *testing.T) {
	dialer := newGatedDialer(state.ModePrimary)
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(state.ModePrimary) != nil })
	e.Disconnect()

	close(dialer.gates[state.ModePrimary])
	conn := dialer.conn(state.ModePrimary)
	waitTrue(t, conn.closed)
	if n := conn.writeCount(); n != 0 {
		t.Fatalf("transport saw %d writes after disconnect, want none", n)
	}
	if snap := e.Snapshot(); snap.Connected {
		t.Fatalf("connected after disconnect: %+v", snap)
	}
}

func TestDialFailureKeepsRotationToken(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })
	conn.serve(protocol.GoAway{Type: protocol.TypeGoAway, SessionToken: "tok-5"})
	waitState(t, e, func(s state.VoxState) bool { return s.Reconnecting })
	_ = conn.Close()
	waitState(t, e, func(s state.VoxState) bool { return !s.Connected })

	// A connect that never reaches the backend must not spend the token.
	dialer.mu.Lock()
	dialer.failNext = 1
	dialer.mu.Unlock()
	e.Connect(state.ModePrimary, Config{})
	waitState(t, e, func(s state.VoxState) bool { return s.Err != "" && !s.Connected })

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(1) != nil && len(dialer.conn(1).sent(protocol.TypeStart)) == 1 })
	var start protocol.Start
	_ = json.Unmarshal(dialer.conn(1).sent(protocol.TypeStart)[0], &start)
	if start.ResumptionToken != "tok-5" {
		t.Fatalf("failed dial burned the token: %+v", start)
	}
	e.Disconnect()

	// Once the start frame carried it, the token is spent.
	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(2) != nil && len(dialer.conn(2).sent(protocol.TypeStart)) == 1 })
	start = protocol.Start{}
	_ = json.Unmarshal(dialer.conn(2).sent(protocol.TypeStart)[0], &start)
	if start.ResumptionToken != "" {
		t.Fatalf("token must be spent after one use: %+v", start)
	}
	e.Disconnect()
}

func TestDisconnectBeforeHandshakeSendsEnd(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })

	// No setup_complete yet: the transport is open but not handshaken.
	e.Disconnect()

	conn := dialer.conn(0)
	if ends := conn.sent(protocol.TypeEnd); len(ends) != 1 {
		t.Fatalf("end frames = %d, want 1", len(ends))
	}
	if !conn.closed() {
		t.Fatalf("transport left open after disconnect")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	dialer.conn(0).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })

	e.Disconnect()
	e.Disconnect()

	snap := e.Snapshot()
	if snap.Connected || snap.SessionID != "" || snap.Listening || snap.Speaking || snap.Mode != state.ModeNone {
		t.Fatalf("state after double disconnect: %+v", snap)
	}
	ends := dialer.conn(0).sent(protocol.TypeEnd)
	if len(ends) != 1 {
		t.Fatalf("end frames = %d, want 1", len(ends))
	}
}

func TestMalformedFramesDroppedSilently(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serveRaw(`{not json`)
	conn.serveRaw(`{"type":"mystery"}`)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})

	snap := waitState(t, e, func(s state.VoxState) bool { return s.Connected })
	if snap.Err != "" {
		t.Fatalf("malformed frames surfaced an error: %q", snap.Err)
	}
	e.Disconnect()
}

func TestDialFailureIsSilent(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("backend unreachable")}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	e.Connect(state.ModePrimary, Config{})
	snap := waitState(t, e, func(s state.VoxState) bool { return s.Err != "" })
	if snap.Connected {
		t.Fatalf("connected after dial failure")
	}
	if snap.Mode != state.ModeNone {
		t.Fatalf("mode not cleared after dial failure: %+v", snap)
	}
}

func TestSendTextAppendsAndForwards(t *testing.T) {
	dialer := &fakeDialer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}})

	// Before any session, sendText still records the entry.
	e.SendText("  hello  ")
	snap := e.Snapshot()
	if len(snap.Transcript) != 1 || snap.Transcript[0].Role != "user" || snap.Transcript[0].Text != "hello" {
		t.Fatalf("transcript = %+v", snap.Transcript)
	}

	e.Connect(state.ModePrimary, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	dialer.conn(0).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected })

	e.SendText("second")
	waitTrue(t, func() bool { return len(dialer.conn(0).sent(protocol.TypeText)) == 1 })
	e.Disconnect()
}

func TestSetVoicePersists(t *testing.T) {
	prefs := &memPrefs{voice: "aria"}
	e, _ := New(Options{Dialer: &fakeDialer{}, Workspace: &fakeWorkspace{}, Prefs: prefs})

	if got := e.Snapshot().Voice; got != "aria" {
		t.Fatalf("persisted voice not loaded: %q", got)
	}
	if err := e.SetVoice("nova"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	if v, _ := prefs.Voice(); v != "nova" {
		t.Fatalf("voice not persisted: %q", v)
	}
	if got := e.Snapshot().Voice; got != "nova" {
		t.Fatalf("snapshot voice = %q", got)
	}
	if err := e.SetVoice("  "); err == nil {
		t.Fatalf("blank voice accepted")
	}
}

func TestFallbackModeSpeaksAndForwardsFinals(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &scriptedRecognizer{}
	synth := &countingSynth{}
	e, _ := New(Options{
		Dialer:     dialer,
		Workspace:  &fakeWorkspace{},
		Recognizer: rec,
		Synth:      synth,
	})

	e.Connect(state.ModeFallback, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	conn := dialer.conn(0)
	conn.serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Connected && s.Listening })

	rec.emit(speech.RecognizerEvent{Type: speech.RecognizerFinal, Text: "turn on the lights"})
	waitTrue(t, func() bool { return len(conn.sent(protocol.TypeText)) == 1 })
	snap := e.Snapshot()
	found := false
	for _, entry := range snap.Transcript {
		if entry.Role == "user" && entry.Text == "turn on the lights" {
			found = true
		}
	}
	if !found {
		t.Fatalf("final transcription missing from transcript: %+v", snap.Transcript)
	}

	conn.serve(protocol.Text{Type: protocol.TypeText, Text: "done, lights are on"})
	waitTrue(t, func() bool { return synth.count() == 1 })
	waitState(t, e, func(s state.VoxState) bool {
		for _, entry := range s.Transcript {
			if entry.Role == "model" && entry.Text == "done, lights are on" {
				return true
			}
		}
		return false
	})

	e.Disconnect()
	waitState(t, e, func(s state.VoxState) bool { return !s.Listening })
	if rec.active() {
		t.Fatalf("recognizer still running after disconnect")
	}
}

func TestToggleMicFallback(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &scriptedRecognizer{}
	e, _ := New(Options{Dialer: dialer, Workspace: &fakeWorkspace{}, Recognizer: rec})

	e.ToggleMic() // no session yet

	e.Connect(state.ModeFallback, Config{})
	waitTrue(t, func() bool { return dialer.conn(0) != nil && len(dialer.conn(0).sent(protocol.TypeStart)) == 1 })
	dialer.conn(0).serve(protocol.SetupComplete{Type: protocol.TypeSetupComplete, SessionID: "s1"})
	waitState(t, e, func(s state.VoxState) bool { return s.Listening })

	e.ToggleMic()
	waitState(t, e, func(s state.VoxState) bool { return !s.Listening })
	snap := e.Snapshot()
	if !snap.Connected {
		t.Fatalf("toggling the mic off dropped the session: %+v", snap)
	}

	e.ToggleMic()
	waitState(t, e, func(s state.VoxState) bool { return s.Listening })
	e.Disconnect()
}

type scriptedRecognizer struct {
	mu       sync.Mutex
	sessions []*scriptedRecSession
}

type scriptedRecSession struct {
	mu     sync.Mutex
	closed bool
	events chan speech.RecognizerEvent
}

func (s *scriptedRecSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (r *scriptedRecognizer) StartListening(context.Context) (speech.RecognizerSession, <-chan speech.RecognizerEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &scriptedRecSession{events: make(chan speech.RecognizerEvent, 16)}
	r.sessions = append(r.sessions, s)
	return s, s.events, nil
}

func (r *scriptedRecognizer) emit(ev speech.RecognizerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		panic(fmt.Sprintf("no recognizer session for event %+v", ev))
	}
	s := r.sessions[len(r.sessions)-1]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (r *scriptedRecognizer) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return true
		}
	}
	return false
}

type countingSynth struct {
	mu sync.Mutex
	n  int
}

func (c *countingSynth) Speak(context.Context, string) (<-chan speech.SynthEvent, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	events := make(chan speech.SynthEvent, 2)
	events <- speech.SynthEvent{Type: speech.SynthStarted}
	events <- speech.SynthEvent{Type: speech.SynthFinished}
	close(events)
	return events, nil
}

func (c *countingSynth) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
