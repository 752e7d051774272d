package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/voxcore/internal/protocol"
	"github.com/antoniostano/voxcore/internal/state"
)

// MaxPageText bounds the text returned by read_page_text.
const MaxPageText = 2000

// Workspace is the local client surface the browser-handled functions
// operate on. Implementations belong to the host application.
type Workspace interface {
	// CurrentView reports the active view path, e.g. "/chat".
	CurrentView() string
	// Navigate switches to the named view.
	Navigate(view string) error
	// StateSummary describes the workspace for the model.
	StateSummary() map[string]any
	// PageText returns the currently visible page text.
	PageText() string
}

// Dispatcher arbitrates function-call execution between the backend and
// the local client. Server-handled calls are logged and left pending
// until a function_result arrives; browser-handled calls execute
// locally, report back over the connection, and resolve synchronously.
type Dispatcher struct {
	store *state.Store
	ws    Workspace
	send  func(name string, result map[string]any) error

	// OnResolved, when set, observes every settled call with its site
	// ("browser" or "server") and final status.
	OnResolved func(site string, status state.FunctionStatus)
}

func New(store *state.Store, ws Workspace, send func(name string, result map[string]any) error) *Dispatcher {
	if send == nil {
		send = func(string, map[string]any) error { return nil }
	}
	return &Dispatcher{store: store, ws: ws, send: send}
}

// HandleCall processes one inbound function_call event.
func (d *Dispatcher) HandleCall(call protocol.FunctionCall) {
	now := time.Now().UTC()
	site := "browser"
	if call.ServerHandled {
		site = "server"
	}
	d.store.Dispatch(state.FunctionCallLogged{
		Name:          call.Name,
		Args:          call.Args,
		ServerHandled: call.ServerHandled,
		At:            now,
	})
	d.store.Dispatch(state.TranscriptAppended{
		Role: "system",
		Text: fmt.Sprintf("function call: %s (%s)", call.Name, site),
		At:   now,
	})

	if call.ServerHandled {
		// Already executed remotely; a function_result will settle it.
		return
	}

	result := d.execute(call.Name, call.Args)
	_ = d.send(call.Name, result)

	status := state.FunctionSuccess
	if ok, has := result["success"].(bool); has && !ok {
		status = state.FunctionError
	}
	d.store.Dispatch(state.FunctionResolved{
		Name:   call.Name,
		Status: status,
		Result: result,
		At:     time.Now().UTC(),
	})
	if d.OnResolved != nil {
		d.OnResolved("browser", status)
	}
}

// HandleResult settles the pending server-handled entry named by an
// inbound function_result event.
func (d *Dispatcher) HandleResult(res protocol.FunctionResult) {
	var decoded any
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &decoded); err != nil {
			decoded = string(res.Result)
		}
	}
	status := state.FunctionSuccess
	if obj, ok := decoded.(map[string]any); ok {
		if success, has := obj["success"].(bool); has && !success {
			status = state.FunctionError
		}
	}
	d.store.Dispatch(state.FunctionResolved{
		Name:   res.Name,
		Status: status,
		Result: decoded,
		At:     time.Now().UTC(),
	})
	if d.OnResolved != nil {
		d.OnResolved("server", status)
	}
}

// execute runs one call against the fixed local capability set.
func (d *Dispatcher) execute(name string, args map[string]any) map[string]any {
	switch name {
	case "navigate_page":
		path := strArg(args, "path")
		if path == "" {
			return map[string]any{"success": false, "error": "navigate_page requires a path"}
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if d.ws != nil {
			if err := d.ws.Navigate(path); err != nil {
				return map[string]any{"success": false, "error": err.Error()}
			}
		}
		return map[string]any{"success": true, "navigated_to": path}
	case "get_current_page":
		page := ""
		if d.ws != nil {
			page = d.ws.CurrentView()
		}
		return map[string]any{"success": true, "page": page}
	case "get_workspace_state":
		var summary map[string]any
		if d.ws != nil {
			summary = d.ws.StateSummary()
		}
		return map[string]any{"success": true, "state": summary}
	case "switch_model":
		// Model switching is owned by the host application; acknowledge
		// the request without performing it.
		return map[string]any{
			"success": true,
			"note":    fmt.Sprintf("model switch to %q noted; applied by the host application", strArg(args, "model")),
		}
	case "switch_theme":
		return map[string]any{
			"success": true,
			"note":    fmt.Sprintf("theme switch to %q noted; applied by the host application", strArg(args, "theme")),
		}
	case "read_page_text":
		text := ""
		if d.ws != nil {
			text = d.ws.PageText()
		}
		if len(text) > MaxPageText {
			text = text[:MaxPageText]
		}
		return map[string]any{"success": true, "text": text}
	default:
		return map[string]any{"success": false, "error": "Unknown browser function: " + name}
	}
}

func strArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
