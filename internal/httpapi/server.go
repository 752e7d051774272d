package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxcore/internal/config"
	"github.com/antoniostano/voxcore/internal/observability"
	"github.com/antoniostano/voxcore/internal/state"
	"github.com/antoniostano/voxcore/internal/vox"
)

// Engine is the slice of the session engine the HTTP surface drives.
type Engine interface {
	Connect(mode state.Mode, cfg vox.Config)
	Disconnect()
	ToggleMic()
	SendText(text string)
	SetVoice(voice string) error
	Snapshot() state.VoxState
	Subscribe(event string, fn func(payload any)) int
	Unsubscribe(event string, id int)
}

type Server struct {
	cfg      config.Config
	engine   Engine
	latency  *observability.LatencyWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, engine Engine, latency *observability.LatencyWindow) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		latency: latency,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot observe the user's
				// session if the daemon is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/vox/connect", s.handleConnect)
	r.Post("/v1/vox/disconnect", s.handleDisconnect)
	r.Post("/v1/vox/text", s.handleText)
	r.Post("/v1/vox/mic", s.handleMic)
	r.Put("/v1/vox/voice", s.handleVoice)
	r.Get("/v1/vox/state", s.handleState)
	r.Get("/v1/vox/stats", s.handleStats)
	r.Get("/v1/vox/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"connected": s.engine.Snapshot().Connected,
	})
}

type connectRequest struct {
	Mode         string `json:"mode"`
	Voice        string `json:"voice"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = s.cfg.DefaultMode
	}
	mode := state.Mode(strings.TrimSpace(req.Mode))
	if mode != state.ModePrimary && mode != state.ModeFallback {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be primary or fallback")
		return
	}

	s.engine.Connect(mode, vox.Config{
		Voice:        strings.TrimSpace(req.Voice),
		Model:        strings.TrimSpace(req.Model),
		SystemPrompt: req.SystemPrompt,
	})
	// The dial is asynchronous; the caller watches /v1/vox/events or
	// polls /v1/vox/state for the outcome.
	respondJSON(w, http.StatusAccepted, s.engine.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.engine.Disconnect()
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	s.engine.SendText(req.Text)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (s *Server) handleMic(w http.ResponseWriter, _ *http.Request) {
	s.engine.ToggleMic()
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.engine.SetVoice(req.Voice); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_voice", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"voice": strings.TrimSpace(req.Voice)})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
