package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voxcore/internal/archive"
	"github.com/antoniostano/voxcore/internal/audio"
	"github.com/antoniostano/voxcore/internal/config"
	"github.com/antoniostano/voxcore/internal/dispatch"
	"github.com/antoniostano/voxcore/internal/httpapi"
	"github.com/antoniostano/voxcore/internal/observability"
	"github.com/antoniostano/voxcore/internal/prefs"
	"github.com/antoniostano/voxcore/internal/speech"
	"github.com/antoniostano/voxcore/internal/state"
	"github.com/antoniostano/voxcore/internal/vox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(0)

	settings, err := prefs.Open(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("settings store init failed: %v", err)
	}
	defer settings.Close()

	store := state.NewStore(state.NewBus())

	archiveStore, err := archive.NewStore(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive store init failed: %v", err)
	}
	defer archiveStore.Close()
	recorder := archive.NewRecorder(archiveStore, store.Bus())
	defer recorder.Close()

	newCapture := func() (audio.CaptureDevice, error) {
		return audio.NewProcCapture(cfg.RecorderBinary, audio.CaptureRate, cfg.CaptureMillis), nil
	}
	newPlayback := func() (audio.PlaybackDevice, error) {
		return audio.NewProcPlayback(cfg.PlayerBinary, audio.PlaybackRate)
	}

	// Fallback mode degrades gracefully: a missing whisper binary or
	// TTS engine only disables local speech, not the whole daemon.
	var recognizer speech.RecognizerProvider
	if rec, err := speech.NewWhisperProvider(speech.WhisperConfig{
		CLI:        cfg.WhisperCLI,
		ModelPath:  cfg.WhisperModelPath,
		Language:   cfg.WhisperLanguage,
		Threads:    cfg.WhisperThreads,
		NewCapture: newCapture,
	}); err != nil {
		log.Printf("local recognizer unavailable: %v", err)
	} else {
		recognizer = rec
		log.Printf("local recognizer: whisper (%s)", cfg.WhisperModelPath)
	}

	var synth speech.Synthesizer
	if sy, err := speech.NewExecSynthesizer(cfg.TTSBinary, cfg.TTSVoice, cfg.TTSRate); err != nil {
		log.Printf("local synthesizer unavailable: %v", err)
	} else {
		synth = sy
	}

	engine, err := vox.New(vox.Options{
		Dialer:       &vox.WebSocketDialer{BaseURL: cfg.BackendURL},
		Store:        store,
		Workspace:    dispatch.NewMemoryWorkspace("/chat"),
		Recognizer:   recognizer,
		Synth:        synth,
		NewCapture:   newCapture,
		NewPlayback:  newPlayback,
		Prefs:        settings,
		Metrics:      metrics,
		Latency:      latency,
		DefaultModel: cfg.DefaultModel,
		SystemPrompt: cfg.SystemPrompt,
		DialTimeout:  cfg.DialTimeout,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	defer engine.Close()

	if engine.Snapshot().Voice == "" && cfg.DefaultVoice != "" {
		if err := engine.SetVoice(cfg.DefaultVoice); err != nil {
			log.Printf("default voice not persisted: %v", err)
		}
	}

	if cfg.AutoReconnect {
		reconnector := vox.NewReconnector(engine, vox.ReconnectPolicy{
			Base:        cfg.ReconnectBase,
			Cap:         cfg.ReconnectCap,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		})
		defer reconnector.Close()
	}

	api := httpapi.New(cfg, engine, latency)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Printf("voxcore listening on %s (backend %s)", cfg.BindAddr, cfg.BackendURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("shutdown complete")
}
