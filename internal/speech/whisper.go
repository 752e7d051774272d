package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voxcore/internal/audio"
)

// WhisperConfig configures the local whisper.cpp recognizer.
type WhisperConfig struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int

	Segmenter SegmenterConfig
	// NewCapture opens a fresh microphone stream per listening session.
	NewCapture func() (audio.CaptureDevice, error)
}

// WhisperProvider transcribes endpointed utterances through the
// whisper.cpp CLI. Each StartListening call owns its own capture device
// and transcription worker.
type WhisperProvider struct {
	cfg  WhisperConfig
	cli  whisperCLI
	open func() (audio.CaptureDevice, error)
}

func NewWhisperProvider(cfg WhisperConfig) (*WhisperProvider, error) {
	if cfg.NewCapture == nil {
		return nil, fmt.Errorf("capture device factory is required")
	}
	cli, err := newWhisperCLI(cfg.CLI, cfg.ModelPath, cfg.Language, cfg.Threads)
	if err != nil {
		return nil, err
	}
	return &WhisperProvider{cfg: cfg, cli: cli, open: cfg.NewCapture}, nil
}

func (p *WhisperProvider) StartListening(ctx context.Context) (RecognizerSession, <-chan RecognizerEvent, error) {
	dev, err := p.open()
	if err != nil {
		return nil, nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &whisperSession{
		cli:    p.cli,
		dev:    dev,
		events: make(chan RecognizerEvent, 64),
		segCh:  make(chan []float32, 8),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	devRate := dev.SampleRate()
	s.segmenter = NewSegmenter(p.cfg.Segmenter, func(samples []float32) {
		select {
		case s.segCh <- samples:
		default:
			// Transcription is behind; drop the oldest segment rather
			// than stalling the capture callback.
			select {
			case <-s.segCh:
			default:
			}
			select {
			case s.segCh <- samples:
			default:
			}
		}
	})

	if err := dev.Start(func(buf []float32) {
		s.mu.Lock()
		if !s.stopped {
			s.segmenter.Feed(audio.Decimate(buf, devRate, audio.CaptureRate))
		}
		s.mu.Unlock()
	}); err != nil {
		cancel()
		return nil, nil, err
	}

	go s.worker()
	return s, s.events, nil
}

type whisperSession struct {
	cli       whisperCLI
	dev       audio.CaptureDevice
	segmenter *Segmenter
	events    chan RecognizerEvent
	segCh     chan []float32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (s *whisperSession) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.dev.Stop()

	// The capture callback can't run past this point; flush whatever
	// tail the segmenter holds, then let the worker drain and exit.
	s.mu.Lock()
	s.segmenter.Flush()
	s.mu.Unlock()
	close(s.segCh)
	s.cancel()
	<-s.done
	return err
}

func (s *whisperSession) worker() {
	defer close(s.done)
	defer close(s.events)
	defer s.emit(RecognizerEvent{Type: RecognizerEnded})

	for samples := range s.segCh {
		if s.ctx.Err() != nil {
			return
		}
		pcm := audio.EncodePCM16LE(samples)

		ctx, cancel := context.WithTimeout(s.ctx, 25*time.Second)
		text, err := s.cli.Transcribe(ctx, pcm, audio.CaptureRate)
		cancel()

		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.emit(RecognizerEvent{Type: RecognizerError, Code: "whisper_failed", Detail: err.Error()})
			continue
		}
		if text == "" {
			s.emit(RecognizerEvent{Type: RecognizerError, Code: CodeNoSpeech})
			continue
		}
		s.emit(RecognizerEvent{Type: RecognizerFinal, Text: text})
	}
}

func (s *whisperSession) emit(ev RecognizerEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

type whisperCLI struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
}

func newWhisperCLI(cli, modelPath, language string, threads int) (whisperCLI, error) {
	cli = strings.TrimSpace(cli)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return whisperCLI{}, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}

	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return whisperCLI{}, fmt.Errorf("whisper model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return whisperCLI{}, fmt.Errorf("whisper model not found: %s", modelPath)
	}

	language = strings.TrimSpace(language)
	if language == "" {
		language = "en"
	}

	if threads <= 0 {
		threads = 4
		if n := runtime.NumCPU(); n > 0 {
			threads = n
		}
		if threads > 8 {
			threads = 8
		}
		if threads < 2 {
			threads = 2
		}
	}

	return whisperCLI{cliPath: cliPath, modelPath: modelPath, language: language, threads: threads}, nil
}

func (w whisperCLI) Transcribe(ctx context.Context, pcm16le []byte, sampleRate int) (string, error) {
	if len(pcm16le) == 0 {
		return "", nil
	}
	tmpDir, err := os.MkdirTemp("", "voxcore-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVFile(wavPath, pcm16le, sampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-t", strconv.Itoa(w.threads),
		"-otxt",
		"-of", outPrefix,
		"-nt",
	}

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", context.Canceled
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp can be extremely chatty; keep errors readable.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
