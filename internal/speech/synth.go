package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecSynthesizer speaks through a local TTS CLI (espeak-ng by
// default), one process per utterance.
type ExecSynthesizer struct {
	binPath string
	voice   string
	wpm     int
}

func NewExecSynthesizer(bin, voice string, wpm int) (*ExecSynthesizer, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "espeak-ng"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("TTS binary not found (%s)", bin)
	}
	if wpm <= 0 {
		wpm = 175
	}
	return &ExecSynthesizer{binPath: path, voice: strings.TrimSpace(voice), wpm: wpm}, nil
}

func (s *ExecSynthesizer) Speak(ctx context.Context, text string) (<-chan SynthEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		ch := make(chan SynthEvent)
		close(ch)
		return ch, nil
	}

	args := []string{"-s", strconv.Itoa(s.wpm)}
	if s.voice != "" {
		args = append(args, "-v", s.voice)
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, s.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	events := make(chan SynthEvent, 4)
	go func() {
		defer close(events)
		events <- SynthEvent{Type: SynthStarted}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			events <- SynthEvent{Type: SynthError, Detail: detail}
			return
		}
		events <- SynthEvent{Type: SynthFinished}
	}()
	return events, nil
}
