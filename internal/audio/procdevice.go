package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// ProcPlayback streams PCM16LE into a player subprocess (ffplay by
// default), the same worker-process approach used for the local speech
// backends.
type ProcPlayback struct {
	rate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func NewProcPlayback(player string, rate int) (*ProcPlayback, error) {
	if player == "" {
		player = "ffplay"
	}
	if rate <= 0 {
		rate = PlaybackRate
	}
	cmd := exec.Command(player,
		"-loglevel", "error",
		"-nodisp", "-autoexit",
		"-f", "s16le", "-ar", strconv.Itoa(rate), "-ch_layout", "mono",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player %s: %w", player, err)
	}
	return &ProcPlayback{rate: rate, cmd: cmd, stdin: stdin}, nil
}

func (p *ProcPlayback) Write(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("playback device closed")
	}
	_, err := p.stdin.Write(EncodePCM16LE(samples))
	return err
}

func (p *ProcPlayback) SampleRate() int { return p.rate }

func (p *ProcPlayback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	return p.cmd.Wait()
}

// ProcCapture reads PCM16LE buffers from a recorder subprocess (arecord
// by default) and delivers them as float buffers.
type ProcCapture struct {
	recorder string
	rate     int
	bufSize  int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	done    chan struct{}
	running bool
}

func NewProcCapture(recorder string, rate, bufMillis int) *ProcCapture {
	if recorder == "" {
		recorder = "arecord"
	}
	if rate <= 0 {
		rate = 48000
	}
	if bufMillis <= 0 {
		bufMillis = 128
	}
	return &ProcCapture{
		recorder: recorder,
		rate:     rate,
		bufSize:  rate * bufMillis / 1000 * 2,
	}
}

func (c *ProcCapture) SampleRate() int { return c.rate }

func (c *ProcCapture) Start(onBuffer func(samples []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("capture already running")
	}
	cmd := exec.Command(c.recorder,
		"-q", "-f", "S16_LE", "-r", strconv.Itoa(c.rate), "-c", "1", "-t", "raw",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder %s: %w", c.recorder, err)
	}
	c.cmd = cmd
	c.stdout = stdout
	c.done = make(chan struct{})
	c.running = true

	go func(stdout io.Reader, done chan struct{}) {
		defer close(done)
		buf := make([]byte, c.bufSize)
		for {
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				onBuffer(DecodePCM16LE(buf[:n-n%2]))
			}
			if err != nil {
				return
			}
		}
	}(stdout, c.done)
	return nil
}

func (c *ProcCapture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cmd, stdout, done := c.cmd, c.stdout, c.done
	c.cmd, c.stdout, c.done = nil, nil, nil
	c.mu.Unlock()

	_ = stdout.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	_ = cmd.Wait()
	return nil
}
