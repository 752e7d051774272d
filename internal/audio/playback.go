package audio

import (
	"errors"
	"sync"
	"time"
)

var ErrSchedulerClosed = errors.New("playback scheduler closed")

// Scheduler plays inbound chunks back-to-back on a monotonically
// advancing cursor: each chunk starts at max(now, cursor) and the cursor
// advances by the chunk duration, so irregularly-sized chunks arriving
// at arbitrary times never overlap and leave minimal gaps.
type Scheduler struct {
	dev        PlaybackDevice
	rate       int
	onSpeaking func(bool)

	now   func() time.Time
	after func(d time.Duration, f func()) func() bool

	mu       sync.Mutex
	cursor   time.Time
	seq      int
	speaking bool
	closed   bool
	timers   map[int][]func() bool
}

func NewScheduler(dev PlaybackDevice, onSpeaking func(bool)) *Scheduler {
	return &Scheduler{
		dev:        dev,
		rate:       dev.SampleRate(),
		onSpeaking: onSpeaking,
		now:        time.Now,
		after: func(d time.Duration, f func()) func() bool {
			if d < 0 {
				d = 0
			}
			t := time.AfterFunc(d, f)
			return t.Stop
		},
		timers: make(map[int][]func() bool),
	}
}

// Schedule queues one chunk and returns its computed start time.
func (s *Scheduler) Schedule(samples []float32) (time.Time, error) {
	if len(samples) == 0 {
		return time.Time{}, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return time.Time{}, ErrSchedulerClosed
	}
	now := s.now()
	start := s.cursor
	if start.Before(now) {
		start = now
	}
	end := start.Add(Duration(len(samples), s.rate))
	s.cursor = end

	s.seq++
	seq := s.seq
	wasSpeaking := s.speaking
	s.speaking = true

	writeStop := s.after(start.Sub(now), func() {
		_ = s.dev.Write(samples)
	})
	doneStop := s.after(end.Sub(now), func() {
		s.chunkDone(seq)
	})
	s.timers[seq] = []func() bool{writeStop, doneStop}
	s.mu.Unlock()

	if !wasSpeaking && s.onSpeaking != nil {
		s.onSpeaking(true)
	}
	return start, nil
}

// chunkDone clears speaking only when the finished chunk is still the
// most recently scheduled one; earlier completions are superseded.
func (s *Scheduler) chunkDone(seq int) {
	s.mu.Lock()
	delete(s.timers, seq)
	last := !s.closed && seq == s.seq && s.speaking
	if last {
		s.speaking = false
	}
	s.mu.Unlock()

	if last && s.onSpeaking != nil {
		s.onSpeaking(false)
	}
}

// Speaking reports whether the play cursor is still ahead of now.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Close stops all pending timers and releases the device. No callback
// fires after Close returns.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.speaking = false
	stops := make([]func() bool, 0, len(s.timers)*2)
	for _, ts := range s.timers {
		stops = append(stops, ts...)
	}
	s.timers = make(map[int][]func() bool)
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return s.dev.Close()
}
