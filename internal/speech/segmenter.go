package speech

import (
	"math"
	"time"
)

// SegmenterConfig tunes energy-based endpointing.
type SegmenterConfig struct {
	SampleRate int
	// StartRMS is the frame energy that opens an utterance.
	StartRMS float64
	// EndSilence is how much continuous low-energy tail closes one.
	EndSilence time.Duration
	// MinUtterance drops segments too short to transcribe usefully.
	MinUtterance time.Duration
	// MaxUtterance force-closes a segment so a noisy room can't buffer forever.
	MaxUtterance time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.StartRMS <= 0 {
		c.StartRMS = 0.015
	}
	if c.EndSilence <= 0 {
		c.EndSilence = 700 * time.Millisecond
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 280 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 20 * time.Second
	}
	return c
}

// Segmenter slices a continuous capture stream into utterances by RMS
// energy. Not safe for concurrent use; feed it from a single goroutine.
type Segmenter struct {
	cfg       SegmenterConfig
	onSegment func(samples []float32)

	active         bool
	buf            []float32
	silenceSamples int
}

func NewSegmenter(cfg SegmenterConfig, onSegment func([]float32)) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults(), onSegment: onSegment}
}

func (g *Segmenter) Feed(frame []float32) {
	if len(frame) == 0 {
		return
	}
	energy := rms(frame)

	if !g.active {
		if energy < g.cfg.StartRMS {
			return
		}
		g.active = true
		g.silenceSamples = 0
	}

	g.buf = append(g.buf, frame...)

	if energy < g.cfg.StartRMS {
		g.silenceSamples += len(frame)
		if g.silenceSamples >= g.samplesFor(g.cfg.EndSilence) {
			g.emit()
			return
		}
	} else {
		g.silenceSamples = 0
	}

	if len(g.buf) >= g.samplesFor(g.cfg.MaxUtterance) {
		g.emit()
	}
}

// Flush closes any open utterance, emitting it if long enough.
func (g *Segmenter) Flush() {
	if g.active {
		g.emit()
	}
}

func (g *Segmenter) emit() {
	buf := g.buf
	g.buf = nil
	g.active = false
	g.silenceSamples = 0

	if len(buf) < g.samplesFor(g.cfg.MinUtterance) {
		return
	}
	if g.onSegment != nil {
		g.onSegment(buf)
	}
}

func (g *Segmenter) samplesFor(d time.Duration) int {
	n := int(float64(g.cfg.SampleRate) * d.Seconds())
	if n < 1 {
		n = 1
	}
	return n
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
