package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes one connect-pipeline stage over the sliding
// window (dial, handshake, first_audio).
type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// LatencyWindow keeps a bounded ring of per-stage latency samples for
// the stats endpoint. Prometheus histograms cover long-horizon trends;
// this answers "how slow were the last few connects".
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
	}
}

func (w *LatencyWindow) Observe(stage string, d time.Duration) {
	stage = strings.TrimSpace(stage)
	ms := float64(d.Milliseconds())
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.stages[stage]
	if buf == nil {
		buf = &stageBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.next = (buf.next + 1) % w.maxSamples
	if buf.next == 0 {
		buf.filled = true
	}
	buf.last = ms
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
	}
	for stage, buf := range w.stages {
		n := buf.next
		if buf.filled {
			n = w.maxSamples
		}
		if n == 0 {
			continue
		}
		values := make([]float64, n)
		copy(values, buf.values[:n])
		sort.Float64s(values)

		var sum float64
		for _, v := range values {
			sum += v
		}
		out.Stages = append(out.Stages, StageStats{
			Stage:   stage,
			Samples: n,
			LastMS:  buf.last,
			AvgMS:   round1(sum / float64(n)),
			P50MS:   round1(percentile(values, 0.50)),
			P95MS:   round1(percentile(values, 0.95)),
			P99MS:   round1(percentile(values, 0.99)),
		})
	}
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Stage < out.Stages[j].Stage })
	return out
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
