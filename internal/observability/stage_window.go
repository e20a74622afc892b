package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names tracked in the rolling latency window.
const (
	StageAIConnect       = "ai_connect"
	StageAnswerToAIReady = "answer_to_ai_ready"
	StageFirstAIAudio    = "first_ai_audio"
	StagePollTick        = "poll_tick"
)

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]float64{
	StageAIConnect:       1500,
	StageAnswerToAIReady: 800,
	StageFirstAIAudio:    2500,
	StagePollTick:        1000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts discrete call events (degraded AI, stale legs closed, ...)
// since the last reset.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []float64
	head int
	size int
}

func (r *ring) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// sorted returns a sorted copy of the retained samples.
func (r *ring) sorted() []float64 {
	out := make([]float64, 0, r.size)
	if r.size < len(r.buf) {
		out = append(out, r.buf[:r.size]...)
	} else {
		out = append(out, r.buf...)
	}
	sort.Float64s(out)
	return out
}

type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*ring
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &stageWindow{capacity: capacity}
	w.clearLocked()
	return w
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{buf: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked()
}

func (w *stageWindow) clearLocked() {
	w.rings = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if r.size == 0 {
			continue
		}
		samples := r.sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(r.last()),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(percentile(samples, 50)),
			P95MS:       round2(percentile(samples, 95)),
			P99MS:       round2(percentile(samples, 99)),
			TargetP95MS: stageTargets[stage],
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
		}
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// percentile interpolates linearly between the closest ranks of a sorted
// sample set.
func percentile(sorted []float64, p float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(rank-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
