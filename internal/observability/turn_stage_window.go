package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageBudgetsMS are the p95 latency targets per turn stage. Collaborator
// stages dominate; the local stages should stay well below them.
var stageBudgetsMS = map[string]float64{
	StageRetrieve: 20,
	StageGate:     10,
	StagePersist:  150,
	StageGenerate: 6000,
	StageReflect:  8000,
	StageTotal:    15000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverBudget  int     `json:"over_budget,omitempty"`
}

// TurnIndicator counts discrete turn events such as reflection failures.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the most recent samples for one stage.
type stageRing struct {
	samples []float64
	head    int
	full    bool
}

func (r *stageRing) add(ms float64) {
	r.samples[r.head] = ms
	r.head = (r.head + 1) % len(r.samples)
	if r.head == 0 {
		r.full = true
	}
}

func (r *stageRing) last() float64 {
	i := r.head - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

func (r *stageRing) values() []float64 {
	if r.full {
		return slices.Clone(r.samples)
	}
	return slices.Clone(r.samples[:r.head])
}

type turnStageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		rings:      make(map[string]*stageRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &stageRing{samples: make([]float64, w.size)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*stageRing)
	w.indicators = make(map[string]int)
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		ring := w.rings[stage]
		values := ring.values()
		if len(values) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, values, ring.last()))
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	return snap
}

func summarize(stage string, values []float64, last float64) TurnStageStats {
	slices.Sort(values)
	budget := stageBudgetsMS[stage]
	sum, over := 0.0, 0
	for _, v := range values {
		sum += v
		if budget > 0 && v > budget {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(quantile(values, 0.50)),
		P95MS:       round2(quantile(values, 0.95)),
		P99MS:       round2(quantile(values, 0.99)),
		TargetP95MS: budget,
		OverBudget:  over,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
