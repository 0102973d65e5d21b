package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Decision stages timed by the gate. Each request records decision_total;
// the others are recorded only when the request reaches that stage, so a
// denial at the level check never contributes a tool_invoke sample.
const (
	StageEscalationCheck = "escalation_check"
	StageLevelCheck      = "level_check"
	StageChallengeIssue  = "challenge_issue"
	StageAuditAppend     = "audit_append"
	StageToolInvoke      = "tool_invoke"
	StageDecisionTotal   = "decision_total"
)

// DecisionStageStats summarises the recent samples for one stage. OverTarget
// is set once the window's p95 exceeds the stage's latency budget.
type DecisionStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// DecisionIndicator counts fail-closed events (audit_failure,
// delivery_failure) that never show up as latency.
type DecisionIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DecisionStageSnapshot is what /v1/perf/decisions serves. SlowStages lists
// the stages whose p95 is over budget, in stage-name order.
type DecisionStageSnapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	WindowSize  int                  `json:"window_size"`
	Stages      []DecisionStageStats `json:"stages"`
	SlowStages  []string             `json:"slow_stages,omitempty"`
	Indicators  []DecisionIndicator  `json:"indicators,omitempty"`
}

// decisionStageWindow keeps the last maxSamples latencies per gate stage in
// ring buffers, so percentiles track current behaviour rather than the
// process lifetime that the Prometheus histograms cover.
type decisionStageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*decisionStageBuffer
	indicators map[string]int
}

type decisionStageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newDecisionStageWindow(maxSamples int) *decisionStageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &decisionStageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*decisionStageBuffer),
		indicators: make(map[string]int),
	}
}

func (w *decisionStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &decisionStageBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *decisionStageWindow) Snapshot() DecisionStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]DecisionStageStats, 0, len(w.stages))
	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	var slow []string
	for _, stage := range keys {
		st, ok := w.stages[stage].stats(stage)
		if !ok {
			continue
		}
		if st.OverTarget {
			slow = append(slow, stage)
		}
		stages = append(stages, st)
	}

	indicators := make([]DecisionIndicator, 0, len(w.indicators))
	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	for _, name := range indicatorKeys {
		count := w.indicators[name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, DecisionIndicator{
			Name:  name,
			Count: count,
		})
	}

	return DecisionStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		SlowStages:  slow,
		Indicators:  indicators,
	}
}

func (b *decisionStageBuffer) stats(stage string) (DecisionStageStats, bool) {
	if b == nil {
		return DecisionStageStats{}, false
	}
	n := b.next
	if b.filled {
		n = len(b.values)
	}
	if n <= 0 {
		return DecisionStageStats{}, false
	}
	samples := make([]float64, n)
	copy(samples, b.values[:n])
	sort.Float64s(samples)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	p95 := quantile(samples, 0.95)
	target := stageTargetP95MS(stage)
	return DecisionStageStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      round2(b.last),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(p95),
		P99MS:       round2(quantile(samples, 0.99)),
		TargetP95MS: target,
		OverTarget:  target > 0 && p95 > target,
	}, true
}

func (w *decisionStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *decisionStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*decisionStageBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageTargetP95MS is the p95 budget per stage in milliseconds. Challenge
// issue includes code delivery; tool invoke includes the downstream call.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageEscalationCheck:
		return 2
	case StageLevelCheck:
		return 5
	case StageChallengeIssue:
		return 1500
	case StageAuditAppend:
		return 50
	case StageToolInvoke:
		return 800
	case StageDecisionTotal:
		return 1000
	default:
		return 0
	}
}
