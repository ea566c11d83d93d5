package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`    // establish, send_intent, respond, close, deliver, verify
	LatencyP99  time.Duration `json:"latency_p99"`  // Target p99 latency
	SuccessRate float64       `json:"success_rate"` // Target success rate (0-1)
	WindowHours int           `json:"window_hours"` // Evaluation window
}

// DefaultTargets returns the objectives the broker ships with. Latency
// targets sit inside the corresponding operational deadlines: admission
// decisions under the decision deadline, deliveries under the ack timeout.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-establish", Name: "Establishment", Operation: "establish", LatencyP99: 500 * time.Millisecond, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-send-intent", Name: "Intent Admission", Operation: "send_intent", LatencyP99: 2 * time.Second, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-respond", Name: "Response Admission", Operation: "respond", LatencyP99: 2 * time.Second, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-close", Name: "Closure", Operation: "close", LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-deliver", Name: "Frame Delivery", Operation: "deliver", LatencyP99: 10 * time.Second, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-verify", Name: "Chain Verification", Operation: "verify", LatencyP99: time.Second, SuccessRate: 0.9999, WindowHours: 24},
	}
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors SLOs across operations.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget       // operation → target
	observations map[string][]SLOObservation // operation → observations
	clock        func() time.Time
}

// NewSLOTracker creates a new tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// NewSLOTrackerWithDefaults creates a tracker preloaded with DefaultTargets.
func NewSLOTrackerWithDefaults() *SLOTracker {
	t := NewSLOTracker()
	for _, target := range DefaultTargets() {
		t.SetTarget(target)
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets an SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Operations lists every operation with a registered target, sorted.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Record records an observation. Observations that have aged out of the
// target's evaluation window are pruned on the way in, so memory stays
// bounded by traffic within the window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}

	kept := t.observations[obs.Operation]
	if target, ok := t.targets[obs.Operation]; ok && len(kept) > 0 {
		windowStart := obs.Timestamp.Add(-time.Duration(target.WindowHours) * time.Hour)
		trimmed := kept[:0]
		for _, o := range kept {
			if o.Timestamp.After(windowStart) {
				trimmed = append(trimmed, o)
			}
		}
		kept = trimmed
	}
	t.observations[obs.Operation] = append(kept, obs)
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	observations := t.observations[operation]
	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	// Filter to window
	var windowed []SLOObservation
	for _, obs := range observations {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:            target.SLOID,
			Operation:        operation,
			InCompliance:     true,
			ErrorBudgetLeft:  100.0,
			ObservationCount: 0,
		}, nil
	}

	// Compute success rate
	successCount := 0
	for _, obs := range windowed {
		if obs.Success {
			successCount++
		}
	}
	successRate := float64(successCount) / float64(len(windowed))

	// Compute p99 latency (approximate)
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	// Check compliance
	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate
	inCompliance := latencyOK && successOK

	// Compute error budget and burn rate
	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
	}
	budgetLeft := 100.0 * (1.0 - (errorRate / errorBudget))
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     inCompliance,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
