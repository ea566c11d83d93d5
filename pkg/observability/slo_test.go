package observability

import (
	"testing"
	"time"
)

func TestSLODefaultTargets(t *testing.T) {
	targets := DefaultTargets()
	if len(targets) != 6 {
		t.Fatalf("expected 6 targets, got %d", len(targets))
	}

	byOp := make(map[string]*SLOTarget)
	for _, target := range targets {
		if target.WindowHours <= 0 {
			t.Fatalf("target %s has no evaluation window", target.SLOID)
		}
		byOp[target.Operation] = target
	}
	for _, op := range []string{"establish", "send_intent", "respond", "close", "deliver", "verify"} {
		if _, ok := byOp[op]; !ok {
			t.Fatalf("no default target for %s", op)
		}
	}
	if byOp["send_intent"].LatencyP99 != 2*time.Second {
		t.Fatalf("admission latency target should sit at the decision deadline")
	}
}

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "send_intent",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status("send_intent")
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "deliver",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// Add 100 successful observations under latency target
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "deliver", Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("deliver")
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "verify",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// Add 90 success + 10 failures = 90% (below 99% target)
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: "verify", Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "verify", Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("verify")
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "respond",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate → burn rate = 5x
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: "respond", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: "respond", Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("respond")
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
}

func TestSLOWindowPruning(t *testing.T) {
	now := time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "close",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 24,
	})

	tracker.Record(SLOObservation{Operation: "close", Latency: time.Millisecond, Success: true})

	// A day later the first observation has aged out
	now = now.Add(25 * time.Hour)
	tracker.Record(SLOObservation{Operation: "close", Latency: time.Millisecond, Success: false})

	status, err := tracker.Status("close")
	if err != nil {
		t.Fatal(err)
	}
	if status.ObservationCount != 1 {
		t.Fatalf("expected stale observation pruned, got %d", status.ObservationCount)
	}
	if status.CurrentSuccess != 0.0 {
		t.Fatalf("expected only the failure to remain, got %.2f", status.CurrentSuccess)
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing target")
	}
}
