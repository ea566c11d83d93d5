package policy

import (
	"fmt"
	"time"
)

// Risk signal names. Signals are recorded alongside the score in the
// intent_admitted event so any auditor can recompute the admission from the
// log.
const (
	SignalContextTooShort      = "context_too_short"
	SignalRecentRejections     = "recent_rejections"
	SignalConstraintsExcessive = "constraints_excessive"
	SignalProbation            = "probation"
	SignalResponderOverloaded  = "responder_overloaded"
)

// RiskModel scores admissions from deterministic signals. The score starts
// at 1.0 and loses the weight of every signal present; an overloaded
// responder zeroes it outright.
type RiskModel struct {
	// Weights per signal name.
	Weights map[string]float64
	// Thresholds indexed by trust level. An admission passes when
	// score >= Thresholds[level].
	Thresholds [6]float64
	// MinContextBytes triggers context_too_short below it.
	MinContextBytes int
	// SoftCaps trigger constraints_excessive when any declared constraint
	// exceeds them. Distinct from the filter's hard caps.
	SoftCaps ConstraintCaps
	// ProbationWindow is the first-contact period after creation during
	// which the probation signal fires.
	ProbationWindow time.Duration
	// RejectionWindow bounds how far back recent_rejections looks.
	RejectionWindow time.Duration
}

// DefaultRiskModel returns the built-in weights and thresholds used when the
// policy file has no risk section.
func DefaultRiskModel() RiskModel {
	return RiskModel{
		Weights: map[string]float64{
			SignalContextTooShort:      0.25,
			SignalRecentRejections:     0.35,
			SignalConstraintsExcessive: 0.20,
			SignalProbation:            0.15,
		},
		Thresholds:      [6]float64{0.90, 0.75, 0.60, 0.45, 0.30, 0.20},
		MinContextBytes: 16,
		SoftCaps: ConstraintCaps{
			MaxRetries:  3,
			MaxDeadline: time.Hour,
			MaxPriority: 7,
		},
		ProbationWindow: 15 * time.Minute,
		RejectionWindow: time.Hour,
	}
}

// Validate rejects weights and thresholds outside [0,1].
func (m RiskModel) Validate() error {
	for name, w := range m.Weights {
		if w <= 0 || w > 1 {
			return fmt.Errorf("risk weight %s = %v out of (0,1]", name, w)
		}
	}
	for level, th := range m.Thresholds {
		if th < 0 || th > 1 {
			return fmt.Errorf("risk threshold for level %d = %v out of [0,1]", level, th)
		}
	}
	if m.ProbationWindow < 0 || m.RejectionWindow < 0 {
		return fmt.Errorf("risk windows must not be negative")
	}
	return nil
}

// Score computes the admission score for a set of present signals.
func (m RiskModel) Score(signals []string) float64 {
	score := 1.0
	for _, s := range signals {
		if s == SignalResponderOverloaded {
			return 0
		}
		score -= m.Weights[s]
	}
	if score < 0 {
		return 0
	}
	return score
}

// Threshold returns the pass bar for a trust level. Out-of-range levels
// clamp, so grace-window gating one level down stays defined for level 0.
func (m RiskModel) Threshold(trustLevel int) float64 {
	if trustLevel < 0 {
		trustLevel = 0
	}
	if trustLevel >= len(m.Thresholds) {
		trustLevel = len(m.Thresholds) - 1
	}
	return m.Thresholds[trustLevel]
}
