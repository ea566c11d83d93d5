package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// filterViolations collects step-7 findings from the static filter rules,
// the policy entry's CEL condition, and its wasm plugin. An erroring
// condition or plugin is itself a reject-grade violation.
func (p *Pipeline) filterViolations(ctx context.Context, reg *policy.Registry, entry policy.Entry, rel *relation.Relationship, in *relation.Intent, withinGrace bool, canonical []byte) []policy.Violation {
	violations := entry.Filter.Evaluate(in)

	if cond := entry.Condition(); cond != nil {
		ok, err := cond.Evaluate(conditionInput(rel, in, withinGrace))
		switch {
		case err != nil:
			violations = append(violations, policy.Violation{
				RuleID:   "condition",
				Severity: policy.SeverityReject,
				Detail:   err.Error(),
			})
		case !ok:
			violations = append(violations, policy.Violation{
				RuleID:   "condition",
				Severity: policy.SeverityReject,
				Detail:   fmt.Sprintf("condition %q not satisfied", cond.Source()),
			})
		}
	}

	if plug := reg.Plugin(entry); plug != nil {
		verdict, err := plug.Run(ctx, canonical)
		switch {
		case err != nil:
			violations = append(violations, policy.Violation{
				RuleID:   "plugin",
				Severity: policy.SeverityReject,
				Detail:   err.Error(),
			})
		case !verdict.Allow:
			id := verdict.RuleID
			if id == "" {
				id = "plugin"
			}
			violations = append(violations, policy.Violation{
				RuleID:   id,
				Severity: verdict.Severity,
				Detail:   verdict.Detail,
			})
		}
	}
	return violations
}

// conditionInput is the view a CEL condition evaluates over, exposed under
// the top-level "input" variable. Durations are surfaced as integer seconds;
// the determinism rules forbid floats.
func conditionInput(rel *relation.Relationship, in *relation.Intent, withinGrace bool) map[string]any {
	return map[string]any{
		"type":         in.Type,
		"context":      in.Context,
		"depth":        rel.Depth,
		"trust_level":  rel.TrustLevel,
		"within_grace": withinGrace,
		"on_behalf_of": in.OnBehalfOf,
		"constraints": map[string]any{
			"max_retries":      in.Constraints.MaxRetries,
			"deadline_seconds": int64(in.Constraints.Deadline / time.Second),
			"priority":         in.Constraints.Priority,
		},
	}
}

// riskSignals evaluates the deterministic step-8 signals in a fixed order.
// Every signal is reproducible from the relationship record and the event
// log except responder_overloaded, which reflects live queue state and is
// therefore recorded in the event payload when it fires.
func (p *Pipeline) riskSignals(ctx context.Context, rel *relation.Relationship, in *relation.Intent, model policy.RiskModel, now time.Time) ([]string, error) {
	signals := make([]string, 0, 5)
	if policy.ContextBytes(in.Context) < model.MinContextBytes {
		signals = append(signals, policy.SignalContextTooShort)
	}
	recent, err := p.recentRejections(ctx, rel.ID, now.Add(-model.RejectionWindow))
	if err != nil {
		return nil, err
	}
	if recent {
		signals = append(signals, policy.SignalRecentRejections)
	}
	if model.SoftCaps.Exceeded(in.Constraints) {
		signals = append(signals, policy.SignalConstraintsExcessive)
	}
	if now.Sub(rel.CreatedAt) < model.ProbationWindow {
		signals = append(signals, policy.SignalProbation)
	}
	if p.probe != nil && p.probe.Overloaded(rel.Responder) {
		signals = append(signals, policy.SignalResponderOverloaded)
	}
	return signals, nil
}

// recentRejections reports whether the chain carries an intent_rejected or
// breach_attempt event recorded at or after since. Chains are short by
// construction (depth cap plus rejections), so a tail scan is fine.
func (p *Pipeline) recentRejections(ctx context.Context, relID string, since time.Time) (bool, error) {
	events, err := p.store.ListEvents(ctx, relID, 0)
	if err != nil {
		return false, fmt.Errorf("scan rejection history: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := &events[i]
		if e.RecordedAt.Before(since) {
			break
		}
		if e.Type == relation.EventIntentRejected || e.Type == relation.EventBreachAttempt {
			return true, nil
		}
	}
	return false, nil
}

// violationDetails flattens violations into the shape recorded in rejection
// payloads.
func violationDetails(violations []policy.Violation) []map[string]any {
	out := make([]map[string]any, 0, len(violations))
	for _, v := range violations {
		d := map[string]any{
			"rule_id":  v.RuleID,
			"severity": string(v.Severity),
		}
		if v.Detail != "" {
			d["detail"] = v.Detail
		}
		out = append(out, d)
	}
	return out
}

// warningIDs returns the rule ids of warn-grade violations, carried into the
// admitted event when the filter otherwise passes.
func warningIDs(violations []policy.Violation) []string {
	var ids []string
	for _, v := range violations {
		if v.Severity == policy.SeverityWarn {
			ids = append(ids, v.RuleID)
		}
	}
	return ids
}

// admittedPayload is the intent_admitted event body: enough to replay the
// admission decision from the log without the raw context.
func admittedPayload(in *relation.Intent, entry policy.Entry, digest string, score float64, signals []string, policyVersion string, withinGrace bool, warnings []string) map[string]any {
	pl := map[string]any{
		"intent_type":    in.Type,
		"sender":         in.Sender,
		"digest":         digest,
		"risk_score":     score,
		"risk_signals":   signals,
		"policy_version": policyVersion,
	}
	if in.OnBehalfOf != "" {
		pl["on_behalf_of"] = in.OnBehalfOf
	}
	if withinGrace {
		pl["within_grace"] = true
	}
	if len(warnings) > 0 {
		pl["warnings"] = warnings
	}
	if entry.LegalHold {
		pl["legal_hold"] = true
	}
	if entry.OversightCopy {
		pl["oversight_copy"] = true
	}
	return pl
}

// rejectionPayload is the intent_rejected / breach_attempt event body.
func rejectionPayload(in *relation.Intent, digest string, rej relation.Rejection) map[string]any {
	pl := map[string]any{
		"kind":        string(rej.Kind),
		"intent_type": in.Type,
		"sender":      in.Sender,
		"digest":      digest,
	}
	if rej.Detail != "" {
		pl["detail"] = rej.Detail
	}
	if len(rej.Meta) > 0 {
		pl["meta"] = rej.Meta
	}
	return pl
}

// payloadSequence extracts an intent_sequence payload field across the
// numeric types a JSON round trip can produce.
func payloadSequence(payload map[string]any) (uint64, bool) {
	switch v := payload["intent_sequence"].(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	case float64:
		if v >= 0 {
			return uint64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}
