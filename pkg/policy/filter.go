package policy

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// Violation is one content-filter finding. Warn-level violations admit with
// a tag; the highest severity present decides the outcome.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// MaxSeverity returns the highest severity among violations, or "" when
// there are none.
func MaxSeverity(violations []Violation) Severity {
	var max Severity
	for _, v := range violations {
		if v.Severity.exceeds(max) {
			max = v.Severity
		}
	}
	return max
}

// ContextBytes measures an intent context by its canonical encoded size, so
// the minimum-length checks mean the same thing on every replay.
func ContextBytes(context map[string]any) int {
	if len(context) == 0 {
		return 0
	}
	raw, err := canonicalize.JCS(context)
	if err != nil {
		return 0
	}
	return len(raw)
}

// contextText renders the context into the normalized form token and
// pattern rules match against: canonical JSON, NFC, lowercase.
func contextText(context map[string]any) string {
	if len(context) == 0 {
		return ""
	}
	raw, err := canonicalize.JCS(context)
	if err != nil {
		return ""
	}
	return canonicalize.NormalizeText(string(raw))
}

// Evaluate runs every filter dimension over the intent and returns all
// violations found. The pipeline decides what the mix of severities means.
func (f *FilterSpec) Evaluate(in *relation.Intent) []Violation {
	var out []Violation

	if f.MinContextBytes > 0 && ContextBytes(in.Context) < f.MinContextBytes {
		out = append(out, Violation{
			RuleID:   "min_context",
			Severity: SeverityReject,
			Detail:   fmt.Sprintf("context is %d bytes, minimum is %d", ContextBytes(in.Context), f.MinContextBytes),
		})
	}

	text := contextText(in.Context)
	for _, token := range f.ForbiddenTokens {
		if token == "" {
			continue
		}
		if strings.Contains(text, canonicalize.NormalizeText(token)) {
			out = append(out, Violation{
				RuleID:   "forbidden_token:" + token,
				Severity: SeverityReject,
				Detail:   fmt.Sprintf("context contains forbidden token %q", token),
			})
		}
	}

	for _, rule := range f.Patterns {
		if rule.re != nil && rule.re.MatchString(text) {
			out = append(out, Violation{
				RuleID:   rule.ID,
				Severity: rule.Severity,
				Detail:   "context matches blocked pattern",
			})
		}
	}

	out = append(out, f.Caps.violations(in.Constraints)...)

	if f.requiredSchema != nil {
		doc := in.Context
		if doc == nil {
			doc = map[string]any{}
		}
		if err := f.requiredSchema.Validate(doc); err != nil {
			out = append(out, Violation{
				RuleID:   "required_fields",
				Severity: SeverityReject,
				Detail:   err.Error(),
			})
		}
	}

	return out
}

func (c ConstraintCaps) violations(declared relation.Constraints) []Violation {
	var out []Violation
	if c.MaxRetries > 0 && declared.MaxRetries > c.MaxRetries {
		out = append(out, Violation{
			RuleID:   "max_retries",
			Severity: SeverityReject,
			Detail:   fmt.Sprintf("declared retries %d exceed cap %d", declared.MaxRetries, c.MaxRetries),
		})
	}
	if c.MaxDeadline > 0 && declared.Deadline > c.MaxDeadline {
		out = append(out, Violation{
			RuleID:   "max_deadline",
			Severity: SeverityReject,
			Detail:   fmt.Sprintf("declared deadline %s exceeds cap %s", declared.Deadline, c.MaxDeadline),
		})
	}
	if c.MaxPriority > 0 && declared.Priority > c.MaxPriority {
		out = append(out, Violation{
			RuleID:   "max_priority",
			Severity: SeverityReject,
			Detail:   fmt.Sprintf("declared priority %d exceeds cap %d", declared.Priority, c.MaxPriority),
		})
	}
	return out
}

// Exceeded reports whether any declared constraint passes the caps; used by
// the risk model's constraints_excessive signal.
func (c ConstraintCaps) Exceeded(declared relation.Constraints) bool {
	return len(c.violations(declared)) > 0
}
