// Package policy holds everything the broker decides from configuration
// rather than code: per-intent-type admission entries, the trust directory
// consulted at establish time, the risk model, content-filter rules, and
// optional CEL conditions and wasm filter plugins.
//
// A Registry is compiled once from its YAML file and immutable afterwards;
// readers take no lock. Reload builds a whole new Registry.
package policy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// AppointmentMode selects how the admission window check treats appointment
// boundaries for one intent type.
type AppointmentMode string

const (
	// AppointmentNone applies no appointment handling; activity expiry still
	// applies.
	AppointmentNone AppointmentMode = "none"
	// AppointmentGrace allows admissions within the grace period around the
	// window, tagged within_grace.
	AppointmentGrace AppointmentMode = "grace_period"
	// AppointmentStrict bounds admissions to the window to the second and
	// records violations as breach attempts.
	AppointmentStrict AppointmentMode = "strict"
)

// Severity grades a content-filter violation.
type Severity string

const (
	// SeverityWarn admits the intent and tags the event.
	SeverityWarn Severity = "warn"
	// SeverityReject rejects with filter_rejected.
	SeverityReject Severity = "reject"
	// SeverityCritical rejects as a breach attempt and closes the
	// relationship.
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityWarn, SeverityReject, SeverityCritical:
		return true
	}
	return false
}

// exceeds reports whether s outranks other.
func (s Severity) exceeds(other Severity) bool {
	return rank(s) > rank(other)
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityReject:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

// PatternRule is one compiled content pattern with its severity.
type PatternRule struct {
	ID       string
	Severity Severity
	re       *regexp.Regexp
}

// ConstraintCaps are hard per-entry ceilings on declared intent constraints.
// Zero values leave the dimension uncapped.
type ConstraintCaps struct {
	MaxRetries  int
	MaxDeadline time.Duration
	MaxPriority int
}

// FilterSpec is the compiled content filter for one policy entry.
type FilterSpec struct {
	MinContextBytes int
	ForbiddenTokens []string
	Patterns        []PatternRule
	Caps            ConstraintCaps
	requiredSchema  *jsonschema.Schema
}

// Entry is the admission policy resolved for one (intent type, trust level)
// pair.
type Entry struct {
	IntentType     string
	TrustFloor     int
	Appointment    AppointmentMode
	RequireConsent bool
	OversightCopy  bool
	LegalHold      bool
	Deny           bool
	Filter         FilterSpec
	condition      *Condition
	pluginName     string
}

// DenyAll is the conservative entry returned for unregistered intent types.
// Its trust floor sits above the maximum assignable level so check 3 always
// fails first.
func DenyAll(intentType string) Entry {
	return Entry{
		IntentType: intentType,
		TrustFloor: relation.TrustLevelMax + 1,
		Deny:       true,
	}
}

// Registry is the compiled, immutable policy set.
type Registry struct {
	version string
	// entries[intentType] is sorted ascending by trust level.
	entries map[string][]levelEntry
	trust   *TrustDirectory
	risk    RiskModel
	plugins map[string]*FilterPlugin
}

type levelEntry struct {
	level int
	entry Entry
}

// Version returns the loaded policy file version. It is stamped into every
// intent_admitted event so admissions are reproducible.
func (r *Registry) Version() string {
	return r.version
}

// Trust returns the establish-time trust directory.
func (r *Registry) Trust() *TrustDirectory {
	return r.trust
}

// Risk returns the risk model.
func (r *Registry) Risk() RiskModel {
	return r.risk
}

// Lookup resolves the entry for an intent type at a trust level. Unknown
// types get the deny-all default; known types fall back to the nearest lower
// registered level.
func (r *Registry) Lookup(intentType string, trustLevel int) Entry {
	rows, ok := r.entries[intentType]
	if !ok || len(rows) == 0 {
		return DenyAll(intentType)
	}
	// Highest registered level at or below the requested one.
	best := -1
	for i, row := range rows {
		if row.level <= trustLevel {
			best = i
		}
	}
	if best < 0 {
		// Registered only above this level; the floor check will reject.
		return rows[0].entry
	}
	return rows[best].entry
}

// Condition returns the entry's compiled CEL condition, if any.
func (e Entry) Condition() *Condition {
	return e.condition
}

// Plugin resolves the entry's wasm filter plugin against the registry.
func (r *Registry) Plugin(e Entry) *FilterPlugin {
	if e.pluginName == "" {
		return nil
	}
	return r.plugins[e.pluginName]
}

// ClosePlugins releases wasm runtimes. Call on shutdown or after Reload.
func (r *Registry) ClosePlugins() error {
	var firstErr error
	for name, p := range r.plugins {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close plugin %s: %w", name, err)
		}
	}
	return firstErr
}
