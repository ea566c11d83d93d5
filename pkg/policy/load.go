package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// supportedVersions gates which policy file majors this build understands.
var supportedVersions = mustConstraint("^1")

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// File-level document shape. Durations are strings in Go syntax ("5m").
type policyFile struct {
	Version    string            `yaml:"version"`
	TrustRules []trustRuleYAML   `yaml:"trust_rules"`
	Risk       *riskYAML         `yaml:"risk"`
	Plugins    map[string]string `yaml:"plugins"`
	Intents    []intentYAML      `yaml:"intents"`
}

type trustRuleYAML struct {
	Initiator  string `yaml:"initiator"`
	Responder  string `yaml:"responder"`
	TrustLevel int    `yaml:"trust_level"`
	Deny       bool   `yaml:"deny"`
}

type riskYAML struct {
	Weights         map[string]float64 `yaml:"weights"`
	Thresholds      []float64          `yaml:"thresholds"`
	MinContextBytes int                `yaml:"min_context_bytes"`
	SoftCaps        *capsYAML          `yaml:"soft_caps"`
	ProbationWindow string             `yaml:"probation_window"`
	RejectionWindow string             `yaml:"rejection_window"`
}

type capsYAML struct {
	MaxRetries  int    `yaml:"max_retries"`
	MaxDeadline string `yaml:"max_deadline"`
	MaxPriority int    `yaml:"max_priority"`
}

type intentYAML struct {
	Type   string      `yaml:"type"`
	Levels []levelYAML `yaml:"levels"`
}

type levelYAML struct {
	TrustLevel     int        `yaml:"trust_level"`
	Appointment    string     `yaml:"appointment"`
	RequireConsent bool       `yaml:"require_consent"`
	OversightCopy  bool       `yaml:"oversight_copy"`
	LegalHold      bool       `yaml:"legal_hold"`
	Filter         filterYAML `yaml:"filter"`
	Condition      string     `yaml:"condition"`
	Plugin         string     `yaml:"plugin"`
}

type filterYAML struct {
	MinContextBytes int           `yaml:"min_context_bytes"`
	ForbiddenTokens []string      `yaml:"forbidden_tokens"`
	Patterns        []patternYAML `yaml:"patterns"`
	Caps            *capsYAML     `yaml:"caps"`
	RequiredFields  []string      `yaml:"required_fields"`
}

type patternYAML struct {
	ID       string `yaml:"id"`
	Severity string `yaml:"severity"`
	Regex    string `yaml:"regex"`
}

// Load reads and compiles a policy file. The returned registry is immutable;
// call Load again and swap to reload.
func Load(ctx context.Context, path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(ctx, raw)
}

// Parse compiles a policy document from bytes.
func Parse(ctx context.Context, raw []byte) (*Registry, error) {
	var doc policyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("policy version %q: %w", doc.Version, err)
	}
	if !supportedVersions.Check(version) {
		return nil, fmt.Errorf("policy version %s is not supported (need %s)", version, "^1")
	}

	reg := &Registry{
		version: version.String(),
		entries: make(map[string][]levelEntry),
		plugins: make(map[string]*FilterPlugin),
	}

	rules, err := compileTrustRules(doc.TrustRules)
	if err != nil {
		return nil, err
	}
	reg.trust = NewTrustDirectory(rules)

	reg.risk, err = compileRisk(doc.Risk)
	if err != nil {
		return nil, err
	}

	for name, path := range doc.Plugins {
		plugin, err := LoadFilterPlugin(ctx, name, path)
		if err != nil {
			reg.ClosePlugins()
			return nil, err
		}
		reg.plugins[name] = plugin
	}

	for _, intent := range doc.Intents {
		if intent.Type == "" {
			reg.ClosePlugins()
			return nil, fmt.Errorf("intent entry without a type")
		}
		rows, err := compileIntent(intent, reg.plugins)
		if err != nil {
			reg.ClosePlugins()
			return nil, err
		}
		reg.entries[intent.Type] = rows
	}

	return reg, nil
}

func compileTrustRules(rules []trustRuleYAML) ([]TrustRule, error) {
	out := make([]TrustRule, 0, len(rules))
	for i, r := range rules {
		if r.Initiator == "" || r.Responder == "" {
			return nil, fmt.Errorf("trust rule %d: initiator and responder are required (use %q to match any)", i, Wildcard)
		}
		if !r.Deny && (r.TrustLevel < relation.TrustLevelMin || r.TrustLevel > relation.TrustLevelMax) {
			return nil, fmt.Errorf("trust rule %d: level %d out of range [%d,%d]", i, r.TrustLevel, relation.TrustLevelMin, relation.TrustLevelMax)
		}
		out = append(out, TrustRule{
			Initiator:  r.Initiator,
			Responder:  r.Responder,
			TrustLevel: r.TrustLevel,
			Deny:       r.Deny,
		})
	}
	return out, nil
}

func compileRisk(doc *riskYAML) (RiskModel, error) {
	model := DefaultRiskModel()
	if doc == nil {
		return model, nil
	}

	if doc.Weights != nil {
		model.Weights = doc.Weights
	}
	if len(doc.Thresholds) > 0 {
		if len(doc.Thresholds) != len(model.Thresholds) {
			return model, fmt.Errorf("risk thresholds: need %d values, got %d", len(model.Thresholds), len(doc.Thresholds))
		}
		copy(model.Thresholds[:], doc.Thresholds)
	}
	if doc.MinContextBytes > 0 {
		model.MinContextBytes = doc.MinContextBytes
	}
	if doc.SoftCaps != nil {
		caps, err := compileCaps(doc.SoftCaps)
		if err != nil {
			return model, fmt.Errorf("risk soft_caps: %w", err)
		}
		model.SoftCaps = caps
	}
	var err error
	if model.ProbationWindow, err = parseDuration(doc.ProbationWindow, model.ProbationWindow); err != nil {
		return model, fmt.Errorf("risk probation_window: %w", err)
	}
	if model.RejectionWindow, err = parseDuration(doc.RejectionWindow, model.RejectionWindow); err != nil {
		return model, fmt.Errorf("risk rejection_window: %w", err)
	}

	if err := model.Validate(); err != nil {
		return model, err
	}
	return model, nil
}

func compileCaps(doc *capsYAML) (ConstraintCaps, error) {
	caps := ConstraintCaps{
		MaxRetries:  doc.MaxRetries,
		MaxPriority: doc.MaxPriority,
	}
	var err error
	if caps.MaxDeadline, err = parseDuration(doc.MaxDeadline, 0); err != nil {
		return caps, fmt.Errorf("max_deadline: %w", err)
	}
	return caps, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", d)
	}
	return d, nil
}

func compileIntent(doc intentYAML, plugins map[string]*FilterPlugin) ([]levelEntry, error) {
	if len(doc.Levels) == 0 {
		return nil, fmt.Errorf("intent %s: at least one level entry is required", doc.Type)
	}

	rows := make([]levelEntry, 0, len(doc.Levels))
	seen := make(map[int]bool)
	floor := relation.TrustLevelMax + 1
	for _, lvl := range doc.Levels {
		if lvl.TrustLevel < relation.TrustLevelMin || lvl.TrustLevel > relation.TrustLevelMax {
			return nil, fmt.Errorf("intent %s: trust level %d out of range", doc.Type, lvl.TrustLevel)
		}
		if seen[lvl.TrustLevel] {
			return nil, fmt.Errorf("intent %s: duplicate entry for trust level %d", doc.Type, lvl.TrustLevel)
		}
		seen[lvl.TrustLevel] = true
		if lvl.TrustLevel < floor {
			floor = lvl.TrustLevel
		}

		entry, err := compileEntry(doc.Type, lvl, plugins)
		if err != nil {
			return nil, err
		}
		rows = append(rows, levelEntry{level: lvl.TrustLevel, entry: entry})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].level < rows[j].level })
	for i := range rows {
		rows[i].entry.TrustFloor = floor
	}
	return rows, nil
}

func compileEntry(intentType string, doc levelYAML, plugins map[string]*FilterPlugin) (Entry, error) {
	entry := Entry{
		IntentType:     intentType,
		RequireConsent: doc.RequireConsent,
		OversightCopy:  doc.OversightCopy,
		LegalHold:      doc.LegalHold,
		pluginName:     doc.Plugin,
	}

	switch mode := AppointmentMode(doc.Appointment); mode {
	case "", AppointmentNone:
		entry.Appointment = AppointmentNone
	case AppointmentGrace, AppointmentStrict:
		entry.Appointment = mode
	default:
		return entry, fmt.Errorf("intent %s level %d: unknown appointment mode %q", intentType, doc.TrustLevel, doc.Appointment)
	}

	var err error
	if entry.Filter, err = compileFilter(intentType, doc.TrustLevel, doc.Filter); err != nil {
		return entry, err
	}

	if doc.Condition != "" {
		entry.condition, err = CompileCondition(doc.Condition)
		if err != nil {
			return entry, fmt.Errorf("intent %s level %d: %w", intentType, doc.TrustLevel, err)
		}
	}

	if doc.Plugin != "" {
		if _, ok := plugins[doc.Plugin]; !ok {
			return entry, fmt.Errorf("intent %s level %d: unknown plugin %q", intentType, doc.TrustLevel, doc.Plugin)
		}
	}

	return entry, nil
}

func compileFilter(intentType string, level int, doc filterYAML) (FilterSpec, error) {
	spec := FilterSpec{
		MinContextBytes: doc.MinContextBytes,
		ForbiddenTokens: doc.ForbiddenTokens,
	}

	for _, p := range doc.Patterns {
		if p.ID == "" || p.Regex == "" {
			return spec, fmt.Errorf("intent %s level %d: pattern rules need id and regex", intentType, level)
		}
		sev := Severity(p.Severity)
		if p.Severity == "" {
			sev = SeverityReject
		}
		if !sev.valid() {
			return spec, fmt.Errorf("intent %s level %d: pattern %s has unknown severity %q", intentType, level, p.ID, p.Severity)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return spec, fmt.Errorf("intent %s level %d: pattern %s: %w", intentType, level, p.ID, err)
		}
		spec.Patterns = append(spec.Patterns, PatternRule{ID: p.ID, Severity: sev, re: re})
	}

	if doc.Caps != nil {
		caps, err := compileCaps(doc.Caps)
		if err != nil {
			return spec, fmt.Errorf("intent %s level %d: %w", intentType, level, err)
		}
		spec.Caps = caps
	}

	if len(doc.RequiredFields) > 0 {
		schema, err := compileRequiredFields(intentType, doc.RequiredFields)
		if err != nil {
			return spec, fmt.Errorf("intent %s level %d: %w", intentType, level, err)
		}
		spec.requiredSchema = schema
	}

	return spec, nil
}

// compileRequiredFields builds and compiles a minimal JSON schema requiring
// the named context fields.
func compileRequiredFields(intentType string, fields []string) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"type":     "object",
		"required": fields,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://accord.schemas.local/policy/%s.schema.json", intentType)
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}
