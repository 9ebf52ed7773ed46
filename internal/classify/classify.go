// Package classify enforces the metadata-only payload rule. It scores
// receipt payloads against configurable rule sets and rejects payloads
// that appear to carry raw evidence content, credentials, or personal
// data instead of metadata about them.
package classify

import (
	"context"
	"fmt"
	"strings"
)

// Finding is a single rule match returned by the classifier.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Report is the output of a classification run.
type Report struct {
	// Score is the aggregate risk score (0–100).
	Score int `json:"score"`

	// Severity is a human-readable label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Severity string `json:"severity"`

	// Findings lists every rule that triggered.
	Findings []Finding `json:"findings"`

	// Rejected is true when Score ≥ RejectThreshold. Payloads with
	// Rejected=true must not be written to the ledger.
	Rejected bool `json:"rejected"`
}

// RejectThreshold is the score at or above which a payload is refused.
const RejectThreshold = 65

// severityLabel maps a 0–100 score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}

// ruleFunc inspects one flattened payload field and returns zero or
// more Findings if its rule matches.
type ruleFunc func(path, value string) []Finding

// RulePolicy is the default classifier implementation. It runs a fixed
// set of pattern-matching rules against every string field of the
// payload and accumulates a score.
type RulePolicy struct {
	rules []ruleFunc
}

// NewRulePolicy returns a RulePolicy loaded with the default rule set.
func NewRulePolicy() *RulePolicy {
	p := &RulePolicy{}
	p.rules = []ruleFunc{
		ruleSecretMaterial,
		ruleSensitiveKey,
		ruleOversizeValue,
		ruleEncodedBlob,
	}
	return p
}

// Classify scores a payload without enforcing the reject threshold.
func (p *RulePolicy) Classify(payload map[string]any) *Report {
	var findings []Finding
	walkStrings(payload, "", func(path, value string) {
		for _, r := range p.rules {
			findings = append(findings, r(path, value)...)
		}
	})

	total := 0
	for _, f := range findings {
		total += int(f.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}

	if findings == nil {
		findings = []Finding{}
	}

	return &Report{
		Score:    total,
		Severity: severityLabel(total),
		Findings: findings,
		Rejected: total >= RejectThreshold,
	}
}

// Check implements the ingestion content-classifier contract: it
// returns a non-nil error when the payload must be refused.
func (p *RulePolicy) Check(_ context.Context, _ string, payload map[string]any) error {
	report := p.Classify(payload)
	if !report.Rejected {
		return nil
	}
	rules := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		rules = append(rules, f.Rule)
	}
	return fmt.Errorf("payload violates metadata-only rule (score %d, rules: %s)",
		report.Score, strings.Join(rules, ", "))
}

// walkStrings visits every string value in the payload, descending into
// nested objects and arrays. path is the dotted key path to the value.
func walkStrings(v any, path string, visit func(path, value string)) {
	switch t := v.(type) {
	case string:
		visit(path, t)
	case map[string]any:
		for k, child := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walkStrings(child, childPath, visit)
		}
	case []any:
		for _, child := range t {
			walkStrings(child, path, visit)
		}
	}
}
