package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/guardian/internal/alert"
)

// PriceBand is the accepted range for final_price / catalog_price.
type PriceBand struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether ratio lies inside the closed band.
func (b PriceBand) Contains(ratio float64) bool {
	return ratio >= b.Min && ratio <= b.Max
}

// RuleTable is the versioned classification configuration.
// A loaded table is never mutated; reloads replace it wholesale.
type RuleTable struct {
	Version          string              `yaml:"version"`
	PriceBand        PriceBand           `yaml:"price_band"`
	EmergencyPhrases []string            `yaml:"emergency_phrases"`
	AlertPhrases     []string            `yaml:"alert_phrases"`
	RequiredFields   []string            `yaml:"required_fields"`
	Alerts           []alert.AlertConfig `yaml:"alerts"`

	emergency *phraseSet
	alerting  *phraseSet
	hash      string
}

// Hash returns "sha256:<hex>" of the YAML the table was loaded from.
func (t *RuleTable) Hash() string { return t.hash }

// DefaultRuleTable returns the built-in rule table.
func DefaultRuleTable() *RuleTable {
	t := &RuleTable{
		Version:   "builtin-1",
		PriceBand: PriceBand{Min: 0.2, Max: 3.0},
		EmergencyPhrases: []string{
			"suicide", "kill myself", "end my life", "self harm", "self-harm",
			"hurt myself", "want to die", "suicidio", "quitarme la vida",
			"hacerme daño", "no quiero vivir", "overdose",
			"heart attack", "can't breathe", "emergencia medica",
		},
		AlertPhrases: []string{
			"chargeback", "fraud", "stolen card", "lawyer", "lawsuit",
			"refund now", "complaint", "reclamo", "estafa", "fraude",
		},
		RequiredFields: []string{"intent", "vertical"},
	}
	t.compile()
	h := sha256.Sum256(nil)
	t.hash = "sha256:" + hex.EncodeToString(h[:])
	return t
}

// ParseRuleTable decodes YAML over the defaults and validates the result.
// Fields absent from the YAML keep their default values.
func ParseRuleTable(data []byte) (*RuleTable, error) {
	t := DefaultRuleTable()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse rule table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	t.compile()
	h := sha256.Sum256(data)
	t.hash = "sha256:" + hex.EncodeToString(h[:])
	return t, nil
}

// LoadRuleTable reads a rule table from a YAML file.
// Empty path returns the defaults. A missing or invalid file is an error:
// a configured path that cannot be read must not silently fall back.
func LoadRuleTable(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRuleTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule table: %w", err)
	}
	return ParseRuleTable(data)
}

func (t *RuleTable) validate() error {
	if strings.TrimSpace(t.Version) == "" {
		return fmt.Errorf("rule table: version is required")
	}
	if t.PriceBand.Min < 0 || t.PriceBand.Max <= 0 || t.PriceBand.Min >= t.PriceBand.Max {
		return fmt.Errorf("rule table: invalid price_band [%v, %v]", t.PriceBand.Min, t.PriceBand.Max)
	}
	for _, f := range t.RequiredFields {
		if !knownField(f) {
			return fmt.Errorf("rule table: unknown required field %q", f)
		}
	}
	for i, a := range t.Alerts {
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("rule table: alerts[%d] url is required", i)
		}
		for _, ev := range a.Events {
			if !alert.KnownEvent(ev) {
				return fmt.Errorf("rule table: alerts[%d] unknown event %q", i, ev)
			}
		}
	}
	return nil
}

func (t *RuleTable) compile() {
	t.emergency = newPhraseSet(t.EmergencyPhrases)
	t.alerting = newPhraseSet(t.AlertPhrases)
}

// DefaultRuleTableYAML returns a commented YAML string for init-rules.
func DefaultRuleTableYAML() string {
	return `# guardian rule table
# Generated by: guardian init-rules
#
# Evaluation order (cannot be changed):
#   1. Price ratio outside price_band -> at least RED
#   2. Emergency phrase -> BLACK (outranks RED)
#   3. Missing required field -> degraded GREEN (unless price data was present)
#   4. Alert phrase -> YELLOW
#   5. Default -> GREEN
#
# Bump version on every change; evaluations record the version they used.
version: "rules-1"

# Accepted band for final_price / catalog_price.
price_band:
  min: 0.2
  max: 3.0

# Matched case- and accent-insensitively on whole words.
emergency_phrases:
  - suicide
  - kill myself
  - end my life
  - self harm
  - want to die
  - suicidio
  - quitarme la vida
  - no quiero vivir

alert_phrases:
  - chargeback
  - fraud
  - stolen card
  - lawsuit
  - estafa
  - fraude

# Context fields that must be present for a full evaluation.
# Known fields: intent, vertical, principal_id, signals
required_fields:
  - intent
  - vertical

# Operator webhooks. events: black_state, override_granted, payment_rejected
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [black_state, override_granted]
`
}
