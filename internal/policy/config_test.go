package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/guardian/internal/model"
)

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
}

func TestDefaultRuleTableYAMLParses(t *testing.T) {
	table, err := ParseRuleTable([]byte(DefaultRuleTableYAML()))
	if err != nil {
		t.Fatalf("default YAML must parse: %v", err)
	}
	if table.Version != "rules-1" {
		t.Errorf("expected version rules-1, got %q", table.Version)
	}
	if table.PriceBand.Min != 0.2 || table.PriceBand.Max != 3.0 {
		t.Errorf("unexpected band %+v", table.PriceBand)
	}
	if !strings.HasPrefix(table.Hash(), "sha256:") {
		t.Errorf("expected sha256 hash, got %q", table.Hash())
	}
}

func TestParseRuleTableKeepsDefaultsForOmittedFields(t *testing.T) {
	table, err := ParseRuleTable([]byte("version: v9\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(table.EmergencyPhrases) == 0 {
		t.Error("expected default emergency phrases to survive partial YAML")
	}
	if table.PriceBand.Max != 3.0 {
		t.Errorf("expected default band max, got %v", table.PriceBand.Max)
	}
}

func TestParseRuleTableRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "version: [",
		"empty version": "version: \"\"\n",
		"inverted band": "version: v\nprice_band: {min: 3, max: 1}\n",
		"unknown field": "version: v\nrequired_fields: [colour]\n",
		"alert no url":  "version: v\nalerts:\n  - format: slack\n",
		"alert event":   "version: v\nalerts:\n  - url: http://x\n    events: [deny]\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRuleTable([]byte(yml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRuleTableMissingFileIsError(t *testing.T) {
	if _, err := LoadRuleTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for configured but missing rule file")
	}
}

func TestRulesReloadBumpsGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "version: v1\nalert_phrases: [refund]\n")

	rules, err := NewRules(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := Context{Vertical: "P1", Intent: "refund please"}
	if ev := rules.Evaluate(ctx); ev.State != model.Yellow || ev.Generation != 1 {
		t.Fatalf("expected YELLOW at generation 1, got %s/%d", ev.State, ev.Generation)
	}

	writeRules(t, path, "version: v2\nalert_phrases: [invoice]\n")
	gen, err := rules.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
	ev := rules.Evaluate(ctx)
	if ev.State != model.Green || ev.RuleVersion != "v2" {
		t.Fatalf("expected GREEN under v2, got %s under %s", ev.State, ev.RuleVersion)
	}
}

func TestRulesReloadFailureKeepsActiveTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "version: v1\n")

	rules, err := NewRules(path)
	if err != nil {
		t.Fatal(err)
	}
	writeRules(t, path, "version: [broken")

	gen, err := rules.Reload()
	if err == nil {
		t.Fatal("expected reload error")
	}
	if gen != 1 {
		t.Errorf("generation must not move on failure, got %d", gen)
	}
	table, _ := rules.Current()
	if table.Version != "v1" {
		t.Errorf("expected v1 to stay active, got %q", table.Version)
	}
}

func TestStaticRulesReloadIsNoop(t *testing.T) {
	rules := NewStaticRules(nil)
	gen, err := rules.Reload()
	if err != nil || gen != 1 {
		t.Fatalf("expected no-op reload, got %d, %v", gen, err)
	}
}
