package policy

import (
	"testing"
)

func FuzzParseRuleTable(fz *testing.F) {
	fz.Add([]byte(DefaultRuleTableYAML()))
	fz.Add([]byte("version: minimal\n"))
	fz.Add([]byte("version: v2\nprice_band:\n  min: 0.5\n  max: 2\n"))
	fz.Add([]byte{})
	fz.Add([]byte(`{{{not yaml at all`))

	fz.Fuzz(func(t *testing.T, data []byte) {
		table, err := ParseRuleTable(data)
		if err != nil {
			return
		}
		// Any accepted table must classify without panicking.
		ev := Evaluate(table, Context{Intent: "I want to die", FinalPrice: f(1), CatalogPrice: f(10)})
		if ev.State == "" {
			t.Fatal("accepted table produced an empty risk state")
		}
	})
}

