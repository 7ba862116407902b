package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/guardian/internal/model"
)

// Context is the decision context a caller submits before acting.
type Context struct {
	PrincipalID  string         `json:"principal_id"`
	Vertical     string         `json:"vertical"`
	Intent       string         `json:"intent"`
	Signals      []string       `json:"signals,omitempty"`
	FinalPrice   *float64       `json:"final_price,omitempty"`
	CatalogPrice *float64       `json:"catalog_price,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Outcome tags whether an evaluation ran in full.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDegraded Outcome = "degraded"
)

// Evaluation is the result of classifying a Context.
type Evaluation struct {
	State       model.RiskState `json:"risk_state"`
	Outcome     Outcome         `json:"outcome"`
	Rationale   string          `json:"rationale"`
	RuleVersion string          `json:"rule_version"`
	Generation  uint64          `json:"rule_generation"`
	Ratio       *float64        `json:"price_ratio,omitempty"`
	Matched     string          `json:"matched_phrase,omitempty"`
}

// Degraded reports whether required context was missing.
func (e Evaluation) Degraded() bool { return e.Outcome == OutcomeDegraded }

// Evaluate classifies ctx against table.
//
// Evaluation order (must not be changed):
//  1. Price anomaly: ratio outside the band sets the floor to RED
//  2. Emergency phrase: forces BLACK, outranking step 1
//  3. Required fields: missing fields degrade to GREEN unless step 1 had data
//  4. Alert phrase: raises to YELLOW
//  5. Default GREEN
func Evaluate(table *RuleTable, ctx Context) Evaluation {
	if table == nil {
		table = DefaultRuleTable()
	}
	ev := Evaluation{
		State:       model.Green,
		Outcome:     OutcomeOK,
		RuleVersion: table.Version,
	}

	// Step 1: price anomaly. Never skipped when the data exists.
	ratio, hasRatio := priceRatio(ctx)
	anomaly := false
	if hasRatio {
		r := ratio
		ev.Ratio = &r
		if !table.PriceBand.Contains(ratio) {
			anomaly = true
			ev.State = model.Red
			ev.Rationale = fmt.Sprintf("price ratio %.4f outside band [%g, %g]",
				ratio, table.PriceBand.Min, table.PriceBand.Max)
		}
	}

	// Step 2: life-safety outranks commercial risk.
	if phrase, ok := table.emergency.match(contextText(ctx)); ok {
		ev.State = model.Black
		ev.Matched = phrase
		ev.Rationale = joinRationale(fmt.Sprintf("emergency phrase %q", phrase), ev.Rationale)
		return ev
	}

	// Step 3: missing required fields. With price data the evaluation
	// still runs in full; the gap is only noted.
	var missingNote string
	if missing := missingFields(table.RequiredFields, ctx); len(missing) > 0 {
		if !hasRatio {
			ev.Outcome = OutcomeDegraded
			ev.Rationale = "degraded evaluation: missing " + strings.Join(missing, ", ")
			return ev
		}
		missingNote = "missing " + strings.Join(missing, ", ")
	}

	if anomaly {
		ev.Rationale = joinRationale(ev.Rationale, missingNote)
		return ev
	}

	// Step 4: alert phrases.
	if phrase, ok := table.alerting.match(contextText(ctx)); ok {
		ev.State = model.Yellow
		ev.Matched = phrase
		ev.Rationale = joinRationale(fmt.Sprintf("alert phrase %q", phrase), missingNote)
		return ev
	}

	// Step 5: default.
	if hasRatio {
		ev.Rationale = joinRationale(fmt.Sprintf("price ratio %.4f within band", ratio), missingNote)
	} else {
		ev.Rationale = "no risk signals"
	}
	return ev
}

// priceRatio returns final/catalog when both prices are present and usable.
func priceRatio(ctx Context) (float64, bool) {
	if ctx.FinalPrice == nil || ctx.CatalogPrice == nil {
		return 0, false
	}
	if *ctx.CatalogPrice <= 0 || *ctx.FinalPrice < 0 {
		return 0, false
	}
	return *ctx.FinalPrice / *ctx.CatalogPrice, true
}

func contextText(ctx Context) string {
	parts := make([]string, 0, len(ctx.Signals)+1)
	if ctx.Intent != "" {
		parts = append(parts, ctx.Intent)
	}
	parts = append(parts, ctx.Signals...)
	return strings.Join(parts, " \n ")
}

func knownField(name string) bool {
	switch name {
	case "intent", "vertical", "principal_id", "signals":
		return true
	}
	return false
}

func missingFields(required []string, ctx Context) []string {
	var missing []string
	for _, f := range required {
		var present bool
		switch f {
		case "intent":
			present = strings.TrimSpace(ctx.Intent) != ""
		case "vertical":
			present = strings.TrimSpace(ctx.Vertical) != ""
		case "principal_id":
			present = strings.TrimSpace(ctx.PrincipalID) != ""
		case "signals":
			present = len(ctx.Signals) > 0
		}
		if !present {
			missing = append(missing, f)
		}
	}
	return missing
}

func joinRationale(primary, secondary string) string {
	if secondary == "" {
		return primary
	}
	return primary + "; " + secondary
}
