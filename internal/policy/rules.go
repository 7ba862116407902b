package policy

import (
	"fmt"
	"sync"

	"github.com/ppiankov/guardian/internal/alert"
)

// Rules holds the current rule table and counts successful reloads.
// Safe for concurrent use.
type Rules struct {
	path string

	mu         sync.RWMutex
	table      *RuleTable
	generation uint64
}

// NewRules loads the table at path (defaults when empty) as generation 1.
func NewRules(path string) (*Rules, error) {
	table, err := LoadRuleTable(path)
	if err != nil {
		return nil, err
	}
	return &Rules{path: path, table: table, generation: 1}, nil
}

// NewStaticRules wraps an already loaded table. Reload keeps it unchanged.
func NewStaticRules(table *RuleTable) *Rules {
	if table == nil {
		table = DefaultRuleTable()
	}
	return &Rules{table: table, generation: 1}
}

// Path returns the backing file, empty for static rules.
func (r *Rules) Path() string { return r.path }

// Current returns the active table and its generation.
func (r *Rules) Current() (*RuleTable, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table, r.generation
}

// Reload re-reads the backing file. On failure the active table is kept
// and the generation does not move.
func (r *Rules) Reload() (uint64, error) {
	if r.path == "" {
		_, gen := r.Current()
		return gen, nil
	}
	table, err := LoadRuleTable(r.path)
	if err != nil {
		_, gen := r.Current()
		return gen, fmt.Errorf("reload rules: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = table
	r.generation++
	return r.generation, nil
}

// Evaluate classifies ctx against the active table.
func (r *Rules) Evaluate(ctx Context) Evaluation {
	table, gen := r.Current()
	ev := Evaluate(table, ctx)
	ev.Generation = gen
	return ev
}

// Alerts returns the alert targets of the active table. Pass it to
// alert.NewDispatcher so that reloads retarget alerts too.
func (r *Rules) Alerts() []alert.AlertConfig {
	table, _ := r.Current()
	return table.Alerts
}
