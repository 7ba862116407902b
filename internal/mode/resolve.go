package mode

import (
	"fmt"

	"github.com/ppiankov/guardian/internal/model"
)

// TrustCounters is the accumulated history of a principal.
type TrustCounters struct {
	Interactions int `json:"interactions"`
	Transactions int `json:"transactions"`
}

// Thresholds is the floor both counters must reach for AUTOMATIC mode.
type Thresholds struct {
	MinInteractions int `json:"min_interactions"`
	MinTransactions int `json:"min_transactions"`
}

// DefaultThresholds returns the built-in trust floor.
func DefaultThresholds() Thresholds {
	return Thresholds{MinInteractions: 5, MinTransactions: 1}
}

// Mode is the operating mode granted for one decision.
type Mode struct {
	PrincipalID          string              `json:"principal_id"`
	RiskState            model.RiskState     `json:"risk_state"`
	Mode                 model.OperatingMode `json:"mode"`
	CanCharge            bool                `json:"can_charge"`
	CanExecute           bool                `json:"can_execute"`
	MustContactHuman     bool                `json:"must_contact_human"`
	RequiresConfirmation bool                `json:"requires_confirmation"`
	Reason               string              `json:"reason"`
}

// Resolver maps a risk tier and trust history to a Mode.
type Resolver struct {
	thresholds Thresholds
}

// NewResolver creates a Resolver. Negative thresholds are clamped to zero.
func NewResolver(th Thresholds) *Resolver {
	if th.MinInteractions < 0 {
		th.MinInteractions = 0
	}
	if th.MinTransactions < 0 {
		th.MinTransactions = 0
	}
	return &Resolver{thresholds: th}
}

// Thresholds returns the configured trust floor.
func (r *Resolver) Thresholds() Thresholds { return r.thresholds }

// Resolve applies strict precedence: BLACK, then RED, then trust.
// Trust history is consulted only after both safety tiers are ruled out.
func (r *Resolver) Resolve(principalID string, state model.RiskState, counters TrustCounters) Mode {
	m := Mode{PrincipalID: principalID, RiskState: state}

	switch {
	case state.Rank() >= model.Black.Rank():
		m.RiskState = model.Black
		m.Mode = model.ModeCustodial
		m.MustContactHuman = true
		m.Reason = "life-safety tier: custodial handling only"
		return m
	case state == model.Red:
		m.Mode = model.ModeSupervised
		m.MustContactHuman = true
		m.Reason = "red tier: charge and execution blocked pending human review"
		return m
	}

	if r.trusted(counters) {
		m.Mode = model.ModeAutomatic
		m.CanCharge = true
		m.CanExecute = true
		m.Reason = fmt.Sprintf("trusted: %d interactions, %d transactions", counters.Interactions, counters.Transactions)
		return m
	}

	m.Mode = model.ModeSupervised
	m.CanExecute = true
	m.RequiresConfirmation = true
	m.Reason = fmt.Sprintf("below trust floor (%d/%d interactions, %d/%d transactions): confirmation required",
		counters.Interactions, r.thresholds.MinInteractions,
		counters.Transactions, r.thresholds.MinTransactions)
	return m
}

func (r *Resolver) trusted(c TrustCounters) bool {
	return c.Interactions >= r.thresholds.MinInteractions &&
		c.Transactions >= r.thresholds.MinTransactions
}
