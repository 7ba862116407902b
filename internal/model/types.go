package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskState is the risk tier assigned to a pending action.
type RiskState string

const (
	Green  RiskState = "GREEN"
	Yellow RiskState = "YELLOW"
	Red    RiskState = "RED"
	Black  RiskState = "BLACK"
)

// riskRank orders tiers so escalation can be applied monotonically.
var riskRank = map[RiskState]int{
	Green:  0,
	Yellow: 1,
	Red:    2,
	Black:  3,
}

// Rank returns the comparable rank of the tier. Unknown tiers rank as Black
// so that a corrupted value is never treated as safe.
func (s RiskState) Rank() int {
	if r, ok := riskRank[s]; ok {
		return r
	}
	return riskRank[Black]
}

// AtLeast returns the higher of s and floor.
func (s RiskState) AtLeast(floor RiskState) RiskState {
	if floor.Rank() > s.Rank() {
		return floor
	}
	return s
}

// Blocked reports whether the tier stops automatic execution.
func (s RiskState) Blocked() bool {
	return s != Green
}

// ParseRiskState maps a string to a RiskState.
func ParseRiskState(s string) (RiskState, error) {
	rs := RiskState(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskRank[rs]; !ok {
		return "", fmt.Errorf("unknown risk state %q", s)
	}
	return rs, nil
}

// AllRiskStates lists tiers in ascending order.
func AllRiskStates() []RiskState {
	return []RiskState{Green, Yellow, Red, Black}
}

// OperatingMode is the automation level granted for a decision.
type OperatingMode string

const (
	ModeAutomatic  OperatingMode = "AUTOMATIC"
	ModeSupervised OperatingMode = "SUPERVISED"
	ModeCustodial  OperatingMode = "CUSTODIAL"
)

// EventType distinguishes machine decisions from human overrides.
type EventType string

const (
	EventAutomatic EventType = "AUTOMATIC"
	EventOverride  EventType = "OVERRIDE"
)

// Role is the authority level of a human principal.
type Role string

const (
	RoleArchitect  Role = "ARCHITECT"
	RoleSupervisor Role = "SUPERVISOR"
	RoleCustodian  Role = "CUSTODIAN"
)

// ParseRole maps a string to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleArchitect, RoleSupervisor, RoleCustodian:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// WildcardScope grants a principal every vertical.
const WildcardScope = "*"

// Principal is a human operator provisioned out of band.
type Principal struct {
	ID            string `json:"principal_id"`
	Role          Role   `json:"role"`
	VerticalScope string `json:"vertical_scope"`
	OTPSecret     string `json:"-"`
	Active        bool   `json:"active"`
}

// CoversVertical reports whether the principal's scope includes vertical.
func (p *Principal) CoversVertical(vertical string) bool {
	return ScopeCovers(p.VerticalScope, vertical)
}

// ScopeCovers reports whether scope is the wildcard or equals vertical.
func ScopeCovers(scope, vertical string) bool {
	scope = strings.TrimSpace(scope)
	if scope == WildcardScope {
		return true
	}
	return scope != "" && strings.EqualFold(scope, strings.TrimSpace(vertical))
}

// LedgerEntry is one append-only row of the decision ledger.
type LedgerEntry struct {
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	PrincipalID   string         `json:"principal_id"`
	Vertical      string         `json:"vertical"`
	RiskState     RiskState      `json:"risk_state"`
	AppliedMode   OperatingMode  `json:"applied_mode"`
	Intent        string         `json:"intent"`
	Rationale     string         `json:"rationale"`
	Amount        *float64       `json:"amount,omitempty"`
	IntegrityHash string         `json:"integrity_hash"`
	OverrideBy    string         `json:"override_by,omitempty"`
	PrevEventID   string         `json:"prev_event_id,omitempty"`
	EventType     EventType      `json:"event_type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// OverrideRecord pairs a blocked entry with the human decision that
// superseded it.
type OverrideRecord struct {
	OriginalEventID string    `json:"original_event_id"`
	NewEventID      string    `json:"new_event_id"`
	PrincipalID     string    `json:"principal_id"`
	Role            Role      `json:"role"`
	Vertical        string    `json:"vertical"`
	Decision        string    `json:"decision"`
	Reason          string    `json:"reason"`
	Evidence        string    `json:"evidence"`
	IntegrityHash   string    `json:"integrity_hash"`
	CreatedAt       time.Time `json:"created_at"`
}

// Payment status values used by the gateway transition.
const (
	PaymentPending  = "pending"
	PaymentCaptured = "captured"
)

// Reservation status values used by the gateway transition.
const (
	ReservationHeld      = "held"
	ReservationConfirmed = "confirmed"
)

// Payment is a charge awaiting confirmation from the payment gateway.
type Payment struct {
	PaymentID     string    `json:"payment_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Status        string    `json:"status"`
	Amount        float64   `json:"amount"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Reservation is inventory held until its payment is captured.
type Reservation struct {
	ReservationID string    `json:"reservation_id"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
}
