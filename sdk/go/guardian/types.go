package guardian

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RiskState is the classification tier.
type RiskState string

const (
	Green  RiskState = "GREEN"
	Yellow RiskState = "YELLOW"
	Red    RiskState = "RED"
	Black  RiskState = "BLACK"
)

// OperatingMode is the autonomy level granted to an agent.
type OperatingMode string

const (
	Automatic  OperatingMode = "AUTOMATIC"
	Supervised OperatingMode = "SUPERVISED"
	Custodial  OperatingMode = "CUSTODIAL"
)

// Override targets.
const (
	GreenOverrideSupervised  = "GREEN_OVERRIDE_SUPERVISED"
	YellowOverrideSupervised = "YELLOW_OVERRIDE_SUPERVISED"
	BlackEscalation          = "BLACK_ESCALATION"
)

// Context is what the caller knows about the action it is about to take.
type Context struct {
	PrincipalID  string         `json:"principal_id,omitempty"`
	Vertical     string         `json:"vertical,omitempty"`
	Intent       string         `json:"intent,omitempty"`
	Signals      []string       `json:"signals,omitempty"`
	FinalPrice   *float64       `json:"final_price,omitempty"`
	CatalogPrice *float64       `json:"catalog_price,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Float returns a pointer to v, for the optional price fields.
func Float(v float64) *float64 { return &v }

// TrustCounters is the caller's completed history with a principal.
type TrustCounters struct {
	Interactions int `json:"interactions"`
	Transactions int `json:"transactions"`
}

// DecideRequest is a context plus trust history.
type DecideRequest struct {
	Context
	Counters TrustCounters `json:"trust_counters"`
}

// ModeRequest asks for the mode of an already classified tier.
type ModeRequest struct {
	PrincipalID string        `json:"principal_id"`
	RiskState   RiskState     `json:"risk_state"`
	Counters    TrustCounters `json:"trust_counters"`
}

// Evaluation is a classification result.
type Evaluation struct {
	State       RiskState `json:"risk_state"`
	Outcome     string    `json:"outcome"`
	Rationale   string    `json:"rationale"`
	RuleVersion string    `json:"rule_version"`
	Generation  uint64    `json:"rule_generation"`
	Ratio       *float64  `json:"price_ratio,omitempty"`
	Matched     string    `json:"matched_phrase,omitempty"`
}

// Degraded reports whether required context was missing.
func (e Evaluation) Degraded() bool { return e.Outcome == "degraded" }

// Mode is what the agent may do.
type Mode struct {
	PrincipalID          string        `json:"principal_id"`
	RiskState            RiskState     `json:"risk_state"`
	Mode                 OperatingMode `json:"mode"`
	CanCharge            bool          `json:"can_charge"`
	CanExecute           bool          `json:"can_execute"`
	MustContactHuman     bool          `json:"must_contact_human"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	Reason               string        `json:"reason"`
}

// Decision is a recorded automatic decision.
type Decision struct {
	EventID       string     `json:"event_id"`
	IntegrityHash string     `json:"integrity_hash"`
	Timestamp     time.Time  `json:"timestamp"`
	Evaluation    Evaluation `json:"evaluation"`
	Mode          Mode       `json:"mode"`
}

// Token is a short-lived override credential.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OverrideRequest supersedes a blocked decision.
type OverrideRequest struct {
	OriginalEventID string          `json:"original_event_id"`
	TargetDecision  string          `json:"target_decision"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
}

// OverrideResult is the ledger entry an override produced.
type OverrideResult struct {
	NewEventID      string        `json:"new_event_id"`
	OriginalEventID string        `json:"original_event_id"`
	IntegrityHash   string        `json:"integrity_hash"`
	OverrideHash    string        `json:"override_hash"`
	RiskState       RiskState     `json:"risk_state"`
	AppliedMode     OperatingMode `json:"applied_mode"`
	ResumeUntil     *time.Time    `json:"resume_until,omitempty"`
}

// Status is the aggregate ledger view.
type Status struct {
	Counts         map[RiskState]int `json:"counts"`
	Total          int               `json:"total"`
	Overrides      int               `json:"overrides"`
	RuleVersion    string            `json:"rule_version"`
	RuleGeneration uint64            `json:"rule_generation"`
}

// Entry is one ledger row.
type Entry struct {
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
	EventType     string         `json:"event_type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guardian: %s (%d %s, request %s)", e.Message, e.StatusCode, e.Code, e.RequestID)
}

// Temporary reports whether the call may succeed if retried later.
func (e *APIError) Temporary() bool { return e.StatusCode == 503 }

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// BlockedError is returned by Guard when the engine does not allow the
// action.
type BlockedError struct {
	Decision Decision
	Reason   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guardian blocked (%s, %s): %s", e.Decision.Evaluation.State, e.Decision.Mode.Mode, e.Reason)
}

// EventID is the ledger entry a human override must reference.
func (e *BlockedError) EventID() string { return e.Decision.EventID }
