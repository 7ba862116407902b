// Package ledger defines the persistence contract of the decision ledger.
//
// Entries are append-only: nothing in this contract updates or deletes a
// ledger row. Multi-row writes happen inside Store.WithTx so that every row
// produced by one decision becomes visible together or not at all.
package ledger

import (
	"context"
	"strings"

	"github.com/ppiankov/guardian/internal/model"
)

// TransitionRequest moves a payment and its reservation after the gateway
// confirms a charge. PaymentID is the natural key.
type TransitionRequest struct {
	PaymentID     string
	ReservationID string
	Entry         model.LedgerEntry
}

// TransitionStatus reports what a transition did.
type TransitionStatus string

const (
	TransitionApplied        TransitionStatus = "applied"
	TransitionAlreadyApplied TransitionStatus = "already_applied"
	TransitionUnknownPayment TransitionStatus = "unknown_payment"
)

// TransitionOutcome is the result of Tx.Transition.
type TransitionOutcome struct {
	Status        TransitionStatus
	EventID       string
	ReservationID string
}

// Tx is the write side of the ledger, bound to one transaction.
type Tx interface {
	// InsertEntry appends entry and returns its event id.
	InsertEntry(ctx context.Context, entry model.LedgerEntry) (string, error)
	// InsertOverride appends an override record.
	InsertOverride(ctx context.Context, rec model.OverrideRecord) error
	// Transition captures a pending payment, confirms its held reservation and
	// appends req.Entry. Replaying an already captured payment mutates nothing
	// and reports TransitionAlreadyApplied.
	Transition(ctx context.Context, req TransitionRequest) (TransitionOutcome, error)
}

// Store is the ledger persistence layer.
type Store interface {
	// WithTx runs fn inside one transaction. A nil return commits; any error
	// rolls back every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Get returns the entry with id, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.LedgerEntry, error)
	// CountByRiskState returns entry counts per risk state.
	CountByRiskState(ctx context.Context) (map[model.RiskState]int, error)
	// CountOverrides returns the number of override records.
	CountOverrides(ctx context.Context) (int, error)
	// Latest returns up to n entries, newest first.
	Latest(ctx context.Context, n int) ([]model.LedgerEntry, error)
	// Entries calls fn for every entry in insertion order. Used by audit.
	Entries(ctx context.Context, fn func(model.LedgerEntry) error) error
	// Overrides calls fn for every override record. Used by audit.
	Overrides(ctx context.Context, fn func(model.OverrideRecord) error) error

	// Principal returns the principal with id, or model.ErrNotFound.
	Principal(ctx context.Context, id string) (*model.Principal, error)
	// PutPrincipal creates or replaces a principal.
	PutPrincipal(ctx context.Context, p model.Principal) error
	// DeactivatePrincipal clears the active flag.
	DeactivatePrincipal(ctx context.Context, id string) error

	// PutPayment seeds a payment (and its reservation when set) for the
	// gateway transition. Used by collaborators and tests.
	PutPayment(ctx context.Context, p model.Payment) error
	// Payment returns a payment and its reservation status.
	Payment(ctx context.Context, id string) (*model.Payment, *model.Reservation, error)

	Close() error
}

const (
	// DefaultLatest is used when a caller asks for no particular count.
	DefaultLatest = 20
	// MaxLatest bounds Latest.
	MaxLatest = 500
)

// ClampLatest maps n into [1, MaxLatest], using DefaultLatest for n <= 0.
func ClampLatest(n int) int {
	if n <= 0 {
		return DefaultLatest
	}
	if n > MaxLatest {
		return MaxLatest
	}
	return n
}

// ValidatePrincipal normalizes p and rejects incomplete principals.
func ValidatePrincipal(p *model.Principal) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return model.ErrInvalidInput.With("principal id is required")
	}
	role, err := model.ParseRole(string(p.Role))
	if err != nil {
		return model.ErrInvalidInput.With("%v", err)
	}
	p.Role = role
	p.VerticalScope = strings.TrimSpace(p.VerticalScope)
	if p.VerticalScope == "" {
		return model.ErrInvalidInput.With("vertical scope is required")
	}
	if strings.TrimSpace(p.OTPSecret) == "" {
		return model.ErrInvalidInput.With("otp secret is required")
	}
	return nil
}

// ValidatePayment normalizes p, defaulting the status to pending.
func ValidatePayment(p *model.Payment) error {
	p.PaymentID = strings.TrimSpace(p.PaymentID)
	p.ReservationID = strings.TrimSpace(p.ReservationID)
	if p.PaymentID == "" {
		return model.ErrInvalidInput.With("payment id is required")
	}
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	if p.Status != model.PaymentPending && p.Status != model.PaymentCaptured {
		return model.ErrInvalidInput.With("unknown payment status %q", p.Status)
	}
	if p.Amount < 0 {
		return model.ErrInvalidInput.With("payment amount must not be negative")
	}
	return nil
}
