// Package gateway applies signed payment-gateway deliveries to the ledger.
//
// A delivery is verified, classified and then either recorded as a rejected
// AUTOMATIC entry or handed to the store's atomic transition. Replays of an
// already captured payment are detected by the store and change nothing.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/telemetry"
)

const (
	// SystemPrincipal is recorded as principal_id on gateway entries.
	SystemPrincipal = "payment-gateway"
	// DefaultVertical is used when a delivery names none.
	DefaultVertical = "payments"
	// MaxBodyBytes bounds an accepted delivery.
	MaxBodyBytes = 1 << 20
)

// Metadata keys written on gateway entries.
const (
	MetaOutcome        = "outcome"
	MetaGatewayEvent   = "gateway_event_id"
	MetaGatewayOutcome = "gateway_outcome"
	MetaPaymentID      = "payment_id"
	MetaReservationID  = "reservation_id"
	MetaRejectReason   = "reject_reason"
	MetaBodySHA256     = "body_sha256"
)

// Outcome values recorded under MetaOutcome.
const (
	OutcomeCaptured = "CAPTURED"
	OutcomeRejected = "REJECTED"
)

// Status is what Process reports back to the gateway.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusAlreadyApplied Status = "already_applied"
	StatusRejected       Status = "rejected"
	StatusIgnored        Status = "ignored"
)

// Event is the delivery body.
type Event struct {
	EventID       string   `json:"event_id"`
	Type          string   `json:"type"`
	PaymentID     string   `json:"payment_id"`
	ReservationID string   `json:"reservation_id,omitempty"`
	Outcome       string   `json:"outcome"`
	Amount        *float64 `json:"amount,omitempty"`
	Vertical      string   `json:"vertical,omitempty"`
}

// Success reports whether the gateway outcome confirms the charge.
func (e Event) Success() bool {
	switch strings.ToLower(strings.TrimSpace(e.Outcome)) {
	case "approved", "captured", "succeeded":
		return true
	}
	return false
}

// TransitionResult is returned for every verified delivery.
type TransitionResult struct {
	Status        Status `json:"status"`
	EventID       string `json:"event_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Config assembles a Processor.
type Config struct {
	Store    ledger.Store
	Hasher   *audit.Hasher
	Secret   string
	Notifier alert.Notifier
	// Tolerance bounds the age of the timestamp header. Zero disables the
	// check and the timestamp is only signed over.
	Tolerance time.Duration
	Now       func() time.Time
	NewID     func() string
}

// Processor handles gateway deliveries. It keeps no state between calls.
type Processor struct {
	store     ledger.Store
	hasher    *audit.Hasher
	secret    []byte
	notifier  alert.Notifier
	tolerance time.Duration
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
}

// New creates a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil || cfg.Hasher == nil {
		return nil, errors.New("gateway: store and hasher are required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("gateway: shared secret is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.Discard
	}
	if cfg.Now == nil {
		cfg.Now = audit.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Processor{
		store:     cfg.Store,
		hasher:    cfg.Hasher,
		secret:    []byte(cfg.Secret),
		notifier:  cfg.Notifier,
		tolerance: cfg.Tolerance,
		now:       cfg.Now,
		newID:     cfg.NewID,
		tracer:    telemetry.Tracer("github.com/ppiankov/guardian/internal/gateway"),
	}, nil
}

// Sign returns the hex signature of raw at timestamp under secret.
func Sign(secret, timestamp string, raw []byte) string {
	return hex.EncodeToString(signature([]byte(secret), timestamp, raw))
}

// signature is HMAC-SHA256 keyed with secret over timestamp, raw and secret.
func signature(secret []byte, timestamp string, raw []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(raw)
	mac.Write(secret)
	return mac.Sum(nil)
}

// Verify reports whether sig authenticates raw at timestamp.
func (p *Processor) Verify(raw []byte, sig, timestamp string) bool {
	if timestamp == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(signature(p.secret, timestamp, raw), got)
}

func (p *Processor) fresh(timestamp string) bool {
	if p.tolerance <= 0 {
		return true
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := p.now().Sub(time.Unix(sec, 0))
	if age < 0 {
		age = -age
	}
	return age <= p.tolerance
}

// Process verifies and applies one delivery.
//
// A bad signature returns model.ErrBadSignature and writes nothing. Every
// verified delivery returns a result and a nil error unless the store fails
// transiently, so the gateway stops retrying anything it cannot fix.
func (p *Processor) Process(ctx context.Context, raw []byte, sig, timestamp string) (res TransitionResult, err error) {
	ctx, span := p.tracer.Start(ctx, "gateway.Process")
	defer func() {
		span.SetAttributes(attribute.String("guardian.transition_status", string(res.Status)))
		telemetry.End(span, err)
	}()

	if len(raw) > MaxBodyBytes {
		return TransitionResult{}, model.ErrInvalidInput.With("delivery exceeds %d bytes", MaxBodyBytes)
	}
	if !p.Verify(raw, sig, timestamp) || !p.fresh(timestamp) {
		return TransitionResult{}, model.ErrBadSignature
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return p.reject(ctx, Event{}, raw, StatusIgnored, "unparsable body")
	}
	ev.PaymentID = strings.TrimSpace(ev.PaymentID)
	ev.ReservationID = strings.TrimSpace(ev.ReservationID)
	span.SetAttributes(attribute.String("guardian.payment_id", ev.PaymentID))
	if ev.PaymentID == "" {
		return p.reject(ctx, ev, raw, StatusIgnored, "missing payment_id")
	}
	if !ev.Success() {
		return p.reject(ctx, ev, raw, StatusRejected, fmt.Sprintf("gateway outcome %q", ev.Outcome))
	}
	return p.capture(ctx, ev, raw)
}

func (p *Processor) capture(ctx context.Context, ev Event, raw []byte) (TransitionResult, error) {
	entry, err := p.entry(ev, raw, OutcomeCaptured,
		fmt.Sprintf("gateway confirmed payment %s", ev.PaymentID), "")
	if err != nil {
		return TransitionResult{}, err
	}

	var out ledger.TransitionOutcome
	err = p.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Transition(ctx, ledger.TransitionRequest{
			PaymentID:     ev.PaymentID,
			ReservationID: ev.ReservationID,
			Entry:         entry,
		})
		return err
	})
	switch kind := model.KindOf(err); {
	case err == nil:
	case kind == model.KindInput || kind == model.KindAuthorization:
		// The payment cannot move from where it is. Nothing was applied;
		// record why and stop the gateway from retrying.
		return p.reject(ctx, ev, raw, StatusIgnored, err.Error())
	default:
		return TransitionResult{}, err
	}

	switch out.Status {
	case ledger.TransitionApplied:
		return TransitionResult{
			Status:        StatusApplied,
			EventID:       out.EventID,
			PaymentID:     ev.PaymentID,
			ReservationID: out.ReservationID,
		}, nil
	case ledger.TransitionAlreadyApplied:
		return TransitionResult{
			Status:        StatusAlreadyApplied,
			PaymentID:     ev.PaymentID,
			ReservationID: out.ReservationID,
			Detail:        "payment already captured",
		}, nil
	default:
		return p.reject(ctx, ev, raw, StatusIgnored, "unknown payment")
	}
}

// reject appends one AUTOMATIC entry tagged REJECTED and mutates nothing
// else. Repeating it is safe.
func (p *Processor) reject(ctx context.Context, ev Event, raw []byte, status Status, reason string) (TransitionResult, error) {
	entry, err := p.entry(ev, raw, OutcomeRejected,
		fmt.Sprintf("gateway delivery rejected: %s", reason), reason)
	if err != nil {
		return TransitionResult{}, err
	}
	err = p.store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(ctx, entry)
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	p.notifier.Notify(alert.AlertEvent{
		Timestamp:   entry.Timestamp.Format(audit.TimestampFormat),
		Type:        alert.EventPaymentRejected,
		EventID:     entry.EventID,
		PrincipalID: SystemPrincipal,
		Vertical:    entry.Vertical,
		RiskState:   string(entry.RiskState),
		Reason:      reason,
	})
	return TransitionResult{
		Status:        status,
		EventID:       entry.EventID,
		PaymentID:     ev.PaymentID,
		ReservationID: ev.ReservationID,
		Detail:        reason,
	}, nil
}

// entry builds a sealed GREEN entry. Gateway outcomes carry no commercial
// risk of their own; MetaOutcome tells captures and rejections apart.
func (p *Processor) entry(ev Event, raw []byte, outcome, rationale, reason string) (model.LedgerEntry, error) {
	sum := sha256.Sum256(raw)
	meta := map[string]any{
		MetaOutcome:    outcome,
		MetaBodySHA256: hex.EncodeToString(sum[:]),
	}
	if ev.EventID != "" {
		meta[MetaGatewayEvent] = ev.EventID
	}
	if ev.Outcome != "" {
		meta[MetaGatewayOutcome] = ev.Outcome
	}
	if ev.PaymentID != "" {
		meta[MetaPaymentID] = ev.PaymentID
	}
	if ev.ReservationID != "" {
		meta[MetaReservationID] = ev.ReservationID
	}
	if reason != "" {
		meta[MetaRejectReason] = reason
	}
	vertical := strings.TrimSpace(ev.Vertical)
	if vertical == "" {
		vertical = DefaultVertical
	}
	intent := "payment." + strings.ToLower(strings.TrimSpace(ev.Outcome))
	if ev.Outcome == "" {
		intent = "payment.unknown"
	}

	e := model.LedgerEntry{
		EventID:     p.newID(),
		Timestamp:   p.now().UTC().Truncate(time.Microsecond),
		PrincipalID: SystemPrincipal,
		Vertical:    vertical,
		RiskState:   model.Green,
		AppliedMode: model.ModeAutomatic,
		Intent:      intent,
		Rationale:   rationale,
		Amount:      ev.Amount,
		EventType:   model.EventAutomatic,
		Metadata:    meta,
	}
	if _, err := p.hasher.Seal(&e); err != nil {
		return model.LedgerEntry{}, model.ErrInternal.Wrap(err)
	}
	return e, nil
}
