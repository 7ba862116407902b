package override

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/telemetry"
)

const (
	// DefaultResumeWindow is how long a granted override lets the caller
	// resume the blocked action.
	DefaultResumeWindow = 15 * time.Minute
	// MaxReasonLen bounds the free-text reason in bytes.
	MaxReasonLen = 2000
	// MaxEvidenceLen bounds canonical evidence JSON in bytes.
	MaxEvidenceLen = 16 << 10
)

// Metadata keys written on override entries.
const (
	MetaPrevIntegrityHash = "prev_integrity_hash"
	MetaOverrideHash      = "override_hash"
	MetaDecision          = "decision"
	MetaRole              = "role"
	MetaOriginalRiskState = "original_risk_state"
)

// Verifier is the part of the credential authority the engine needs.
type Verifier interface {
	VerifyToken(token string) (*identity.Claims, error)
	VerifyCode(ctx context.Context, principalID, code string) (*model.Principal, error)
}

// Request is one override attempt.
type Request struct {
	Token           string          `json:"-"`
	OTP             string          `json:"-"`
	OriginalEventID string          `json:"original_event_id"`
	TargetDecision  string          `json:"target_decision"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
}

// Result describes a granted override.
type Result struct {
	NewEventID      string              `json:"new_event_id"`
	OriginalEventID string              `json:"original_event_id"`
	IntegrityHash   string              `json:"integrity_hash"`
	OverrideHash    string              `json:"override_hash"`
	RiskState       model.RiskState     `json:"risk_state"`
	AppliedMode     model.OperatingMode `json:"applied_mode"`
	ResumeUntil     *time.Time          `json:"resume_until,omitempty"`
}

// Config assembles an Engine.
type Config struct {
	Store        ledger.Store
	Verifier     Verifier
	Hasher       *audit.Hasher
	Notifier     alert.Notifier
	ResumeWindow time.Duration
	Now          func() time.Time
	NewID        func() string
}

// Engine executes overrides. It holds no lock and no cache: concurrent
// requests rely on the store's transaction for atomicity.
type Engine struct {
	store    ledger.Store
	verifier Verifier
	hasher   *audit.Hasher
	notifier alert.Notifier
	resume   time.Duration
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Verifier == nil || cfg.Hasher == nil {
		return nil, fmt.Errorf("override: store, verifier and hasher are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.Discard
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = DefaultResumeWindow
	}
	if cfg.Now == nil {
		cfg.Now = audit.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		hasher:   cfg.Hasher,
		notifier: cfg.Notifier,
		resume:   cfg.ResumeWindow,
		now:      cfg.Now,
		newID:    cfg.NewID,
		tracer:   telemetry.Tracer("github.com/ppiankov/guardian/internal/override"),
	}, nil
}

// Execute runs the fixed check sequence. The first failing check returns
// and nothing is persisted. Every call that passes all checks writes a new
// entry; resubmitting a request is not deduplicated.
func (e *Engine) Execute(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "override.Execute", trace.WithAttributes(
		attribute.String("guardian.original_event_id", req.OriginalEventID),
		attribute.String("guardian.target_decision", req.TargetDecision),
	))
	defer func() { telemetry.End(span, err) }()

	evidence, err := validate(&req)
	if err != nil {
		return Result{}, err
	}

	// 1. token
	claims, err := e.verifier.VerifyToken(req.Token)
	if err != nil {
		return Result{}, model.ErrInvalidToken
	}

	// 2. one-time code, against the principal as stored now
	principal, err := e.verifier.VerifyCode(ctx, claims.Subject, req.OTP)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("guardian.principal_id", principal.ID))

	// 3. target
	target, err := ParseDecision(req.TargetDecision)
	if err != nil {
		return Result{}, err
	}

	// 4. original
	original, err := e.store.Get(ctx, req.OriginalEventID)
	if err != nil {
		return Result{}, err
	}

	// 5. scope
	if !principal.CoversVertical(original.Vertical) {
		return Result{}, model.ErrScopeDenied.With("scope %q does not cover vertical %q", principal.VerticalScope, original.Vertical)
	}

	// 6. gating
	if err := Gate(principal.Role, original.RiskState, target); err != nil {
		return Result{}, err
	}

	// 7. new entry and record
	now := e.now().UTC().Truncate(time.Microsecond)
	rec := model.OverrideRecord{
		OriginalEventID: original.EventID,
		NewEventID:      e.newID(),
		PrincipalID:     principal.ID,
		Role:            principal.Role,
		Vertical:        original.Vertical,
		Decision:        string(target),
		Reason:          req.Reason,
		Evidence:        evidence,
		CreatedAt:       now,
	}
	if rec.IntegrityHash, err = e.hasher.OverrideHash(rec); err != nil {
		return Result{}, model.ErrInternal.Wrap(err)
	}
	entry := model.LedgerEntry{
		EventID:     rec.NewEventID,
		Timestamp:   now,
		PrincipalID: principal.ID,
		Vertical:    original.Vertical,
		RiskState:   target.RiskState(),
		AppliedMode: target.Mode(),
		Intent:      original.Intent,
		Rationale:   fmt.Sprintf("%s by %s: %s", target, principal.ID, req.Reason),
		Amount:      original.Amount,
		OverrideBy:  principal.ID,
		PrevEventID: original.EventID,
		EventType:   model.EventOverride,
		Metadata: map[string]any{
			MetaPrevIntegrityHash: original.IntegrityHash,
			MetaOverrideHash:      rec.IntegrityHash,
			MetaDecision:          string(target),
			MetaRole:              string(principal.Role),
			MetaOriginalRiskState: string(original.RiskState),
		},
	}
	if _, err := e.hasher.Seal(&entry); err != nil {
		return Result{}, model.ErrInternal.Wrap(err)
	}

	// 8. one transaction; the entry goes first so the record's reference
	// resolves.
	err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.InsertOverride(ctx, rec)
	})
	if err != nil {
		return Result{}, err
	}

	// 9. result
	res = Result{
		NewEventID:      entry.EventID,
		OriginalEventID: original.EventID,
		IntegrityHash:   entry.IntegrityHash,
		OverrideHash:    rec.IntegrityHash,
		RiskState:       entry.RiskState,
		AppliedMode:     entry.AppliedMode,
	}
	if target != BlackEscalation {
		until := now.Add(e.resume)
		res.ResumeUntil = &until
	}

	e.notifier.Notify(alert.AlertEvent{
		Timestamp:   now.Format(audit.TimestampFormat),
		Type:        alert.EventOverrideGranted,
		EventID:     entry.EventID,
		PrevEventID: original.EventID,
		PrincipalID: principal.ID,
		Vertical:    original.Vertical,
		RiskState:   string(entry.RiskState),
		Decision:    string(target),
		Reason:      req.Reason,
	})
	return res, nil
}

// validate rejects structurally malformed requests before any check and
// returns the canonical evidence.
func validate(req *Request) (string, error) {
	req.OriginalEventID = strings.TrimSpace(req.OriginalEventID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.OriginalEventID == "" {
		return "", model.ErrInvalidInput.With("original_event_id is required")
	}
	if req.Reason == "" {
		return "", model.ErrInvalidInput.With("reason is required")
	}
	if len(req.Reason) > MaxReasonLen {
		return "", model.ErrInvalidInput.With("reason exceeds %d bytes", MaxReasonLen)
	}
	if len(strings.TrimSpace(string(req.Evidence))) == 0 {
		return "", nil
	}
	canon, err := audit.CanonicalJSON(req.Evidence)
	if err != nil {
		return "", model.ErrInvalidInput.With("evidence must be valid JSON")
	}
	if len(canon) > MaxEvidenceLen {
		return "", model.ErrInvalidInput.With("evidence exceeds %d bytes", MaxEvidenceLen)
	}
	if string(canon) == "null" {
		return "", nil
	}
	return string(canon), nil
}
