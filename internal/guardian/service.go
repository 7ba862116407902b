// Package guardian ties the evaluator, the mode resolver and the ledger into
// the decision service collaborators call before acting.
package guardian

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/policy"
	"github.com/ppiankov/guardian/internal/telemetry"
)

// Limits on caller-supplied context.
const (
	MaxIntentLen = 2000
	MaxSignals   = 64
	MaxSignalLen = 4000
)

// Metadata keys written on decision entries.
const (
	MetaOutcome        = "outcome"
	MetaRuleVersion    = "rule_version"
	MetaRuleGeneration = "rule_generation"
	MetaPriceRatio     = "price_ratio"
	MetaMatchedPhrase  = "matched_phrase"
	MetaCanCharge      = "can_charge"
	MetaCanExecute     = "can_execute"
	MetaMustContact    = "must_contact_human"
	MetaConfirmation   = "requires_confirmation"
	MetaContext        = "context"
)

// DecideRequest is a decision context plus the caller's trust history.
type DecideRequest struct {
	policy.Context
	Counters mode.TrustCounters `json:"trust_counters"`
}

// Decision is a recorded automatic decision.
type Decision struct {
	EventID       string            `json:"event_id"`
	IntegrityHash string            `json:"integrity_hash"`
	Timestamp     time.Time         `json:"timestamp"`
	Evaluation    policy.Evaluation `json:"evaluation"`
	Mode          mode.Mode         `json:"mode"`
}

// Status is the read-only aggregate view of the ledger.
type Status struct {
	Counts         map[model.RiskState]int `json:"counts"`
	Total          int                     `json:"total"`
	Overrides      int                     `json:"overrides"`
	RuleVersion    string                  `json:"rule_version"`
	RuleGeneration uint64                  `json:"rule_generation"`
}

// Config assembles a Service.
type Config struct {
	Store    ledger.Store
	Rules    *policy.Rules
	Resolver *mode.Resolver
	Hasher   *audit.Hasher
	Notifier alert.Notifier
	Now      func() time.Time
	NewID    func() string
}

// Service is safe for concurrent use. It caches nothing between calls.
type Service struct {
	store    ledger.Store
	rules    *policy.Rules
	resolver *mode.Resolver
	hasher   *audit.Hasher
	notifier alert.Notifier
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Rules == nil || cfg.Resolver == nil || cfg.Hasher == nil {
		return nil, errors.New("guardian: store, rules, resolver and hasher are required")
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
	return &Service{
		store:    cfg.Store,
		rules:    cfg.Rules,
		resolver: cfg.Resolver,
		hasher:   cfg.Hasher,
		notifier: cfg.Notifier,
		now:      cfg.Now,
		newID:    cfg.NewID,
		tracer:   telemetry.Tracer("github.com/ppiankov/guardian/internal/guardian"),
	}, nil
}

// Rules returns the live rule holder.
func (s *Service) Rules() *policy.Rules { return s.rules }

// Evaluate classifies c without recording anything.
func (s *Service) Evaluate(c policy.Context) (policy.Evaluation, error) {
	if err := ValidateContext(c); err != nil {
		return policy.Evaluation{}, err
	}
	return s.rules.Evaluate(c), nil
}

// Resolve maps a tier and trust history to a mode without recording anything.
func (s *Service) Resolve(principalID string, state model.RiskState, counters mode.TrustCounters) (mode.Mode, error) {
	rs, err := model.ParseRiskState(string(state))
	if err != nil {
		return mode.Mode{}, model.ErrInvalidInput.With("%v", err)
	}
	if counters.Interactions < 0 || counters.Transactions < 0 {
		return mode.Mode{}, model.ErrInvalidInput.With("trust counters must not be negative")
	}
	return s.resolver.Resolve(principalID, rs, counters), nil
}

// Decide evaluates, resolves and appends one AUTOMATIC entry. BLACK
// decisions raise an operator alert after the entry commits.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (d Decision, err error) {
	ctx, span := s.tracer.Start(ctx, "guardian.Decide", trace.WithAttributes(
		attribute.String("guardian.vertical", req.Vertical),
	))
	defer func() { telemetry.End(span, err) }()

	ev, err := s.Evaluate(req.Context)
	if err != nil {
		return Decision{}, err
	}
	m, err := s.Resolve(req.PrincipalID, ev.State, req.Counters)
	if err != nil {
		return Decision{}, err
	}
	span.SetAttributes(
		attribute.String("guardian.risk_state", string(ev.State)),
		attribute.String("guardian.mode", string(m.Mode)),
	)

	entry := model.LedgerEntry{
		EventID:     s.newID(),
		Timestamp:   s.now().UTC().Truncate(time.Microsecond),
		PrincipalID: strings.TrimSpace(req.PrincipalID),
		Vertical:    strings.TrimSpace(req.Vertical),
		RiskState:   ev.State,
		AppliedMode: m.Mode,
		Intent:      req.Intent,
		Rationale:   ev.Rationale,
		Amount:      req.Amount,
		EventType:   model.EventAutomatic,
		Metadata:    decisionMetadata(req.Context, ev, m),
	}
	if _, err := s.hasher.Seal(&entry); err != nil {
		return Decision{}, model.ErrInternal.Wrap(err)
	}
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(ctx, entry)
		return err
	})
	if err != nil {
		return Decision{}, err
	}

	if ev.State == model.Black {
		s.notifier.Notify(alert.AlertEvent{
			Timestamp:   entry.Timestamp.Format(audit.TimestampFormat),
			Type:        alert.EventBlackState,
			EventID:     entry.EventID,
			PrincipalID: entry.PrincipalID,
			Vertical:    entry.Vertical,
			RiskState:   string(ev.State),
			Reason:      ev.Rationale,
			RuleVersion: ev.RuleVersion,
		})
	}
	return Decision{
		EventID:       entry.EventID,
		IntegrityHash: entry.IntegrityHash,
		Timestamp:     entry.Timestamp,
		Evaluation:    ev,
		Mode:          m,
	}, nil
}

// Status returns aggregate counts. Every tier is present, zero or not.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.store.CountByRiskState(ctx)
	if err != nil {
		return Status{}, err
	}
	overrides, err := s.store.CountOverrides(ctx)
	if err != nil {
		return Status{}, err
	}
	table, gen := s.rules.Current()
	st := Status{
		Counts:         make(map[model.RiskState]int, 4),
		Overrides:      overrides,
		RuleVersion:    table.Version,
		RuleGeneration: gen,
	}
	for _, rs := range model.AllRiskStates() {
		st.Counts[rs] = counts[rs]
	}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// ValidateContext rejects oversized or malformed contexts. Missing fields
// are not an error; the evaluator degrades on them.
func ValidateContext(c policy.Context) error {
	if len(c.Intent) > MaxIntentLen {
		return model.ErrInvalidInput.With("intent exceeds %d bytes", MaxIntentLen)
	}
	if len(c.Signals) > MaxSignals {
		return model.ErrInvalidInput.With("more than %d signals", MaxSignals)
	}
	for _, sig := range c.Signals {
		if len(sig) > MaxSignalLen {
			return model.ErrInvalidInput.With("signal exceeds %d bytes", MaxSignalLen)
		}
	}
	for name, v := range map[string]*float64{"final_price": c.FinalPrice, "catalog_price": c.CatalogPrice, "amount": c.Amount} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return model.ErrInvalidInput.With("%s must be a finite non-negative number", name)
		}
	}
	return nil
}

func decisionMetadata(c policy.Context, ev policy.Evaluation, m mode.Mode) map[string]any {
	meta := map[string]any{
		MetaOutcome:        string(ev.Outcome),
		MetaRuleVersion:    ev.RuleVersion,
		MetaRuleGeneration: ev.Generation,
		MetaCanCharge:      m.CanCharge,
		MetaCanExecute:     m.CanExecute,
		MetaMustContact:    m.MustContactHuman,
		MetaConfirmation:   m.RequiresConfirmation,
	}
	if ev.Ratio != nil && !math.IsInf(*ev.Ratio, 0) {
		meta[MetaPriceRatio] = *ev.Ratio
	}
	if ev.Matched != "" {
		meta[MetaMatchedPhrase] = ev.Matched
	}
	if len(c.Metadata) > 0 {
		meta[MetaContext] = c.Metadata
	}
	return meta
}
