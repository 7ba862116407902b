package override

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/ledger/ledgertest"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/storage/sqlite"
)

type recorder struct {
	mu     sync.Mutex
	events []alert.AlertEvent
}

func (r *recorder) Notify(e alert.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	t       *testing.T
	store   *sqlite.Store
	auth    *identity.Authority
	hasher  *audit.Hasher
	engine  *Engine
	alerts  *recorder
	now     time.Time
	secrets map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "guardian.db"), sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:       t,
		store:   store,
		hasher:  ledgertest.Hasher(t),
		alerts:  &recorder{},
		now:     time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		secrets: map[string]string{},
	}
	for _, p := range []model.Principal{
		{ID: "arch", Role: model.RoleArchitect, VerticalScope: model.WildcardScope, Active: true},
		{ID: "sup-p1", Role: model.RoleSupervisor, VerticalScope: "P1", Active: true},
		{ID: "sup-p2", Role: model.RoleSupervisor, VerticalScope: "P2", Active: true},
		{ID: "cust", Role: model.RoleCustodian, VerticalScope: model.WildcardScope, Active: true},
	} {
		secret, _, err := identity.NewSecret("guardian", p.ID)
		if err != nil {
			t.Fatal(err)
		}
		p.OTPSecret = secret
		h.secrets[p.ID] = secret
		if err := store.PutPrincipal(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	clock := func() time.Time { return h.now }
	h.auth, err = identity.New(store, identity.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Skew:       identity.DefaultSkew,
		Now:        clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine, err = New(Config{
		Store:    store,
		Verifier: h.auth,
		Hasher:   h.hasher,
		Notifier: h.alerts,
		Now:      clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) code(principalID string) string {
	h.t.Helper()
	code, err := h.auth.Code(h.secrets[principalID])
	if err != nil {
		h.t.Fatal(err)
	}
	return code
}

func (h *harness) login(principalID string) string {
	h.t.Helper()
	tok, err := h.auth.Authenticate(context.Background(), principalID, h.code(principalID))
	if err != nil {
		h.t.Fatalf("login %s: %v", principalID, err)
	}
	return tok.Token
}

func (h *harness) seed(state model.RiskState, vertical string) model.LedgerEntry {
	h.t.Helper()
	e := ledgertest.Entry(h.t, h.hasher, state)
	e.Vertical = vertical
	if _, err := h.hasher.Seal(&e); err != nil {
		h.t.Fatal(err)
	}
	if err := h.store.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(context.Background(), e)
		return err
	}); err != nil {
		h.t.Fatal(err)
	}
	return e
}

func (h *harness) request(principalID, originalID string, target Decision) Request {
	return Request{
		Token:           h.login(principalID),
		OTP:             h.code(principalID),
		OriginalEventID: originalID,
		TargetDecision:  string(target),
		Reason:          "confirmed with the customer by phone",
		Evidence:        json.RawMessage(`{"ticket": "T-42", "call_minutes": 4}`),
	}
}

// totals returns entry and override counts.
func (h *harness) totals() (int, int) {
	h.t.Helper()
	counts, err := h.store.CountByRiskState(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	entries := 0
	for _, n := range counts {
		entries += n
	}
	overrides, err := h.store.CountOverrides(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return entries, overrides
}

func TestYellowOverrideBySupervisorSucceeds(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")

	res, err := h.engine.Execute(context.Background(), h.request("sup-p1", orig.EventID, YellowOverrideSupervised))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := h.store.Get(context.Background(), res.NewEventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventType != model.EventOverride {
		t.Errorf("expected OVERRIDE entry, got %s", got.EventType)
	}
	if got.PrevEventID != orig.EventID {
		t.Errorf("expected prev_event_id %s, got %s", orig.EventID, got.PrevEventID)
	}
	if got.OverrideBy != "sup-p1" || got.RiskState != model.Yellow || got.AppliedMode != model.ModeSupervised {
		t.Errorf("unexpected override entry %+v", got)
	}
	if res.ResumeUntil == nil || !res.ResumeUntil.Equal(h.now.Add(DefaultResumeWindow)) {
		t.Errorf("expected resume window, got %v", res.ResumeUntil)
	}
	if h.alerts.count() != 1 {
		t.Errorf("expected one override_granted alert, got %d", h.alerts.count())
	}
}

func TestStoredOverrideHashesRecompute(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Red, "P1")

	res, err := h.engine.Execute(context.Background(), h.request("arch", orig.EventID, GreenOverrideSupervised))
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.store.Get(context.Background(), res.NewEventID)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := h.hasher.EntryHash(*got)
	if err != nil {
		t.Fatal(err)
	}
	if sum != got.IntegrityHash || sum != res.IntegrityHash {
		t.Fatalf("entry hash does not recompute: %s vs stored %s", sum, got.IntegrityHash)
	}

	var recs []model.OverrideRecord
	if err := h.store.Overrides(context.Background(), func(r model.OverrideRecord) error {
		recs = append(recs, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one override record, got %d", len(recs))
	}
	osum, err := h.hasher.OverrideHash(recs[0])
	if err != nil {
		t.Fatal(err)
	}
	if osum != recs[0].IntegrityHash || osum != res.OverrideHash {
		t.Fatalf("override hash does not recompute: %s vs stored %s", osum, recs[0].IntegrityHash)
	}
	if recs[0].Evidence != `{"call_minutes":4,"ticket":"T-42"}` {
		t.Errorf("expected canonical evidence, got %s", recs[0].Evidence)
	}

	rep, err := audit.Verify(context.Background(), h.store, h.hasher)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Fatalf("expected a valid chain, got %+v", rep.Violations)
	}
}

func TestBlackCannotBeTurnedGreenByAnyRole(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Black, "P1")

	for _, who := range []string{"arch", "sup-p1", "cust"} {
		for _, target := range []Decision{GreenOverrideSupervised, YellowOverrideSupervised} {
			_, err := h.engine.Execute(context.Background(), h.request(who, orig.EventID, target))
			if !errors.Is(err, model.ErrIllegalStateTransition) {
				t.Errorf("%s -> %s on BLACK: expected IllegalStateTransition, got %v", who, target, err)
			}
		}
	}
	if entries, overrides := h.totals(); entries != 1 || overrides != 0 {
		t.Fatalf("denied overrides must not write, got %d entries, %d overrides", entries, overrides)
	}
}

func TestBlackEscalation(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Black, "P1")

	if _, err := h.engine.Execute(context.Background(), h.request("sup-p1", orig.EventID, BlackEscalation)); !errors.Is(err, model.ErrIllegalStateTransition) {
		t.Fatalf("supervisor has no escalate capability, got %v", err)
	}

	res, err := h.engine.Execute(context.Background(), h.request("cust", orig.EventID, BlackEscalation))
	if err != nil {
		t.Fatalf("custodian escalation: %v", err)
	}
	if res.RiskState != model.Black || res.AppliedMode != model.ModeCustodial {
		t.Errorf("escalation must stay BLACK/CUSTODIAL, got %s/%s", res.RiskState, res.AppliedMode)
	}
	if res.ResumeUntil != nil {
		t.Error("escalation must not open a resume window")
	}
}

func TestScopeDenied(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")

	_, err := h.engine.Execute(context.Background(), h.request("sup-p2", orig.EventID, YellowOverrideSupervised))
	if !errors.Is(err, model.ErrScopeDenied) {
		t.Fatalf("expected ScopeDenied, got %v", err)
	}
	if entries, overrides := h.totals(); entries != 1 || overrides != 0 {
		t.Fatalf("scope denial must not write, got %d entries, %d overrides", entries, overrides)
	}
}

func TestGreenOriginalIsIllegal(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Green, "P1")

	_, err := h.engine.Execute(context.Background(), h.request("arch", orig.EventID, GreenOverrideSupervised))
	if !errors.Is(err, model.ErrIllegalStateTransition) {
		t.Fatalf("expected IllegalStateTransition, got %v", err)
	}
}

func TestCheckOrderIsFailClosed(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")

	cases := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{"empty original", func(r *Request) { r.OriginalEventID = "" }, model.ErrInvalidInput},
		{"empty reason", func(r *Request) { r.Reason = "  " }, model.ErrInvalidInput},
		{"bad evidence", func(r *Request) { r.Evidence = json.RawMessage(`{"a":`) }, model.ErrInvalidInput},
		{"huge evidence", func(r *Request) {
			r.Evidence = json.RawMessage(`"` + strings.Repeat("x", MaxEvidenceLen) + `"`)
		}, model.ErrInvalidInput},
		{"bad token beats everything after", func(r *Request) {
			r.Token = "nope"
			r.OTP = "abcdef"
			r.TargetDecision = "MAKE_IT_GREEN"
			r.OriginalEventID = "missing"
		}, model.ErrInvalidToken},
		{"bad otp beats decision", func(r *Request) {
			r.OTP = "abcdef"
			r.TargetDecision = "MAKE_IT_GREEN"
		}, model.ErrInvalidOTP},
		{"bad decision beats not found", func(r *Request) {
			r.TargetDecision = "MAKE_IT_GREEN"
			r.OriginalEventID = "missing"
		}, model.ErrInvalidDecision},
		{"not found", func(r *Request) { r.OriginalEventID = "missing" }, model.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := h.request("sup-p1", orig.EventID, YellowOverrideSupervised)
			tc.mutate(&req)
			_, err := h.engine.Execute(context.Background(), req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if entries, overrides := h.totals(); entries != 1 || overrides != 0 {
		t.Fatalf("failed checks must not write, got %d entries, %d overrides", entries, overrides)
	}
	if h.alerts.count() != 0 {
		t.Errorf("failed checks must not alert, got %d", h.alerts.count())
	}
}

func TestDeactivatedPrincipalFailsOTPWithLiveToken(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")
	req := h.request("sup-p1", orig.EventID, YellowOverrideSupervised)

	if err := h.store.DeactivatePrincipal(context.Background(), "sup-p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Execute(context.Background(), req); !errors.Is(err, model.ErrInvalidOTP) {
		t.Fatalf("expected InvalidOTP for deactivated principal, got %v", err)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")
	req := h.request("sup-p1", orig.EventID, YellowOverrideSupervised)

	h.now = h.now.Add(identity.DefaultTokenTTL + time.Minute)
	req.OTP = h.code("sup-p1")
	if _, err := h.engine.Execute(context.Background(), req); !errors.Is(err, model.ErrInvalidToken) {
		t.Fatalf("expected InvalidToken, got %v", err)
	}
}

func TestResubmissionCreatesDistinctEntries(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Red, "P1")
	req := h.request("arch", orig.EventID, GreenOverrideSupervised)

	first, err := h.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.NewEventID == second.NewEventID {
		t.Fatal("resubmission must produce a new entry")
	}
	if entries, overrides := h.totals(); entries != 3 || overrides != 2 {
		t.Fatalf("expected 3 entries and 2 overrides, got %d and %d", entries, overrides)
	}
}

func TestConcurrentOverridesOnOneOriginalBothCommit(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")
	reqs := []Request{
		h.request("sup-p1", orig.EventID, YellowOverrideSupervised),
		h.request("arch", orig.EventID, GreenOverrideSupervised),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			_, errs[i] = h.engine.Execute(context.Background(), req)
		}(i, req)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("override %d: %v", i, err)
		}
	}
	if _, overrides := h.totals(); overrides != 2 {
		t.Fatalf("expected two independent chains, got %d overrides", overrides)
	}
}

type failingStore struct {
	ledger.Store
}

func (f failingStore) WithTx(context.Context, func(ledger.Tx) error) error {
	return model.ErrTransientStore.Wrap(context.DeadlineExceeded)
}

func TestStoreFailureIsTransientAndSilent(t *testing.T) {
	h := newHarness(t)
	orig := h.seed(model.Yellow, "P1")
	engine, err := New(Config{
		Store:    failingStore{Store: h.store},
		Verifier: h.auth,
		Hasher:   h.hasher,
		Notifier: h.alerts,
		Now:      func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = engine.Execute(context.Background(), h.request("sup-p1", orig.EventID, YellowOverrideSupervised))
	if model.KindOf(err) != model.KindTransientStore {
		t.Fatalf("expected transient store error, got %v", err)
	}
	if h.alerts.count() != 0 {
		t.Error("failed commit must not alert")
	}
	if _, overrides := h.totals(); overrides != 0 {
		t.Fatalf("failed commit must not write, got %d overrides", overrides)
	}
}
