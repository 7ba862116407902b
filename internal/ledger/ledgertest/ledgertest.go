// Package ledgertest is a conformance suite every ledger.Store runs.
package ledgertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

// Secret keys the hasher used by the suite.
const Secret = "ledgertest-secret"

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) ledger.Store

// Hasher returns the suite's hasher.
func Hasher(t *testing.T) *audit.Hasher {
	t.Helper()
	h, err := audit.NewHasher(Secret)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// Entry returns a sealed AUTOMATIC entry.
func Entry(t *testing.T, h *audit.Hasher, state model.RiskState) model.LedgerEntry {
	t.Helper()
	amount := 42.5
	e := model.LedgerEntry{
		EventID:     uuid.NewString(),
		Timestamp:   audit.Now(),
		PrincipalID: "agent-1",
		Vertical:    "P1",
		RiskState:   state,
		AppliedMode: model.ModeSupervised,
		Intent:      "authorize price",
		Rationale:   "test",
		Amount:      &amount,
		EventType:   model.EventAutomatic,
		Metadata:    map[string]any{"ratio": 0.1, "nested": map[string]any{"b": 1, "a": "x"}},
	}
	if _, err := h.Seal(&e); err != nil {
		t.Fatal(err)
	}
	return e
}

func insert(t *testing.T, s ledger.Store, entries ...model.LedgerEntry) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		for _, e := range entries {
			if _, err := tx.InsertEntry(context.Background(), e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert entries: %v", err)
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"EntryRoundTripKeepsHash", testEntryRoundTrip},
		{"GetUnknownIsNotFound", testGetUnknown},
		{"RollbackDiscardsWrites", testRollback},
		{"DuplicateEventRejected", testDuplicate},
		{"LatestNewestFirst", testLatest},
		{"CountByRiskState", testCounts},
		{"OverridesWalk", testOverrides},
		{"Principals", testPrincipals},
		{"TransitionIsIdempotent", testTransition},
		{"TransitionUnknownPayment", testTransitionUnknown},
		{"TransitionFailureRollsBack", testTransitionRollback},
		{"VerifyCleanLedger", testVerify},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testEntryRoundTrip(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	e := Entry(t, h, model.Red)
	insert(t, s, e)

	got, err := s.Get(context.Background(), e.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp drift: stored %s, read %s", e.Timestamp, got.Timestamp)
	}
	if got.Amount == nil || *got.Amount != 42.5 {
		t.Errorf("amount drift: %v", got.Amount)
	}
	sum, err := h.EntryHash(*got)
	if err != nil {
		t.Fatal(err)
	}
	if !audit.Equal(sum, e.IntegrityHash) {
		t.Fatalf("hash of read-back entry differs: %s vs %s", sum, e.IntegrityHash)
	}
}

func testGetUnknown(t *testing.T, s ledger.Store) {
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRollback(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	e := Entry(t, h, model.Green)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		if _, err := tx.InsertEntry(context.Background(), e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if _, err := s.Get(context.Background(), e.EventID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("rolled back entry must not exist, got %v", err)
	}
}

func testDuplicate(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	e := Entry(t, h, model.Green)
	insert(t, s, e)

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.InsertEntry(context.Background(), e)
		return err
	})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for duplicate id, got %v", err)
	}
}

func testLatest(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	var ids []string
	for i := 0; i < 3; i++ {
		e := Entry(t, h, model.Green)
		insert(t, s, e)
		ids = append(ids, e.EventID)
	}

	got, err := s.Latest(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].EventID != ids[2] || got[1].EventID != ids[1] {
		t.Fatalf("expected newest two entries, got %+v", got)
	}
}

func testCounts(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	insert(t, s, Entry(t, h, model.Red), Entry(t, h, model.Red), Entry(t, h, model.Black))

	counts, err := s.CountByRiskState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[model.Red] != 2 || counts[model.Black] != 1 || counts[model.Green] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func testOverrides(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	orig := Entry(t, h, model.Yellow)
	insert(t, s, orig)

	next := Entry(t, h, model.Green)
	next.EventType = model.EventOverride
	next.PrevEventID = orig.EventID
	next.OverrideBy = "sup-1"
	if _, err := h.Seal(&next); err != nil {
		t.Fatal(err)
	}
	rec := model.OverrideRecord{
		OriginalEventID: orig.EventID,
		NewEventID:      next.EventID,
		PrincipalID:     "sup-1",
		Role:            model.RoleSupervisor,
		Vertical:        "P1",
		Decision:        "GREEN_OVERRIDE_SUPERVISED",
		Reason:          "verified with customer",
		Evidence:        `{"ticket":"T-1"}`,
		CreatedAt:       next.Timestamp,
	}
	sum, err := h.OverrideHash(rec)
	if err != nil {
		t.Fatal(err)
	}
	rec.IntegrityHash = sum

	err = s.WithTx(context.Background(), func(tx ledger.Tx) error {
		if err := tx.InsertOverride(context.Background(), rec); err != nil {
			return err
		}
		_, err := tx.InsertEntry(context.Background(), next)
		return err
	})
	if err != nil {
		t.Fatalf("insert override: %v", err)
	}

	n, err := s.CountOverrides(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one override, got %d, %v", n, err)
	}
	var walked []model.OverrideRecord
	if err := s.Overrides(context.Background(), func(r model.OverrideRecord) error {
		walked = append(walked, r)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(walked) != 1 || walked[0].Evidence != rec.Evidence || !walked[0].CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("unexpected override walk %+v", walked)
	}
	got, err := s.Get(context.Background(), next.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PrevEventID != orig.EventID || got.EventType != model.EventOverride {
		t.Fatalf("override entry lost linkage: %+v", got)
	}
}

func testPrincipals(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p := model.Principal{ID: "sup-1", Role: model.RoleSupervisor, VerticalScope: "P1", OTPSecret: "SECRET", Active: true}
	if err := s.PutPrincipal(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.Principal(ctx, "sup-1")
	if err != nil {
		t.Fatal(err)
	}
	if *got != p {
		t.Fatalf("principal round trip: got %+v want %+v", *got, p)
	}

	p.VerticalScope = "*"
	if err := s.PutPrincipal(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivatePrincipal(ctx, "sup-1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.Principal(ctx, "sup-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.VerticalScope != "*" {
		t.Fatalf("expected updated inactive principal, got %+v", got)
	}

	if _, err := s.Principal(ctx, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeactivatePrincipal(ctx, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutPrincipal(ctx, model.Principal{ID: "x"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func seedPayment(t *testing.T, s ledger.Store) {
	t.Helper()
	err := s.PutPayment(context.Background(), model.Payment{
		PaymentID:     "pay-1",
		ReservationID: "res-1",
		Amount:        99.5,
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
}

func transition(t *testing.T, s ledger.Store, h *audit.Hasher, paymentID string) ledger.TransitionOutcome {
	t.Helper()
	var out ledger.TransitionOutcome
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		out, err = tx.Transition(context.Background(), ledger.TransitionRequest{
			PaymentID: paymentID,
			Entry:     Entry(t, h, model.Green),
		})
		return err
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return out
}

func testTransition(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	seedPayment(t, s)

	first := transition(t, s, h, "pay-1")
	if first.Status != ledger.TransitionApplied || first.EventID == "" || first.ReservationID != "res-1" {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second := transition(t, s, h, "pay-1")
	if second.Status != ledger.TransitionAlreadyApplied {
		t.Fatalf("expected already_applied on replay, got %+v", second)
	}

	p, r, err := s.Payment(context.Background(), "pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PaymentCaptured || r == nil || r.Status != model.ReservationConfirmed {
		t.Fatalf("expected captured/confirmed, got %+v / %+v", p, r)
	}
	counts, err := s.CountByRiskState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[model.Green] != 1 {
		t.Fatalf("expected exactly one success entry, got %v", counts)
	}
}

func testTransitionUnknown(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	out := transition(t, s, h, "pay-missing")
	if out.Status != ledger.TransitionUnknownPayment {
		t.Fatalf("expected unknown_payment, got %+v", out)
	}
	counts, err := s.CountByRiskState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("unknown payment must not write, got %v", counts)
	}
}

func testTransitionRollback(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	seedPayment(t, s)
	boom := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		if _, err := tx.Transition(context.Background(), ledger.TransitionRequest{
			PaymentID: "pay-1",
			Entry:     Entry(t, h, model.Green),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	p, r, err := s.Payment(context.Background(), "pay-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PaymentPending || r.Status != model.ReservationHeld {
		t.Fatalf("rolled back transition must leave pending/held, got %s/%s", p.Status, r.Status)
	}
}

func testVerify(t *testing.T, s ledger.Store) {
	h := Hasher(t)
	insert(t, s, Entry(t, h, model.Green), Entry(t, h, model.Black))

	rep, err := audit.Verify(context.Background(), s, h)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.Entries != 2 {
		t.Fatalf("expected valid report over two entries, got %+v", rep)
	}
}
