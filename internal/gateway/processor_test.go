package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/guardian/internal/alert"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/ledger/ledgertest"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/storage/sqlite"
)

const secret = "whsec-test"

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

func setup(t *testing.T) (*sqlite.Store, *Processor, *recorder) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "guardian.db"), sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.PutPayment(ctx, model.Payment{
		PaymentID:     "pay-1",
		ReservationID: "res-1",
		Amount:        120,
		UpdatedAt:     time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	p, err := New(Config{
		Store:    store,
		Hasher:   ledgertest.Hasher(t),
		Secret:   secret,
		Notifier: rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	return store, p, rec
}

func deliver(t *testing.T, p *Processor, body string) (TransitionResult, error) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return p.Process(context.Background(), []byte(body), Sign(secret, ts, []byte(body)), ts)
}

func entryCount(t *testing.T, s ledger.Store) int {
	t.Helper()
	counts, err := s.CountByRiskState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func paymentState(t *testing.T, s ledger.Store) (string, string) {
	t.Helper()
	p, r, err := s.Payment(context.Background(), "pay-1")
	if err != nil {
		t.Fatal(err)
	}
	return p.Status, r.Status
}

const approved = `{"event_id":"evt-1","type":"payment.updated","payment_id":"pay-1","reservation_id":"res-1","outcome":"approved","amount":120}`

func TestSignMatchesDocumentedConstruction(t *testing.T) {
	body := []byte(`{"a":1}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1700000000" + `{"a":1}` + secret))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign(secret, "1700000000", body); got != want {
		t.Fatalf("signature mismatch: %s vs %s", got, want)
	}
}

func TestBadSignatureWritesNothing(t *testing.T) {
	store, p, rec := setup(t)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	good := Sign(secret, ts, []byte(approved))

	cases := map[string]struct{ sig, ts, body string }{
		"wrong secret":    {Sign("other", ts, []byte(approved)), ts, approved},
		"tampered body":   {good, ts, approved + " "},
		"tampered ts":     {good, ts + "1", approved},
		"missing ts":      {Sign(secret, "", []byte(approved)), "", approved},
		"not hex":         {"zz", ts, approved},
		"truncated":       {good[:10], ts, approved},
		"empty signature": {"", ts, approved},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Process(context.Background(), []byte(tc.body), tc.sig, tc.ts)
			if !errors.Is(err, model.ErrBadSignature) {
				t.Fatalf("expected ErrBadSignature, got %v", err)
			}
		})
	}
	if n := entryCount(t, store); n != 0 {
		t.Fatalf("expected zero ledger entries, got %d", n)
	}
	if ps, rs := paymentState(t, store); ps != model.PaymentPending || rs != model.ReservationHeld {
		t.Fatalf("expected pending/held, got %s/%s", ps, rs)
	}
	if rec.count() != 0 {
		t.Error("bad signatures must not alert")
	}
}

func TestApprovedDeliveryCapturesOnce(t *testing.T) {
	store, p, _ := setup(t)

	first, err := deliver(t, p, approved)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusApplied || first.EventID == "" || first.ReservationID != "res-1" {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := deliver(t, p, approved)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != StatusAlreadyApplied {
		t.Fatalf("expected already_applied on replay, got %+v", second)
	}

	if ps, rs := paymentState(t, store); ps != model.PaymentCaptured || rs != model.ReservationConfirmed {
		t.Fatalf("expected captured/confirmed, got %s/%s", ps, rs)
	}
	if n := entryCount(t, store); n != 1 {
		t.Fatalf("expected exactly one success entry, got %d", n)
	}
	got, err := store.Get(context.Background(), first.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventType != model.EventAutomatic || got.Metadata[MetaOutcome] != OutcomeCaptured {
		t.Fatalf("unexpected success entry %+v", got)
	}
	if got.Amount == nil || *got.Amount != 120 {
		t.Errorf("expected amount 120, got %v", got.Amount)
	}
}

func TestConcurrentReplaysCaptureOnce(t *testing.T) {
	store, p, _ := setup(t)

	const n = 8
	results := make([]TransitionResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = deliver(t, p, approved)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		switch results[i].Status {
		case StatusApplied:
			applied++
		case StatusAlreadyApplied:
		default:
			t.Fatalf("delivery %d: unexpected status %s", i, results[i].Status)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
	if got := entryCount(t, store); got != 1 {
		t.Fatalf("expected one ledger entry, got %d", got)
	}
}

func TestDeclinedDeliveryIsRecordedNotApplied(t *testing.T) {
	store, p, rec := setup(t)
	body := `{"event_id":"evt-2","payment_id":"pay-1","outcome":"declined"}`

	for i := 0; i < 2; i++ {
		res, err := deliver(t, p, body)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusRejected {
			t.Fatalf("expected rejected, got %+v", res)
		}
	}
	if ps, rs := paymentState(t, store); ps != model.PaymentPending || rs != model.ReservationHeld {
		t.Fatalf("declined delivery must not mutate, got %s/%s", ps, rs)
	}
	if n := entryCount(t, store); n != 2 {
		t.Fatalf("expected one rejected entry per delivery, got %d", n)
	}
	latest, err := store.Latest(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest[0].Metadata[MetaOutcome] != OutcomeRejected || latest[0].Intent != "payment.declined" {
		t.Fatalf("unexpected rejected entry %+v", latest[0])
	}
	if rec.count() != 2 {
		t.Errorf("expected two payment_rejected alerts, got %d", rec.count())
	}
}

func TestUnprocessableDeliveriesAreIgnored(t *testing.T) {
	cases := map[string]string{
		"unparsable":           `{"payment_id":`,
		"missing payment":      `{"outcome":"approved"}`,
		"unknown payment":      `{"payment_id":"pay-404","outcome":"captured"}`,
		"reservation mismatch": `{"payment_id":"pay-1","reservation_id":"res-9","outcome":"succeeded"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store, p, _ := setup(t)
			res, err := deliver(t, p, body)
			if err != nil {
				t.Fatalf("verified deliveries must not fail, got %v", err)
			}
			if res.Status != StatusIgnored || res.EventID == "" {
				t.Fatalf("expected ignored with a recorded entry, got %+v", res)
			}
			if n := entryCount(t, store); n != 1 {
				t.Fatalf("expected one rejected entry, got %d", n)
			}
			if ps, rs := paymentState(t, store); ps != model.PaymentPending || rs != model.ReservationHeld {
				t.Fatalf("expected pending/held, got %s/%s", ps, rs)
			}
		})
	}
}

func TestStaleTimestampRejectedWithTolerance(t *testing.T) {
	store, _, _ := setup(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	p, err := New(Config{
		Store:     store,
		Hasher:    ledgertest.Hasher(t),
		Secret:    secret,
		Tolerance: 5 * time.Minute,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if _, err := p.Process(context.Background(), []byte(approved), Sign(secret, stale, []byte(approved)), stale); !errors.Is(err, model.ErrBadSignature) {
		t.Fatalf("expected stale delivery to be rejected, got %v", err)
	}
	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	res, err := p.Process(context.Background(), []byte(approved), Sign(secret, fresh, []byte(approved)), fresh)
	if err != nil || res.Status != StatusApplied {
		t.Fatalf("expected fresh delivery to apply, got %+v, %v", res, err)
	}
}

type failingStore struct {
	ledger.Store
}

func (failingStore) WithTx(context.Context, func(ledger.Tx) error) error {
	return model.ErrTransientStore.Wrap(context.DeadlineExceeded)
}

func TestTransientStoreFailurePropagates(t *testing.T) {
	store, _, _ := setup(t)
	p, err := New(Config{Store: failingStore{store}, Hasher: ledgertest.Hasher(t), Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deliver(t, p, approved); model.KindOf(err) != model.KindTransientStore {
		t.Fatalf("expected transient store error so the gateway retries, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	store, _, _ := setup(t)
	if _, err := New(Config{Store: store, Hasher: ledgertest.Hasher(t)}); err == nil {
		t.Fatal("expected error without shared secret")
	}
}
