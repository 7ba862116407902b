package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeServer answers every request with handler and records the last one.
type fakeServer struct {
	*httptest.Server
	last     *http.Request
	lastBody []byte
}

func newFakeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.last = r
		fs.lastBody, _ = io.ReadAll(r.Body)
		handler(w, r)
	}))
	t.Cleanup(fs.Close)
	c, err := New(fs.URL)
	if err != nil {
		t.Fatal(err)
	}
	return fs, c
}

func result(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"request_id": "req_1", "result": v})
}

func failure(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_id": "req_2",
		"error":      map[string]string{"code": code, "message": msg},
	})
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "guardian:8080", "ftp://guardian"} {
		if _, err := New(u); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestEvaluateDecodesResult(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		result(w, http.StatusOK, map[string]any{"risk_state": "RED", "outcome": "ok", "rule_version": "rules-1"})
	})

	ev, err := c.Evaluate(context.Background(), Context{Vertical: "P1", Intent: "charge", FinalPrice: Float(1), CatalogPrice: Float(10)})
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != Red || ev.Degraded() {
		t.Fatalf("unexpected evaluation %+v", ev)
	}
	if fs.last.Method != http.MethodPost || fs.last.URL.Path != "/v1/evaluate" {
		t.Fatalf("unexpected request %s %s", fs.last.Method, fs.last.URL.Path)
	}
	var sent map[string]any
	if err := json.Unmarshal(fs.lastBody, &sent); err != nil {
		t.Fatal(err)
	}
	if sent["final_price"] != 1.0 || sent["catalog_price"] != 10.0 {
		t.Fatalf("prices not sent: %v", sent)
	}
	if _, ok := sent["signals"]; ok {
		t.Fatal("empty optional fields should be omitted")
	}
}

func TestDecideSendsTrustCounters(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		result(w, http.StatusCreated, map[string]any{"event_id": "evt-1", "mode": map[string]any{"mode": "AUTOMATIC"}})
	})

	d, err := c.Decide(context.Background(), DecideRequest{
		Context:  Context{Vertical: "P1", Intent: "x"},
		Counters: TrustCounters{Interactions: 7, Transactions: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.EventID != "evt-1" || d.Mode.Mode != Automatic {
		t.Fatalf("unexpected decision %+v", d)
	}
	var sent struct {
		Vertical string        `json:"vertical"`
		Counters TrustCounters `json:"trust_counters"`
	}
	if err := json.Unmarshal(fs.lastBody, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Vertical != "P1" || sent.Counters.Interactions != 7 {
		t.Fatalf("context must be flattened beside trust_counters, got %s", fs.lastBody)
	}
}

func TestOverrideSendsCredentialsInHeaders(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		result(w, http.StatusCreated, map[string]any{"new_event_id": "evt-2", "applied_mode": "SUPERVISED"})
	})

	res, err := c.Override(context.Background(), "tok", "123456", OverrideRequest{
		OriginalEventID: "evt-1", TargetDecision: GreenOverrideSupervised, Reason: "verified",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.NewEventID != "evt-2" || res.AppliedMode != Supervised {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := fs.last.Header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", got)
	}
	if got := fs.last.Header.Get(HeaderOTP); got != "123456" {
		t.Fatalf("expected otp header, got %q", got)
	}
}

func TestErrorBodyBecomesAPIError(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		failure(w, http.StatusForbidden, "scope_denied", "vertical outside principal scope")
	})

	_, err := c.Override(context.Background(), "tok", "1", OverrideRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != 403 || apiErr.Code != "scope_denied" || apiErr.RequestID != "req_2" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !IsCode(err, "scope_denied") || apiErr.Temporary() {
		t.Fatal("IsCode/Temporary disagree with the error")
	}
}

func TestNonJSONErrorStillTyped(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRequestID, "req_9")
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	})

	_, err := c.Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if !apiErr.Temporary() || apiErr.RequestID != "req_9" || apiErr.Code != "http_503" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestLatestAndEntryPaths(t *testing.T) {
	fs, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/ledger/latest" {
			result(w, http.StatusOK, []map[string]any{{"event_id": "a"}, {"event_id": "b"}})
			return
		}
		result(w, http.StatusOK, map[string]any{"event_id": "a/b"})
	})
	ctx := context.Background()

	entries, err := c.Latest(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || fs.last.URL.Query().Get("n") != "2" {
		t.Fatalf("unexpected latest call: %d entries, query %q", len(entries), fs.last.URL.RawQuery)
	}

	e, err := c.Entry(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if e.EventID != "a/b" || fs.last.URL.EscapedPath() != "/v1/ledger/a%2Fb" {
		t.Fatalf("event id must be path-escaped, got %q", fs.last.URL.EscapedPath())
	}
}

func TestMissingResultIsError(t *testing.T) {
	_, c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"request_id":"req_3"}`))
	})
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error for empty result")
	}
}
