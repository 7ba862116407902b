package guardian

import (
	"context"
	"encoding/json"
	"net/http"
)

// RequestMapper builds the decision request for an inbound HTTP request.
// Returning an error rejects the request with 400.
type RequestMapper func(r *http.Request) (DecideRequest, error)

type decisionKey struct{}

// DecisionFromContext returns the decision Middleware recorded for the
// request, if any.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(*Decision)
	return d, ok
}

// Middleware records a decision for every request and passes it on only
// when the resulting mode allows the action. Blocked requests get 403 with
// a JSON body. If the server cannot be reached the request is refused
// with 503; the middleware never fails open.
func (c *Client) Middleware(mapper RequestMapper, opts ...GuardOption) func(http.Handler) http.Handler {
	var g guardConfig
	for _, o := range opts {
		o(&g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := mapper(r)
			if err != nil {
				writeBlocked(w, http.StatusBadRequest, map[string]any{"blocked": true, "reason": err.Error()})
				return
			}
			d, err := c.Decide(r.Context(), req)
			if err != nil {
				writeBlocked(w, http.StatusServiceUnavailable, map[string]any{"blocked": true, "reason": "guardian unavailable"})
				return
			}
			if reason, ok := allowed(d.Mode, g); !ok {
				writeBlocked(w, http.StatusForbidden, map[string]any{
					"blocked":            true,
					"event_id":           d.EventID,
					"risk_state":         d.Mode.RiskState,
					"mode":               d.Mode.Mode,
					"must_contact_human": d.Mode.MustContactHuman,
					"reason":             reason,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}

func writeBlocked(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
