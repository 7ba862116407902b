package guardian

import (
	"context"
)

// ActionFunc is the consequential action Guard protects.
type ActionFunc func(ctx context.Context) (any, error)

// Guard records a decision for req and calls fn only when the resulting
// mode allows it. Otherwise it returns a *BlockedError without calling fn.
// A failed Decide call is returned as is and fn is not called.
func (c *Client) Guard(ctx context.Context, req DecideRequest, fn ActionFunc, opts ...GuardOption) (any, error) {
	var g guardConfig
	for _, o := range opts {
		o(&g)
	}

	d, err := c.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if reason, ok := allowed(d.Mode, g); !ok {
		return nil, &BlockedError{Decision: *d, Reason: reason}
	}
	return fn(ctx)
}

func allowed(m Mode, g guardConfig) (string, bool) {
	switch {
	case m.MustContactHuman || !m.CanExecute:
		return m.Reason, false
	case g.charging && !m.CanCharge:
		return "charge not permitted in " + string(m.Mode) + " mode", false
	case m.RequiresConfirmation && !g.confirmed:
		return "customer confirmation required", false
	}
	return "", true
}
