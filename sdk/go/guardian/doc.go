// Package guardian is the Go client for the guardian risk-state engine.
// Collaborators (catalog ETL, storefront sync, booking agents) call it
// before any consequential action and stop when the engine says so.
//
// Usage:
//
//	gc, err := guardian.New("http://guardian:8080")
//	out, err := gc.Guard(ctx, guardian.DecideRequest{
//	    Context: guardian.Context{
//	        PrincipalID:  "agent-7",
//	        Vertical:     "tourism",
//	        Intent:       "charge deposit",
//	        FinalPrice:   guardian.Float(180),
//	        CatalogPrice: guardian.Float(200),
//	    },
//	}, chargeDeposit, guardian.Charging())
//
// A blocked action returns a *BlockedError carrying the ledger event id a
// human needs to override it.
//
// HTTP services can guard whole handlers instead:
//
//	mux.Handle("/checkout", gc.Middleware(mapCheckout, guardian.Confirmed())(checkoutHandler))
//
// The middleware answers 403 for blocked requests and 503 when the engine
// is unreachable.
package guardian
