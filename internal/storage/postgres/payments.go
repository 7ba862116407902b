package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

// PutPayment creates or replaces a payment and its held reservation.
func (s *Store) PutPayment(ctx context.Context, p model.Payment) error {
	if err := ledger.ValidatePayment(&p); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	now := utc(p.UpdatedAt)
	if p.ReservationID != "" {
		if _, err := pgTx.Exec(ctx, `
INSERT INTO reservations(reservation_id, status, updated_at)
VALUES($1,$2,$3)
ON CONFLICT (reservation_id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
`, p.ReservationID, model.ReservationHeld, now); err != nil {
			return classify("put reservation", err)
		}
	}
	if _, err := pgTx.Exec(ctx, `
INSERT INTO payments(payment_id, reservation_id, status, amount, updated_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (payment_id) DO UPDATE SET
  reservation_id=EXCLUDED.reservation_id,
  status=EXCLUDED.status,
  amount=EXCLUDED.amount,
  updated_at=EXCLUDED.updated_at
`, p.PaymentID, nullString(p.ReservationID), p.Status, p.Amount, now); err != nil {
		return classify("put payment", err)
	}
	return classify("commit transaction", pgTx.Commit(ctx))
}

// Payment returns a payment and its reservation, nil when it has none.
func (s *Store) Payment(ctx context.Context, id string) (*model.Payment, *model.Reservation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var (
		p             model.Payment
		reservationID *string
		updated       time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT payment_id, reservation_id, status, amount, updated_at FROM payments WHERE payment_id=$1
`, id).Scan(&p.PaymentID, &reservationID, &p.Status, &p.Amount, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, model.ErrNotFound.With("payment %s not found", id)
	}
	if err != nil {
		return nil, nil, classify("get payment", err)
	}
	p.ReservationID = deref(reservationID)
	p.UpdatedAt = updated.UTC()
	if p.ReservationID == "" {
		return &p, nil, nil
	}

	var r model.Reservation
	err = s.pool.QueryRow(ctx, `
SELECT reservation_id, status, updated_at FROM reservations WHERE reservation_id=$1
`, p.ReservationID).Scan(&r.ReservationID, &r.Status, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return &p, nil, nil
	}
	if err != nil {
		return nil, nil, classify("get reservation", err)
	}
	r.UpdatedAt = updated.UTC()
	return &p, &r, nil
}
