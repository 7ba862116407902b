package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

// PutPayment creates or replaces a payment and, when it references one,
// its reservation.
func (s *Store) PutPayment(ctx context.Context, p model.Payment) error {
	if err := ledger.ValidatePayment(&p); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	now := formatTime(p.UpdatedAt)
	if p.ReservationID != "" {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO reservations (reservation_id, status, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(reservation_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			p.ReservationID, model.ReservationHeld, now,
		); err != nil {
			return classify("put reservation", err)
		}
	}
	if _, err := sqlTx.ExecContext(ctx,
		`INSERT INTO payments (payment_id, reservation_id, status, amount, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(payment_id) DO UPDATE SET
		   reservation_id = excluded.reservation_id,
		   status = excluded.status,
		   amount = excluded.amount,
		   updated_at = excluded.updated_at`,
		p.PaymentID, nullString(p.ReservationID), p.Status, p.Amount, now,
	); err != nil {
		return classify("put payment", err)
	}
	return classify("commit transaction", sqlTx.Commit())
}

// Payment returns a payment and its reservation, nil when it has none.
func (s *Store) Payment(ctx context.Context, id string) (*model.Payment, *model.Reservation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var (
		p             model.Payment
		reservationID sql.NullString
		updated       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, reservation_id, status, amount, updated_at FROM payments WHERE payment_id = ?`, id,
	).Scan(&p.PaymentID, &reservationID, &p.Status, &p.Amount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, model.ErrNotFound.With("payment %s not found", id)
	}
	if err != nil {
		return nil, nil, classify("get payment", err)
	}
	p.ReservationID = reservationID.String
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, nil, classify("get payment", err)
	}
	if p.ReservationID == "" {
		return &p, nil, nil
	}

	var r model.Reservation
	err = s.db.QueryRowContext(ctx,
		`SELECT reservation_id, status, updated_at FROM reservations WHERE reservation_id = ?`, p.ReservationID,
	).Scan(&r.ReservationID, &r.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &p, nil, nil
	}
	if err != nil {
		return nil, nil, classify("get reservation", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, nil, classify("get reservation", err)
	}
	return &p, &r, nil
}
