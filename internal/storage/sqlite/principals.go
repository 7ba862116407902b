package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

// Principal loads a principal fresh from the table.
func (s *Store) Principal(ctx context.Context, id string) (*model.Principal, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var (
		p      model.Principal
		role   string
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, role, vertical_scope, otp_secret, active FROM principals WHERE principal_id = ?`, id,
	).Scan(&p.ID, &role, &p.VerticalScope, &p.OTPSecret, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound.With("principal not found")
	}
	if err != nil {
		return nil, classify("get principal", err)
	}
	p.Role = model.Role(role)
	p.Active = active != 0
	return &p, nil
}

// PutPrincipal creates or replaces a principal.
func (s *Store) PutPrincipal(ctx context.Context, p model.Principal) error {
	if err := ledger.ValidatePrincipal(&p); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := formatTime(audit.Now())
	active := 0
	if p.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (principal_id, role, vertical_scope, otp_secret, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(principal_id) DO UPDATE SET
		   role = excluded.role,
		   vertical_scope = excluded.vertical_scope,
		   otp_secret = excluded.otp_secret,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		p.ID, string(p.Role), p.VerticalScope, p.OTPSecret, active, now, now,
	)
	return classify("put principal", err)
}

// DeactivatePrincipal clears the active flag.
func (s *Store) DeactivatePrincipal(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET active = 0, updated_at = ? WHERE principal_id = ?`, formatTime(audit.Now()), id)
	if err != nil {
		return classify("deactivate principal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("deactivate principal", err)
	}
	if n == 0 {
		return model.ErrNotFound.With("principal %s not found", id)
	}
	return nil
}
