package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

// Principal loads a principal fresh from the table.
func (s *Store) Principal(ctx context.Context, id string) (*model.Principal, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var p model.Principal
	var role string
	err := s.pool.QueryRow(ctx, `
SELECT principal_id, role, vertical_scope, otp_secret, active
FROM principals
WHERE principal_id=$1
`, id).Scan(&p.ID, &role, &p.VerticalScope, &p.OTPSecret, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound.With("principal not found")
	}
	if err != nil {
		return nil, classify("get principal", err)
	}
	p.Role = model.Role(role)
	return &p, nil
}

// PutPrincipal creates or replaces a principal.
func (s *Store) PutPrincipal(ctx context.Context, p model.Principal) error {
	if err := ledger.ValidatePrincipal(&p); err != nil {
		return err
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO principals(principal_id, role, vertical_scope, otp_secret, active)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (principal_id) DO UPDATE SET
  role=EXCLUDED.role,
  vertical_scope=EXCLUDED.vertical_scope,
  otp_secret=EXCLUDED.otp_secret,
  active=EXCLUDED.active,
  updated_at=now()
`, p.ID, string(p.Role), p.VerticalScope, p.OTPSecret, p.Active)
	return classify("put principal", err)
}

// DeactivatePrincipal clears the active flag.
func (s *Store) DeactivatePrincipal(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE principals SET active=false, updated_at=now() WHERE principal_id=$1`, id)
	if err != nil {
		return classify("deactivate principal", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound.With("principal %s not found", id)
	}
	return nil
}
