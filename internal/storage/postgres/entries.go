package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
)

const entryColumns = `event_id, ts, principal_id, vertical, risk_state, applied_mode, intent,
	rationale, amount, integrity_hash, override_by, prev_event_id, event_type, metadata`

const overrideColumns = `original_event_id, new_event_id, principal_id, role, vertical, decision,
	reason, evidence, integrity_hash, created_at`

type tx struct {
	tx pgx.Tx
}

func (t *tx) InsertEntry(ctx context.Context, e model.LedgerEntry) (string, error) {
	if strings.TrimSpace(e.EventID) == "" {
		return "", model.ErrInvalidInput.With("event id is required")
	}
	if e.IntegrityHash == "" {
		return "", model.ErrInvalidInput.With("entry %s is not sealed", e.EventID)
	}
	meta, err := audit.CanonicalJSON(e.Metadata)
	if err != nil {
		return "", model.ErrInvalidInput.With("entry metadata: %v", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO decision_ledger (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, e.EventID, utc(e.Timestamp), e.PrincipalID, e.Vertical, string(e.RiskState), string(e.AppliedMode), e.Intent,
		e.Rationale, e.Amount, e.IntegrityHash, nullString(e.OverrideBy), nullString(e.PrevEventID), string(e.EventType), string(meta))
	if err != nil {
		if isUniqueViolation(err) {
			return "", model.ErrInvalidInput.With("event %s already exists", e.EventID)
		}
		return "", classify("insert ledger entry", err)
	}
	return e.EventID, nil
}

func (t *tx) InsertOverride(ctx context.Context, r model.OverrideRecord) error {
	if r.OriginalEventID == "" || r.NewEventID == "" {
		return model.ErrInvalidInput.With("override record needs original and new event ids")
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO overrides (`+overrideColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, r.OriginalEventID, r.NewEventID, r.PrincipalID, string(r.Role), r.Vertical, r.Decision,
		r.Reason, r.Evidence, r.IntegrityHash, utc(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrInvalidInput.With("override for event %s already exists", r.NewEventID)
		}
		return classify("insert override", err)
	}
	return nil
}

// Transition captures with a conditional UPDATE ... RETURNING. A competing
// capture blocks on the row lock and then sees zero rows.
func (t *tx) Transition(ctx context.Context, req ledger.TransitionRequest) (ledger.TransitionOutcome, error) {
	now := utc(req.Entry.Timestamp)

	var reservationID *string
	err := t.tx.QueryRow(ctx, `
UPDATE payments SET status=$1, updated_at=$2
WHERE payment_id=$3 AND status=$4
RETURNING reservation_id
`, model.PaymentCaptured, now, req.PaymentID, model.PaymentPending).Scan(&reservationID)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		err := t.tx.QueryRow(ctx, `SELECT status, reservation_id FROM payments WHERE payment_id=$1`, req.PaymentID).
			Scan(&status, &reservationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.TransitionOutcome{Status: ledger.TransitionUnknownPayment}, nil
		}
		if err != nil {
			return ledger.TransitionOutcome{}, classify("load payment", err)
		}
		if status == model.PaymentCaptured {
			return ledger.TransitionOutcome{Status: ledger.TransitionAlreadyApplied, ReservationID: deref(reservationID)}, nil
		}
		return ledger.TransitionOutcome{}, model.ErrIllegalStateTransition.With("payment %s is %s", req.PaymentID, status)
	}
	if err != nil {
		return ledger.TransitionOutcome{}, classify("capture payment", err)
	}

	held := deref(reservationID)
	if req.ReservationID != "" && req.ReservationID != held {
		return ledger.TransitionOutcome{}, model.ErrInvalidInput.With("payment %s does not hold reservation %s", req.PaymentID, req.ReservationID)
	}
	if held != "" {
		tag, err := t.tx.Exec(ctx, `
UPDATE reservations SET status=$1, updated_at=$2
WHERE reservation_id=$3 AND status=$4
`, model.ReservationConfirmed, now, held, model.ReservationHeld)
		if err != nil {
			return ledger.TransitionOutcome{}, classify("confirm reservation", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.TransitionOutcome{}, model.ErrIllegalStateTransition.With("reservation %s is not held", held)
		}
	}

	id, err := t.InsertEntry(ctx, req.Entry)
	if err != nil {
		return ledger.TransitionOutcome{}, err
	}
	return ledger.TransitionOutcome{Status: ledger.TransitionApplied, EventID: id, ReservationID: held}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		e                  model.LedgerEntry
		ts                 time.Time
		riskState, mode    string
		eventType, meta    string
		overrideBy, prevID *string
	)
	if err := row.Scan(
		&e.EventID, &ts, &e.PrincipalID, &e.Vertical, &riskState, &mode, &e.Intent,
		&e.Rationale, &e.Amount, &e.IntegrityHash, &overrideBy, &prevID, &eventType, &meta,
	); err != nil {
		return model.LedgerEntry{}, err
	}
	e.Timestamp = ts.UTC()
	e.RiskState = model.RiskState(riskState)
	e.AppliedMode = model.OperatingMode(mode)
	e.EventType = model.EventType(eventType)
	e.OverrideBy = deref(overrideBy)
	e.PrevEventID = deref(prevID)
	var err error
	if e.Metadata, err = audit.DecodeMap([]byte(meta)); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("decode metadata of %s: %w", e.EventID, err)
	}
	return e, nil
}

func scanOverride(row pgx.Row) (model.OverrideRecord, error) {
	var (
		r         model.OverrideRecord
		role      string
		createdAt time.Time
	)
	if err := row.Scan(
		&r.OriginalEventID, &r.NewEventID, &r.PrincipalID, &role, &r.Vertical, &r.Decision,
		&r.Reason, &r.Evidence, &r.IntegrityHash, &createdAt,
	); err != nil {
		return model.OverrideRecord{}, err
	}
	r.Role = model.Role(role)
	r.CreatedAt = createdAt.UTC()
	return r, nil
}

// Get returns one ledger entry.
func (s *Store) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM decision_ledger WHERE event_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound.With("event %s not found", id)
	}
	if err != nil {
		return nil, classify("get ledger entry", err)
	}
	return &e, nil
}

// CountByRiskState returns entry counts keyed by risk state.
func (s *Store) CountByRiskState(ctx context.Context) (map[model.RiskState]int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT risk_state, COUNT(*) FROM decision_ledger GROUP BY risk_state`)
	if err != nil {
		return nil, classify("count ledger entries", err)
	}
	defer rows.Close()

	counts := make(map[model.RiskState]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, classify("scan ledger count", err)
		}
		counts[model.RiskState(state)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count ledger entries", err)
	}
	return counts, nil
}

// CountOverrides returns the number of override records.
func (s *Store) CountOverrides(ctx context.Context) (int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM overrides`).Scan(&n); err != nil {
		return 0, classify("count overrides", err)
	}
	return int(n), nil
}

// Latest returns up to n entries, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]model.LedgerEntry, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM decision_ledger ORDER BY seq DESC LIMIT $1`, ledger.ClampLatest(n))
	if err != nil {
		return nil, classify("list ledger entries", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify("scan ledger entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list ledger entries", err)
	}
	return out, nil
}

// Entries walks the ledger in insertion order, bounded by ctx only.
func (s *Store) Entries(ctx context.Context, fn func(model.LedgerEntry) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM decision_ledger ORDER BY seq`)
	if err != nil {
		return classify("walk ledger", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return classify("scan ledger entry", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return classify("walk ledger", rows.Err())
}

// Overrides walks every override record in insertion order.
func (s *Store) Overrides(ctx context.Context, fn func(model.OverrideRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+overrideColumns+` FROM overrides ORDER BY seq`)
	if err != nil {
		return classify("walk overrides", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanOverride(rows)
		if err != nil {
			return classify("scan override", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return classify("walk overrides", rows.Err())
}
