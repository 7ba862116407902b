package audit

import (
	"context"
	"fmt"

	"github.com/ppiankov/guardian/internal/model"
)

// Source is the read side of the ledger needed for verification.
type Source interface {
	Entries(ctx context.Context, fn func(model.LedgerEntry) error) error
	Overrides(ctx context.Context, fn func(model.OverrideRecord) error) error
}

// Violation codes.
const (
	ViolationEntryHash        = "entry_hash_mismatch"
	ViolationOverrideHash     = "override_hash_mismatch"
	ViolationMissingPrev      = "override_prev_missing"
	ViolationPrevGreen        = "override_prev_green"
	ViolationPrevHash         = "override_prev_hash_mismatch"
	ViolationOrphanOverride   = "override_record_orphaned"
	ViolationOverrideMismatch = "override_record_mismatch"
)

// Violation is one detected integrity failure.
type Violation struct {
	Code    string `json:"code"`
	EventID string `json:"event_id"`
	Detail  string `json:"detail"`
}

// Report holds the outcome of a ledger verification.
type Report struct {
	Valid      bool        `json:"valid"`
	Entries    int         `json:"entries"`
	Overrides  int         `json:"overrides"`
	Violations []Violation `json:"violations,omitempty"`
}

// Err returns model.ErrIntegrityViolation describing the first violation,
// or nil for a valid report.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	v := r.Violations[0]
	return model.ErrIntegrityViolation.With("%d violation(s), first %s on %s: %s",
		len(r.Violations), v.Code, v.EventID, v.Detail)
}

type entryFacts struct {
	risk        model.RiskState
	hash        string
	eventType   model.EventType
	prevEventID string
	overrideBy  string
}

// Verify recomputes every entry and override hash and checks every
// override chain link. Tampering is reported, never repaired.
func Verify(ctx context.Context, src Source, h *Hasher) (Report, error) {
	var rep Report
	seen := make(map[string]entryFacts)
	var overrides []model.LedgerEntry

	err := src.Entries(ctx, func(e model.LedgerEntry) error {
		rep.Entries++
		want, err := h.EntryHash(e)
		if err != nil {
			return err
		}
		if !Equal(want, e.IntegrityHash) {
			rep.add(ViolationEntryHash, e.EventID, fmt.Sprintf("stored %s, recomputed %s", e.IntegrityHash, want))
		}
		seen[e.EventID] = entryFacts{
			risk:        e.RiskState,
			hash:        e.IntegrityHash,
			eventType:   e.EventType,
			prevEventID: e.PrevEventID,
			overrideBy:  e.OverrideBy,
		}
		if e.EventType == model.EventOverride {
			overrides = append(overrides, e)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("audit: walk entries: %w", err)
	}

	for _, e := range overrides {
		prev, ok := seen[e.PrevEventID]
		if !ok {
			rep.add(ViolationMissingPrev, e.EventID, fmt.Sprintf("prev_event_id %q not in ledger", e.PrevEventID))
			continue
		}
		if prev.risk == model.Green {
			rep.add(ViolationPrevGreen, e.EventID, fmt.Sprintf("prev_event_id %q is GREEN", e.PrevEventID))
		}
		if linked, _ := e.Metadata["prev_integrity_hash"].(string); !Equal(linked, prev.hash) {
			rep.add(ViolationPrevHash, e.EventID, fmt.Sprintf("prev_integrity_hash does not match %q", e.PrevEventID))
		}
	}

	err = src.Overrides(ctx, func(r model.OverrideRecord) error {
		rep.Overrides++
		want, err := h.OverrideHash(r)
		if err != nil {
			return err
		}
		if !Equal(want, r.IntegrityHash) {
			rep.add(ViolationOverrideHash, r.NewEventID, fmt.Sprintf("stored %s, recomputed %s", r.IntegrityHash, want))
		}
		entry, ok := seen[r.NewEventID]
		if !ok {
			rep.add(ViolationOrphanOverride, r.NewEventID, "override record has no ledger entry")
			return nil
		}
		if entry.eventType != model.EventOverride || entry.prevEventID != r.OriginalEventID || entry.overrideBy != r.PrincipalID {
			rep.add(ViolationOverrideMismatch, r.NewEventID, "ledger entry does not match override record")
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("audit: walk overrides: %w", err)
	}

	rep.Valid = len(rep.Violations) == 0
	return rep, nil
}

func (r *Report) add(code, eventID, detail string) {
	r.Violations = append(r.Violations, Violation{Code: code, EventID: eventID, Detail: detail})
}
