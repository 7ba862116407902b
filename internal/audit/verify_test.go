package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ppiankov/guardian/internal/model"
)

type memSource struct {
	entries   []model.LedgerEntry
	overrides []model.OverrideRecord
}

func (m *memSource) Entries(ctx context.Context, fn func(model.LedgerEntry) error) error {
	for _, e := range m.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *memSource) Overrides(ctx context.Context, fn func(model.OverrideRecord) error) error {
	for _, r := range m.overrides {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// chainedSource builds a RED original plus one valid override chained to it.
func chainedSource(t *testing.T, h *Hasher) *memSource {
	t.Helper()
	orig := testEntry()
	if _, err := h.Seal(&orig); err != nil {
		t.Fatal(err)
	}

	rec := model.OverrideRecord{
		OriginalEventID: orig.EventID,
		NewEventID:      "evt-2",
		PrincipalID:     "ana",
		Role:            model.RoleArchitect,
		Decision:        "GREEN_OVERRIDE_SUPERVISED",
		Reason:          "price confirmed with supplier",
		Evidence:        `{"doc":"invoice-7"}`,
		CreatedAt:       orig.Timestamp,
	}
	rec.IntegrityHash, _ = h.OverrideHash(rec)

	next := model.LedgerEntry{
		EventID:     rec.NewEventID,
		Timestamp:   orig.Timestamp,
		PrincipalID: rec.PrincipalID,
		Vertical:    orig.Vertical,
		RiskState:   model.Green,
		AppliedMode: model.ModeSupervised,
		Intent:      orig.Intent,
		Rationale:   rec.Reason,
		OverrideBy:  rec.PrincipalID,
		PrevEventID: orig.EventID,
		EventType:   model.EventOverride,
		Metadata: map[string]any{
			"prev_integrity_hash": orig.IntegrityHash,
			"override_hash":       rec.IntegrityHash,
		},
	}
	if _, err := h.Seal(&next); err != nil {
		t.Fatal(err)
	}
	return &memSource{entries: []model.LedgerEntry{orig, next}, overrides: []model.OverrideRecord{rec}}
}

func TestVerifyValidChain(t *testing.T) {
	h := testHasher(t, "s3cret")
	rep, err := Verify(context.Background(), chainedSource(t, h), h)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.Err() != nil {
		t.Fatalf("expected valid report, got %+v", rep)
	}
	if rep.Entries != 2 || rep.Overrides != 1 {
		t.Errorf("unexpected counts %+v", rep)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	cases := map[string]struct {
		mutate func(*memSource)
		code   string
	}{
		"entry rationale": {
			mutate: func(s *memSource) { s.entries[0].Rationale = "nothing to see" },
			code:   ViolationEntryHash,
		},
		"override reason": {
			mutate: func(s *memSource) { s.overrides[0].Reason = "because" },
			code:   ViolationOverrideHash,
		},
		"missing original": {
			mutate: func(s *memSource) { s.entries = s.entries[1:] },
			code:   ViolationMissingPrev,
		},
		"orphan record": {
			mutate: func(s *memSource) { s.overrides[0].NewEventID = "evt-ghost" },
			code:   ViolationOrphanOverride,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := testHasher(t, "s3cret")
			src := chainedSource(t, h)
			tc.mutate(src)

			rep, err := Verify(context.Background(), src, h)
			if err != nil {
				t.Fatal(err)
			}
			if rep.Valid {
				t.Fatal("expected violation")
			}
			found := false
			for _, v := range rep.Violations {
				if v.Code == tc.code {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s, got %+v", tc.code, rep.Violations)
			}
			if err := rep.Err(); err == nil || model.KindOf(err) != model.KindIntegrity {
				t.Fatalf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestVerifyFlagsOverrideOfGreenEntry(t *testing.T) {
	h := testHasher(t, "s3cret")
	src := chainedSource(t, h)
	src.entries[0].RiskState = model.Green
	h.Seal(&src.entries[0])
	src.entries[1].Metadata["prev_integrity_hash"] = src.entries[0].IntegrityHash
	h.Seal(&src.entries[1])

	rep, _ := Verify(context.Background(), src, h)
	if rep.Valid || rep.Violations[0].Code != ViolationPrevGreen {
		t.Fatalf("expected %s, got %+v", ViolationPrevGreen, rep.Violations)
	}
}

func TestExportAndVerifyFile(t *testing.T) {
	h := testHasher(t, "s3cret")
	path := filepath.Join(t.TempDir(), "export", "ledger.jsonl")

	n, err := Export(context.Background(), chainedSource(t, h), path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 exported lines, got %d", n)
	}
	res := VerifyFile(path)
	if !res.Valid || res.Lines != 2 {
		t.Fatalf("expected valid export, got %+v", res)
	}

	if _, err := Export(context.Background(), chainedSource(t, h), path); err == nil {
		t.Fatal("export must refuse to overwrite an existing file")
	}
}

func TestVerifyFileMissing(t *testing.T) {
	res := VerifyFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	if res.Valid || res.Error == "" {
		t.Fatalf("expected error result, got %+v", res)
	}
}
