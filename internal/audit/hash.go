package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/guardian/internal/model"
)

// HashPrefix marks integrity hashes produced by Hasher.
const HashPrefix = "hmac-sha256:"

// TimestampFormat is the canonical timestamp layout. Entry timestamps are
// truncated to microseconds so every supported store round-trips them.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// Now returns the current time in canonical precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Hasher computes keyed integrity hashes over canonical ledger fields.
type Hasher struct {
	secret []byte
}

// NewHasher creates a Hasher. An empty secret is rejected: an unkeyed hash
// could be recomputed by anyone with write access to the store.
func NewHasher(secret string) (*Hasher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("audit: hash secret is required")
	}
	return &Hasher{secret: []byte(secret)}, nil
}

// canonicalEntry fixes field order for LedgerEntry hashing.
// All fields are concrete types (metadata is pre-canonicalized JSON) so
// json.Marshal output is reproducible.
type canonicalEntry struct {
	EventID     string          `json:"event_id"`
	Timestamp   string          `json:"timestamp"`
	PrincipalID string          `json:"principal_id"`
	Vertical    string          `json:"vertical"`
	RiskState   string          `json:"risk_state"`
	AppliedMode string          `json:"applied_mode"`
	Intent      string          `json:"intent"`
	Rationale   string          `json:"rationale"`
	Amount      *float64        `json:"amount"`
	OverrideBy  string          `json:"override_by"`
	PrevEventID string          `json:"prev_event_id"`
	EventType   string          `json:"event_type"`
	Metadata    json.RawMessage `json:"metadata"`
}

// canonicalOverride fixes field order for OverrideRecord hashing.
type canonicalOverride struct {
	OriginalEventID string          `json:"original_event_id"`
	NewEventID      string          `json:"new_event_id"`
	PrincipalID     string          `json:"principal_id"`
	Role            string          `json:"role"`
	Decision        string          `json:"decision"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence"`
}

// EntryHash returns the integrity hash of a ledger entry. IntegrityHash
// itself is not part of the input.
func (h *Hasher) EntryHash(e model.LedgerEntry) (string, error) {
	meta, err := CanonicalJSON(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize metadata: %w", err)
	}
	c := canonicalEntry{
		EventID:     e.EventID,
		Timestamp:   e.Timestamp.UTC().Format(TimestampFormat),
		PrincipalID: e.PrincipalID,
		Vertical:    e.Vertical,
		RiskState:   string(e.RiskState),
		AppliedMode: string(e.AppliedMode),
		Intent:      e.Intent,
		Rationale:   e.Rationale,
		Amount:      e.Amount,
		OverrideBy:  e.OverrideBy,
		PrevEventID: e.PrevEventID,
		EventType:   string(e.EventType),
		Metadata:    meta,
	}
	return h.sum(c)
}

// OverrideHash returns the integrity hash of an override record over
// (original id, new id, principal, role, decision, reason, evidence).
func (h *Hasher) OverrideHash(r model.OverrideRecord) (string, error) {
	evidence := json.RawMessage(r.Evidence)
	if len(evidence) == 0 {
		evidence = json.RawMessage("null")
	}
	c := canonicalOverride{
		OriginalEventID: r.OriginalEventID,
		NewEventID:      r.NewEventID,
		PrincipalID:     r.PrincipalID,
		Role:            string(r.Role),
		Decision:        r.Decision,
		Reason:          r.Reason,
		Evidence:        evidence,
	}
	return h.sum(c)
}

// Seal sets e.IntegrityHash and returns it.
func (h *Hasher) Seal(e *model.LedgerEntry) (string, error) {
	sum, err := h.EntryHash(*e)
	if err != nil {
		return "", err
	}
	e.IntegrityHash = sum
	return sum, nil
}

// Equal compares two integrity hashes in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func (h *Hasher) sum(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: marshal canonical form: %w", err)
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(b)
	return HashPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalJSON re-encodes v with sorted object keys, no insignificant
// whitespace and numbers kept verbatim. nil and empty maps become "null"
// and "{}" respectively.
func CanonicalJSON(v any) (json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	case map[string]any:
		if x == nil {
			return json.RawMessage("null"), nil
		}
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeMap decodes a JSON object keeping numbers as json.Number so that
// re-encoding reproduces the stored digits.
func DecodeMap(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
