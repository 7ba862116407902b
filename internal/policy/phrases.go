package policy

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// phraseSet matches whole-word phrases case- and accent-insensitively.
// "Suicídio", "SUICIDIO" and "suicidio" all match the phrase "suicidio".
type phraseSet struct {
	phrases []string // normalized, space-padded
	raw     []string
}

func newPhraseSet(phrases []string) *phraseSet {
	ps := &phraseSet{}
	for _, p := range phrases {
		n := normalizeText(p)
		if n == "" {
			continue
		}
		ps.phrases = append(ps.phrases, " "+n+" ")
		ps.raw = append(ps.raw, p)
	}
	return ps
}

// match returns the first configured phrase found in text.
func (ps *phraseSet) match(text string) (string, bool) {
	if ps == nil || len(ps.phrases) == 0 {
		return "", false
	}
	n := normalizeText(text)
	if n == "" {
		return "", false
	}
	padded := " " + n + " "
	for i, p := range ps.phrases {
		if strings.Contains(padded, p) {
			return ps.raw[i], true
		}
	}
	return "", false
}

// normalizeText folds case, strips combining marks and collapses every run
// of non-alphanumeric runes into a single space.
func normalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = strings.ToLower(s)
	}
	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
