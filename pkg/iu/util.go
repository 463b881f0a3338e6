package iu

import "strings"

// Compact removes from seq every Add whose ID is revoked later in seq, along
// with the Revokes themselves, preserving the order of the survivors. It is
// the canonical "current view" of an incremental stream.
func Compact(seq []IU) []IU {
	revoked := make(map[string]bool)
	for _, u := range seq {
		if u.Kind == Revoke {
			revoked[u.ID] = true
		}
	}
	out := make([]IU, 0, len(seq))
	for _, u := range seq {
		if u.Kind == Revoke || revoked[u.ID] {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ConcatBodies joins the Text bodies of the non-revoked IUs in seq with
// spacer. Non-text bodies and revoked Adds contribute nothing.
func ConcatBodies(seq []IU, spacer string) string {
	parts := make([]string, 0, len(seq))
	for _, u := range Compact(seq) {
		if t := TextOf(u.Body); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, spacer)
}

// DiffTokens compares two token sequences and returns the tail of prev that
// must be revoked and the tail of next that must be added so that applying
// the revokes then the adds to prev yields next token-for-token.
//
// The shared prefix is retained; the first diverging position splits both
// sequences. DiffTokens(x, x) returns (nil, nil).
func DiffTokens(prev, next []string) (revokes, adds []string) {
	i := 0
	for i < len(prev) && i < len(next) && prev[i] == next[i] {
		i++
	}
	if i < len(prev) {
		revokes = prev[i:]
	}
	if i < len(next) {
		adds = next[i:]
	}
	return revokes, adds
}

// Tokenize splits a recognizer transcript into the whitespace-separated
// tokens the incremental diff operates on. Empty input yields no tokens.
func Tokenize(text string) []string {
	return strings.Fields(text)
}
