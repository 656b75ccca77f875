// Package discovery finds configured beds among the advertisements relayed by
// the proxy fleet: tolerant identifier matching, silent-subscription healing,
// and failover grouping with persisted-stat scoring.
package discovery

import (
	"regexp"
	"strings"

	"smartbed-bridge/internal/faults"
)

var (
	nonHexRe = regexp.MustCompile(`[^0-9a-f]`)
	hexRunRe = regexp.MustCompile(`[0-9a-f]{12}`)
)

// Normalize expands one identifier token into its comparable forms:
// the lowercased trimmed token, the pure-hex form when stripping non-hex
// leaves exactly 12 characters, and the first 12-hex substring anywhere in
// the token. Normalization is idempotent: normalizing any produced form
// yields a subset of the same forms.
func Normalize(token string) []string {
	t := strings.ToLower(strings.TrimSpace(token))
	if t == "" {
		return nil
	}
	forms := []string{t}

	stripped := nonHexRe.ReplaceAllString(t, "")
	if len(stripped) == 12 {
		forms = appendUnique(forms, stripped)
	}
	if run := hexRunRe.FindString(t); run != "" {
		forms = appendUnique(forms, run)
	}
	return forms
}

// NormalizeAll expands a set of identifier tokens, de-duplicated.
func NormalizeAll(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		for _, f := range Normalize(t) {
			out = appendUnique(out, f)
		}
	}
	return out
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

// minSubstringLen is the shortest configured token accepted for the
// substring-of-advertised-name tolerance; tokens with the stray leading "b"
// some scanners prepend need one more character.
const (
	minSubstringLen         = 6
	minSubstringLenLeadingB = 7
)

// MatchToken reports whether one normalized configured token matches an
// advertisement with the given lowercased name and 12-hex mac.
func MatchToken(advName, advMAC, token string) bool {
	if token == "" {
		return false
	}
	if token == advMAC || token == advName {
		return true
	}
	for _, f := range Normalize(token) {
		if f == advMAC || f == advName {
			return true
		}
	}
	if advName != "" {
		if strings.HasPrefix(advName, token) || strings.HasPrefix(token, advName) ||
			strings.HasSuffix(advName, token) || strings.HasSuffix(token, advName) {
			return true
		}
		minLen := minSubstringLen
		if strings.HasPrefix(token, "b") {
			minLen = minSubstringLenLeadingB
		}
		if len(token) >= minLen && strings.Contains(advName, token) {
			return true
		}
	}
	return false
}

// CheckDuplicateIdentifiers rejects a target set in which two beds share a
// normalized identifier form. The substring tolerance of MatchToken could
// otherwise cross-match them at scan time, which is much harder to diagnose.
func CheckDuplicateIdentifiers(targets []Target) error {
	owner := make(map[string]string)
	for _, t := range targets {
		for _, f := range NormalizeAll(t.Identifiers) {
			if prev, ok := owner[f]; ok && prev != t.Key {
				return faults.New(faults.KindDuplicateIdentifier,
					"identifier %q is configured for both %q and %q", f, prev, t.Key)
			}
			owner[f] = t.Key
		}
	}
	return nil
}

// MatchedIdentifiers returns every identifier of the set the advertisement
// satisfies. All satisfied identifiers are consumed together; consuming only
// the first would leave siblings dangling and completion would never fire.
func MatchedIdentifiers(advName string, advMAC string, identifiers []string) []string {
	name := strings.ToLower(strings.TrimSpace(advName))
	mac := strings.ToLower(advMAC)
	var matched []string
	for _, id := range identifiers {
		t := strings.ToLower(strings.TrimSpace(id))
		if MatchToken(name, mac, t) {
			matched = append(matched, id)
		}
	}
	return matched
}
