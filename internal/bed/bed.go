// Package bed models the user-facing bed configuration and the vendor
// families that turn a matched BLE controller into commands and entities.
package bed

import (
	"regexp"
	"strings"
)

// Config is one configured bed. A bed may back multiple linked controllers;
// the runtime BLE address of whichever controller we happened to choose never
// leaks into external identifiers.
type Config struct {
	Name             string
	FriendlyName     string
	StayConnected    bool
	Aliases          string
	ExtraIdentifiers []string
}

// Identifiers returns the free-form identifier tokens for matching: the
// configured name plus comma/space-separated aliases and any extras.
func (c Config) Identifiers() []string {
	ids := []string{c.Name}
	for _, a := range strings.FieldsFunc(c.Aliases, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		if a != "" {
			ids = append(ids, a)
		}
	}
	ids = append(ids, c.ExtraIdentifiers...)
	return ids
}

// StableID derives the logical bed identity: the first 12-hex MAC found in
// the name, aliases or extra identifiers, else the lowercased name. External entity discovery
// keys off this, so the choice of linked controller cannot create duplicates.
func (c Config) StableID() string {
	for _, id := range c.Identifiers() {
		if hex := firstTwelveHex(id); hex != "" {
			return hex
		}
	}
	return strings.ToLower(strings.TrimSpace(c.Name))
}

var (
	macRe    = regexp.MustCompile(`(?i)([0-9a-f]{2}[:-]){5}[0-9a-f]{2}`)
	hexRunRe = regexp.MustCompile(`(?i)[0-9a-f]{12}`)
)

// firstTwelveHex finds the first 12-hex MAC in s: a separator-delimited MAC
// wins over a bare contiguous run.
func firstTwelveHex(s string) string {
	if m := macRe.FindString(s); m != "" {
		m = strings.NewReplacer(":", "", "-", "").Replace(m)
		return strings.ToLower(m)
	}
	if m := hexRunRe.FindString(s); m != "" {
		return strings.ToLower(m)
	}
	return ""
}
