// Package classifier decides whether an incoming query name lies
// inside the delegated tunnel zone (spec §4.3) and validates the
// topdomain argument the way the reference implementation's
// check_topdomain does (spec §9.1, supplemented from
// original_source/src/iodined.c).
package classifier

import (
	"fmt"
	"strings"
)

// MaxTopDomainLen is the maximum length in octets of the TOPDOMAIN
// positional argument (spec §6: "TOPDOMAIN must be <= 128 octets").
const MaxTopDomainLen = 128

// Classify reports whether name lies inside topdomain, using a
// case-insensitive suffix test, and if so returns the prefix octets
// that precede the suffix -- the tunnel-encoded payload (spec §4.3).
//
// Both name and topdomain are expected in the same form produced by
// dnswire (lowercased already is fine; Classify itself is
// case-insensitive so callers need not normalize).
func Classify(name, topdomain string) (prefix string, ok bool) {
	name = strings.TrimSuffix(name, ".")
	topdomain = strings.TrimSuffix(topdomain, ".")

	if len(name) < len(topdomain) {
		return "", false
	}
	matchStart := len(name) - len(topdomain)
	if !strings.EqualFold(name[matchStart:], topdomain) {
		return "", false
	}
	prefix = name[:matchStart]
	prefix = strings.TrimSuffix(prefix, ".")
	return prefix, true
}

// ValidateTopDomain reproduces check_topdomain's grammar: each
// dot-separated label must be non-empty and at most 63 octets, the
// total length (including dots) at most MaxTopDomainLen, and the
// domain must not start or end with a dot.
func ValidateTopDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("classifier: empty topdomain")
	}
	if len(domain) > MaxTopDomainLen {
		return fmt.Errorf("classifier: topdomain %q is %d octets, exceeds %d", domain, len(domain), MaxTopDomainLen)
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("classifier: topdomain %q must not start or end with '.'", domain)
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 {
			return fmt.Errorf("classifier: topdomain %q has an empty label", domain)
		}
		if len(label) > 63 {
			return fmt.Errorf("classifier: topdomain %q has a label longer than 63 octets: %q", domain, label)
		}
		for _, c := range label {
			if !isValidLabelRune(c) {
				return fmt.Errorf("classifier: topdomain %q has invalid character %q", domain, c)
			}
		}
	}
	return nil
}

func isValidLabelRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
