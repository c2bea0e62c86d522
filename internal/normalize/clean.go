// Package normalize derives stable merchant keys from noisy bank
// descriptions and maintains the per-user alias table.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// leadingNoise are processor and terminal prefixes.
var leadingNoise = setOf(
	"POS", "DEBIT", "CARD", "PURCHASE", "CHECKCARD", "CHKCARD", "ACH", "RECURRING",
	"PAYMENT", "PMT", "SQ", "TST", "PAYPAL", "PP", "SP", "VISA", "DDA", "ONLINE",
	"PREAUTHORIZED", "WEB", "ID", "ELECTRONIC", "WITHDRAWAL", "AUTH",
)

// trailingNoise are billing suffixes that carry no merchant identity.
var trailingNoise = setOf(
	"BILL", "BILLING", "PMT", "PYMT", "PAYMENT", "AUTOPAY", "AUTO", "RECURRING",
	"SUBSCRIPTION", "SUBSCR", "MEMBERSHIP", "CHARGE", "PURCHASE", "ONLINE",
	"INC", "LLC", "LTD", "CORP",
)

var tlds = setOf("COM", "NET", "ORG", "IO", "CO", "TV", "APP")

var regions = setOf(
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA", "HI", "ID", "IL",
	"IN", "IA", "KS", "KY", "LA", "ME", "MD", "MA", "MI", "MN", "MS", "MO", "MT",
	"NE", "NV", "NH", "NJ", "NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI",
	"SC", "SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY", "DC",
	"US", "USA", "GB", "GBR", "UK", "IE", "DE", "FR", "NL", "CAN", "AUS",
)

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Clean strips processor noise from a raw description and returns an
// uppercase, single-spaced string. It is a pure function.
//
//	"POS 1234 NETFLIX.COM"                    -> "NETFLIX"
//	"SQ *BLUE BOTTLE COFFEE 0423 SAN FRANCISCO CA" -> "BLUE BOTTLE COFFEE"
func Clean(raw string) string {
	upper := strings.ToUpper(fold(raw))
	upper = strings.NewReplacer("'", "", "’", "").Replace(upper)
	spaced := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, upper)
	tokens := strings.Fields(spaced)
	if len(tokens) == 0 {
		return strings.Join(strings.Fields(upper), " ")
	}

	for len(tokens) > 1 && leadingNoise[tokens[0]] {
		tokens = tokens[1:]
	}

	// A store number followed by a trailing region code marks the start of
	// a location fragment.
	if n := len(tokens); n > 2 && regions[tokens[n-1]] {
		for i := 1; i < n-1; i++ {
			if isNumeric(tokens[i]) {
				tokens = tokens[:i]
				break
			}
		}
	}

	var kept []string
	for i, tok := range tokens {
		switch {
		case len([]rune(tok)) < 2:
		case tlds[tok] && i > 0:
		case hasDigit(tok) && (i > 0 || !hasLetter(tok)):
		default:
			kept = append(kept, tok)
		}
	}
	for len(kept) > 1 && (regions[kept[len(kept)-1]] || trailingNoise[kept[len(kept)-1]]) {
		kept = kept[:len(kept)-1]
	}

	if len(kept) == 0 {
		return strings.Join(strings.Fields(upper), " ")
	}
	return strings.Join(kept, " ")
}

// fold removes diacritics. transform.Chain keeps state, so a new chain is
// built per call.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func hasLetter(s string) bool {
	return strings.IndexFunc(s, unicode.IsLetter) >= 0
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
