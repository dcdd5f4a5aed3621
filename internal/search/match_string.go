package search

import "strings"

// matchString implements §4.2's string parameter semantics: default
// starts-with, case- and accent-insensitive; :exact requires equality
// (case- and accent-sensitive); :contains requires substring containment
// (case/accent-insensitive).
func matchString(values []interface{}, tokens []ValueToken, modifier Modifier) bool {
	for _, v := range values {
		s, ok := asString(v)
		if !ok {
			continue
		}
		for _, tok := range tokens {
			if matchOneString(s, tok.Raw, modifier) {
				return true
			}
		}
	}
	return false
}

func matchOneString(candidate, want string, modifier Modifier) bool {
	switch modifier {
	case ModExact:
		return candidate == want
	case ModContains:
		return strings.Contains(fold(candidate), fold(want))
	default:
		return strings.HasPrefix(fold(candidate), fold(want))
	}
}

// fold lowercases and strips a small set of common Latin diacritics so that
// "Pérez" matches a search for "perez", matching §4.2's accent-insensitive
// default string matching without pulling in a full Unicode normalization
// dependency (DESIGN.md's standard-library justification for this
// package).
func fold(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := accentFold[r]; ok {
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var accentFold = map[rune]rune{
	'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ñ': 'n', 'ç': 'c', 'ý': 'y',
}
