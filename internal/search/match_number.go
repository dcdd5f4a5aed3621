package search

import "strconv"

// matchNumber implements §4.2's number semantics: a bare comparator
// applied to a numeric element, with no unit consideration.
func matchNumber(values []interface{}, tokens []ValueToken) bool {
	for _, v := range values {
		have, ok := asFloatValue(v)
		if !ok {
			continue
		}
		for _, tok := range tokens {
			want, err := strconv.ParseFloat(tok.Raw, 64)
			if err != nil {
				continue
			}
			if compareFloat(have, tok.Comparator, want) {
				return true
			}
		}
	}
	return false
}
