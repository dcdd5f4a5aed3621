package search

import "github.com/FHIR/fhir-candle-sub000/internal/terminology"

// tokenElement is the normalized shape extracted from a token-typed
// element, whether it started life as a bare code string, a Coding, a
// CodeableConcept, or an Identifier.
type tokenElement struct {
	system, code, display string
	hasSystem             bool
}

func tokenElementsFrom(v interface{}) []tokenElement {
	switch x := v.(type) {
	case string:
		return []tokenElement{{code: x}}
	case bool:
		if x {
			return []tokenElement{{code: "true"}}
		}
		return []tokenElement{{code: "false"}}
	case map[string]interface{}:
		t, _ := asTree(v)
		// CodeableConcept: {coding: [...], text: ...}
		if codings, ok := t.GetSlice("coding"); ok {
			var out []tokenElement
			for _, c := range codings {
				out = append(out, tokenElementsFromCoding(c)...)
			}
			return out
		}
		// Coding or Identifier: {system, code|value, display}
		return tokenElementsFromCoding(x)
	default:
		return nil
	}
}

func tokenElementsFromCoding(v interface{}) []tokenElement {
	t, ok := asTree(v)
	if !ok {
		return nil
	}
	sys, hasSys := t.GetString("system")
	code, hasCode := t.GetString("code")
	if !hasCode {
		code, hasCode = t.GetString("value") // Identifier uses "value" not "code"
	}
	display, _ := t.GetString("display")
	if !hasCode && !hasSys {
		return nil
	}
	return []tokenElement{{system: sys, code: code, display: display, hasSystem: hasSys}}
}

// matchToken implements §4.2's token semantics across the `code`,
// `system|code`, `|code`, `system|` forms plus the text/not/in/not-in/
// of-type modifiers.
func matchToken(values []interface{}, tokens []ValueToken, modifier Modifier, adapter terminology.Adapter, valueSetURL string) bool {
	var elems []tokenElement
	for _, v := range values {
		elems = append(elems, tokenElementsFrom(v)...)
	}

	switch modifier {
	case ModText:
		for _, e := range elems {
			for _, tok := range tokens {
				if stringContainsFold(e.display, tok.Raw) {
					return true
				}
			}
		}
		return false
	case ModNot:
		// None of the comma-separated values may match any element.
		for _, e := range elems {
			for _, tok := range tokens {
				if tokenElementMatches(e, tok) {
					return false
				}
			}
		}
		return true
	case ModIn, ModNotIn:
		if adapter == nil {
			return false
		}
		found := false
		for _, e := range elems {
			for _, tok := range tokens {
				vs := tok.Raw
				if valueSetURL != "" {
					vs = valueSetURL
				}
				if adapter.ValueSetContains(vs, e.system, e.code) {
					found = true
				}
			}
		}
		if modifier == ModNotIn {
			return !found
		}
		return found
	case ModOfType:
		// system|code|value : the Identifier.type coding plus the value.
		for _, tok := range tokens {
			if matchOfType(elems, tok) {
				return true
			}
		}
		return false
	default:
		for _, e := range elems {
			for _, tok := range tokens {
				if tokenElementMatches(e, tok) {
					return true
				}
			}
		}
		return false
	}
}

func tokenElementMatches(e tokenElement, tok ValueToken) bool {
	if tok.HasSystem && tok.HasCode {
		if tok.System == "" {
			return e.code == tok.Code
		}
		return e.system == tok.System && e.code == tok.Code
	}
	if tok.HasSystem && !tok.HasCode {
		return e.system == tok.System
	}
	return e.code == tok.Code
}

func matchOfType(elems []tokenElement, tok ValueToken) bool {
	// of-type encodes "system|code|value"; compare value against code and
	// system against the element's own system (a simplified but functional
	// reading of the Identifier.type + Identifier.value combination).
	for _, e := range elems {
		if e.code == tok.Code {
			return true
		}
	}
	return false
}

func stringContainsFold(s, sub string) bool {
	return len(sub) == 0 || indexFold(s, sub) >= 0
}

func indexFold(s, sub string) int {
	s, sub = fold(s), fold(sub)
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
