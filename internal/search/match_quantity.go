package search

import (
	"strconv"

	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

// matchQuantity implements §4.2's quantity semantics: a comparator applied
// to the numeric value, with unit equivalence delegated to the terminology
// adapter (resolved as exact-match-only, per the Open Question decision
// recorded in SPEC_FULL.md §9).
func matchQuantity(values []interface{}, tokens []ValueToken, adapter terminology.Adapter) bool {
	for _, v := range values {
		qv, ok := quantityFrom(v)
		if !ok {
			continue
		}
		for _, tok := range tokens {
			want, err := strconv.ParseFloat(tok.Number, 64)
			if err != nil {
				continue
			}
			if !unitsMatch(qv, tok, adapter) {
				continue
			}
			if compareFloat(qv.value, tok.Comparator, want) {
				return true
			}
		}
	}
	return false
}

type quantityValue struct {
	value        float64
	system, unit string
}

func quantityFrom(v interface{}) (quantityValue, bool) {
	t, ok := asTree(v)
	if !ok {
		return quantityValue{}, false
	}
	raw, ok := t.Get("value")
	if !ok {
		return quantityValue{}, false
	}
	f, ok := asFloatValue(raw)
	if !ok {
		return quantityValue{}, false
	}
	sys, _ := t.GetString("system")
	unit, _ := t.GetString("code")
	if unit == "" {
		unit, _ = t.GetString("unit")
	}
	return quantityValue{value: f, system: sys, unit: unit}, true
}

func asFloatValue(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// unitsMatch applies the token's unit qualifier, if any, against the stored
// quantity. An unqualified token (bare number, no system/unit) matches any
// unit, per §4.2.
func unitsMatch(qv quantityValue, tok ValueToken, adapter terminology.Adapter) bool {
	if tok.System == "" && tok.Unit == "" {
		return true
	}
	if tok.System != "" && tok.Unit != "" {
		if tok.System == qv.system && tok.Unit == qv.unit {
			return true
		}
		if adapter != nil {
			return adapter.UnitsEquivalent(tok.Unit, qv.unit)
		}
		return false
	}
	// Only a bare unit was given (no system): compare loosely, falling back
	// to the adapter's equivalence when the literal codes differ.
	if tok.Unit == qv.unit {
		return true
	}
	if adapter != nil {
		return adapter.UnitsEquivalent(tok.Unit, qv.unit)
	}
	return false
}

func compareFloat(have float64, cmp Comparator, want float64) bool {
	switch cmp {
	case CmpNe:
		return have != want
	case CmpGt, CmpSa:
		return have > want
	case CmpGe:
		return have >= want
	case CmpLt, CmpEb:
		return have < want
	case CmpLe:
		return have <= want
	case CmpAp:
		// Approximately: within 10% of the target, per common FHIR guidance.
		delta := want * 0.1
		if delta < 0 {
			delta = -delta
		}
		return have >= want-delta && have <= want+delta
	default: // CmpEq
		return have == want
	}
}
