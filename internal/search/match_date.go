package search

import (
	"strconv"
	"strings"
	"time"
)

// dateRange is the half-open [Start, End) interval a partial-precision date
// literal expands to, per §4.2 — e.g. "1982" covers all of 1982.
type dateRange struct {
	start, end time.Time
}

// matchDate implements §4.2's date semantics: a comparator applied against
// a stored instant or range, where both the search value and the stored
// element may carry partial precision.
func matchDate(values []interface{}, tokens []ValueToken) bool {
	for _, v := range values {
		have, ok := dateValueFrom(v)
		if !ok {
			continue
		}
		for _, tok := range tokens {
			want, ok := parseDateRange(tok.Raw)
			if !ok {
				continue
			}
			if compareDateRange(have, tok.Comparator, want) {
				return true
			}
		}
	}
	return false
}

func dateValueFrom(v interface{}) (dateRange, bool) {
	switch x := v.(type) {
	case string:
		return parseDateRange(x)
	case map[string]interface{}:
		t, _ := asTree(v)
		if start, ok := t.GetString("start"); ok {
			sr, ok := parseDateRange(start)
			if !ok {
				return dateRange{}, false
			}
			if end, ok := t.GetString("end"); ok {
				er, ok := parseDateRange(end)
				if ok {
					return dateRange{start: sr.start, end: er.end}, true
				}
			}
			return dateRange{start: sr.start, end: sr.end}, true
		}
		return dateRange{}, false
	default:
		return dateRange{}, false
	}
}

var dateLayouts = []struct {
	layout string
	unit   time.Duration
}{
	{"2006-01-02T15:04:05Z07:00", 0},
	{"2006-01-02T15:04:05", time.Second},
	{"2006-01-02", 24 * time.Hour},
}

// parseDateRange expands a (possibly partial-precision) date literal into
// the half-open range it denotes.
func parseDateRange(raw string) (dateRange, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return dateRange{}, false
	}

	// Year-only or year-month require manual expansion; full timestamps
	// and YYYY-MM-DD parse directly via time.Parse.
	parts := strings.Split(strings.SplitN(raw, "T", 2)[0], "-")
	switch len(parts) {
	case 1:
		y, err := strconv.Atoi(parts[0])
		if err != nil {
			return dateRange{}, false
		}
		start := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		return dateRange{start: start, end: start.AddDate(1, 0, 0)}, true
	case 2:
		y, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return dateRange{}, false
		}
		start := time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC)
		return dateRange{start: start, end: start.AddDate(0, 1, 0)}, true
	}

	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return dateRange{start: t, end: t.AddDate(0, 0, 1)}, true
	}
	for _, dl := range dateLayouts[:2] {
		if t, err := time.Parse(dl.layout, raw); err == nil {
			return dateRange{start: t, end: t.Add(time.Second)}, true
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return dateRange{start: t, end: t}, true
	}
	return dateRange{}, false
}

// compareDateRange implements the comparator semantics of §4.2 against two
// potentially-imprecise ranges: eq requires full containment of want within
// have (and vice versa for equality of partial precision), gt/lt compare
// endpoints, sa/eb are the "starts after"/"ends before" strict forms.
func compareDateRange(have dateRange, cmp Comparator, want dateRange) bool {
	switch cmp {
	case CmpNe:
		return !rangesOverlapFully(have, want)
	case CmpGt:
		return have.start.After(want.end) || have.start.Equal(want.end)
	case CmpGe:
		return !have.start.Before(want.start)
	case CmpLt:
		return have.end.Before(want.start) || have.end.Equal(want.start)
	case CmpLe:
		return !have.end.After(want.end)
	case CmpSa:
		return have.start.After(want.end) || have.start.Equal(want.end)
	case CmpEb:
		return have.end.Before(want.start) || have.end.Equal(want.start)
	case CmpAp:
		return have.start.Before(want.end) && have.end.After(want.start)
	default: // CmpEq
		return rangesOverlapFully(have, want)
	}
}

func rangesOverlapFully(a, b dateRange) bool {
	return !a.start.After(b.start) && !a.end.Before(b.end) ||
		!b.start.After(a.start) && !b.end.Before(a.end)
}
