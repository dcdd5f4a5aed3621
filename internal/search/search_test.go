package search

import (
	"testing"

	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

func TestParseValueToken_Token(t *testing.T) {
	cases := []struct {
		raw       string
		wantSys   string
		wantCode  string
		hasSystem bool
	}{
		{"http://loinc.org|1234-5", "http://loinc.org", "1234-5", true},
		{"|1234-5", "", "1234-5", true},
		{"active", "", "active", false},
	}
	for _, c := range cases {
		vt := ParseValueToken(TypeToken, c.raw)
		if vt.System != c.wantSys || vt.Code != c.wantCode || vt.HasSystem != c.hasSystem {
			t.Errorf("ParseValueToken(token, %q) = %+v, want system=%q code=%q hasSystem=%v",
				c.raw, vt, c.wantSys, c.wantCode, c.hasSystem)
		}
	}
}

func TestParseValueToken_DatePrefix(t *testing.T) {
	vt := ParseValueToken(TypeDate, "ge2023-01-01")
	if vt.Comparator != CmpGe || vt.Raw != "2023-01-01" {
		t.Errorf("ParseValueToken(date, ge...) = %+v, want comparator=ge raw=2023-01-01", vt)
	}

	vt2 := ParseValueToken(TypeDate, "2023-01-01")
	if vt2.Comparator != CmpEq {
		t.Errorf("bare date should default to eq, got %v", vt2.Comparator)
	}
}

func TestParseParameter_Modifier(t *testing.T) {
	defs := ParamDefinitions{
		"name": {Name: "name", Type: TypeString, Paths: [][]string{{"name"}}},
	}
	p := ParseParameter(defs, "name:exact", "Smith")
	if p.Modifier != ModExact {
		t.Errorf("expected exact modifier, got %v", p.Modifier)
	}
	if p.Ignored {
		t.Errorf("known param should not be ignored")
	}

	p2 := ParseParameter(defs, "nonexistent", "x")
	if !p2.Ignored {
		t.Errorf("unknown param should be ignored per the no-match-all invariant")
	}
}

func noStores(string) (*store.Store, bool) { return nil, false }

func TestEvaluator_TestForMatch_TokenAndString(t *testing.T) {
	defs := ParamDefinitions{
		"status": {Name: "status", Type: TypeToken, Paths: [][]string{{"status"}}},
		"name":   {Name: "name", Type: TypeString, Paths: [][]string{{"name"}}},
	}
	tr := restree.New(map[string]interface{}{
		"resourceType": "Patient",
		"id":           "1",
		"status":       "active",
		"name":         "Smith",
	})

	ev := NewEvaluator(terminology.NewInMemory(), noStores, func(string) ParamDefinitions { return defs })

	match := ev.TestForMatch("Patient", tr, []Parameter{
		ParseParameter(defs, "status", "active"),
		ParseParameter(defs, "name", "smi"),
	})
	if !match {
		t.Errorf("expected match on status=active name=smi (string param prefix-matches)")
	}

	noMatch := ev.TestForMatch("Patient", tr, []Parameter{
		ParseParameter(defs, "status", "inactive"),
	})
	if noMatch {
		t.Errorf("expected no match on status=inactive")
	}
}

func TestParseResultParameters_SortAndCount(t *testing.T) {
	rp := ParseResultParameters([][2]string{
		{"_sort", "-birthdate"},
		{"_count", "25"},
	}, 10, 100)

	if len(rp.Sort) != 1 || rp.Sort[0].Param != "birthdate" || rp.Sort[0].Direction != SortDesc {
		t.Errorf("expected one descending sort on birthdate, got %+v", rp.Sort)
	}
	if rp.Count != 25 {
		t.Errorf("expected count 25, got %d", rp.Count)
	}
}

func TestParseResultParameters_CountClampedToMax(t *testing.T) {
	rp := ParseResultParameters([][2]string{{"_count", "9999"}}, 10, 100)
	if rp.Count != 100 {
		t.Errorf("expected count clamped to max 100, got %d", rp.Count)
	}
}
