package dispatch

import (
	"context"
	"net/url"
	"testing"

	"github.com/FHIR/fhir-candle-sub000/internal/compartment"
	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
)

func patientDefs() search.ParamDefinitions {
	return search.ParamDefinitions{
		"name": {Name: "name", Type: search.TypeString, Paths: [][]string{{"name", "family"}}},
	}
}

func observationDefs() search.ParamDefinitions {
	return search.ParamDefinitions{
		"code":    {Name: "code", Type: search.TypeToken, Paths: [][]string{{"code"}}},
		"patient": {Name: "patient", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
	}
}

// newTestDispatcher wires a Patient store (string "name" param) and an
// Observation store (token "code" param, reference "patient" param), enough
// to exercise a modifier search, a token-pipe search, and a "_has" reverse
// chain through the real rc.Query-shaped path.
func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	patientStore := store.New(kindreg.Default("Patient"), nil)
	observationStore := store.New(kindreg.Default("Observation"), nil)

	stores := map[string]*store.Store{
		"Patient":     patientStore,
		"Observation": observationStore,
	}
	defs := map[string]search.ParamDefinitions{
		"Patient":     patientDefs(),
		"Observation": observationDefs(),
	}

	lookup := func(kind string) (*store.Store, bool) {
		s, ok := stores[kind]
		return s, ok
	}
	defsLookup := func(kind string) search.ParamDefinitions { return defs[kind] }

	d := New(lookup, defsLookup, nil, nil)

	if _, ferr := patientStore.Create(restree.New(map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name":         []interface{}{map[string]interface{}{"family": "Peterson"}},
	}), true); ferr != nil {
		t.Fatalf("seeding patient p1: %v", ferr)
	}
	if _, ferr := patientStore.Create(restree.New(map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p2",
		"name":         []interface{}{map[string]interface{}{"family": "Peter"}},
	}), true); ferr != nil {
		t.Fatalf("seeding patient p2: %v", ferr)
	}
	if _, ferr := observationStore.Create(restree.New(map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"subject":      map[string]interface{}{"reference": "Patient/p2"},
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
		}},
	}), true); ferr != nil {
		t.Fatalf("seeding observation o1: %v", ferr)
	}

	return d
}

// TestHandleSearch_ModifierSurvivesRealQueryShape guards against the
// url.Values.Encode() double-escaping regression: rc.Query must reach
// search.ParseParameter with its modifier colon intact, so "name:exact"
// matches exactly "Peter" and excludes "Peterson".
func TestHandleSearch_ModifierSurvivesRealQueryShape(t *testing.T) {
	d := newTestDispatcher(t)
	rc := RequestContext{
		Interaction: TypeSearch,
		Kind:        "Patient",
		Query:       url.Values{"name:exact": {"Peter"}},
	}
	resp := d.Handle(context.Background(), rc)
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	total, _ := resp.Resource.Get("total")
	if total != 1 {
		t.Fatalf("expected exactly 1 exact match for name:exact=Peter, got %v", total)
	}
}

// TestHandleSearch_TokenPipeSurvivesRealQueryShape guards against the pipe
// character in a token value being corrupted by a re-encode round trip.
func TestHandleSearch_TokenPipeSurvivesRealQueryShape(t *testing.T) {
	d := newTestDispatcher(t)
	rc := RequestContext{
		Interaction: TypeSearch,
		Kind:        "Observation",
		Query:       url.Values{"code": {"http://loinc.org|1234-5"}},
	}
	resp := d.Handle(context.Background(), rc)
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	total, _ := resp.Resource.Get("total")
	if total != 1 {
		t.Fatalf("expected 1 match for code=system|code, got %v", total)
	}
}

// TestHandleSearch_HasPrefixSurvivesRealQueryShape guards against the
// "_has:" prefix being percent-escaped away before search.ParseParameter's
// strings.HasPrefix check sees it.
func TestHandleSearch_HasPrefixSurvivesRealQueryShape(t *testing.T) {
	d := newTestDispatcher(t)
	rc := RequestContext{
		Interaction: TypeSearch,
		Kind:        "Patient",
		Query:       url.Values{"_has:Observation:patient:code": {"http://loinc.org|1234-5"}},
	}
	resp := d.Handle(context.Background(), rc)
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	total, _ := resp.Resource.Get("total")
	if total != 1 {
		t.Fatalf("expected p2 (referenced by o1) to be the sole _has match, got %v", total)
	}
}

// TestHandleConditionalDelete_ModifierQuery guards the conditional-delete
// path (same searchCount call) against the same corruption.
func TestHandleConditionalDelete_ModifierQuery(t *testing.T) {
	d := newTestDispatcher(t)
	rc := RequestContext{
		Interaction: TypeDeleteConditional,
		Kind:        "Patient",
		Query:       url.Values{"name:exact": {"Peter"}},
	}
	resp := d.Handle(context.Background(), rc)
	if resp.Status != 204 {
		t.Fatalf("expected 204 deleting the sole exact match, got %d", resp.Status)
	}

	readResp := d.Handle(context.Background(), RequestContext{
		Interaction: InstanceRead, Kind: "Patient", ID: "p2",
	})
	if readResp.Status != 404 {
		t.Fatalf("expected p2 to be gone, got status %d", readResp.Status)
	}
}

func newCompartmentDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := newTestDispatcher(t)
	defs := map[string]search.ParamDefinitions{
		"Observation": observationDefs(),
	}
	comp := compartment.New(
		map[string]compartment.Definition{
			"Patient": {
				CompartmentKind: "Patient",
				Params:          map[string][]string{"Observation": {"patient"}},
			},
		},
		func(kind string) (*store.Store, bool) { return d.Stores(kind) },
		func(kind string) search.ParamDefinitions { return defs[kind] },
	)
	d.Compartment = comp

	obsStore, _ := d.Stores("Observation")
	if _, ferr := obsStore.Create(restree.New(map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o2",
		"subject":      map[string]interface{}{"reference": "Patient/p2"},
		"code": map[string]interface{}{"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "9999-9"},
		}},
	}), true); ferr != nil {
		t.Fatalf("seeding observation o2: %v", ferr)
	}
	return d
}

// TestHandleCompartmentSearch_ForwardsUserQuery guards against passing a
// literal nil for userParams: a compartment-type search with a query must
// narrow results to the matching code, not return the whole compartment.
func TestHandleCompartmentSearch_ForwardsUserQuery(t *testing.T) {
	d := newCompartmentDispatcher(t)
	rc := RequestContext{
		Interaction:     CompartmentTypeSearch,
		CompartmentKind: "Patient",
		ID:              "p2",
		Kind:            "Observation",
		Query:           url.Values{"code": {"http://loinc.org|1234-5"}},
	}
	resp := d.Handle(context.Background(), rc)
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	total, _ := resp.Resource.Get("total")
	if total != 1 {
		t.Fatalf("expected the compartment-type search to be narrowed to 1 by the user's code filter, got %v", total)
	}
}
