package resolver

import (
	"testing"

	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st := store.New(kindreg.Default("Patient"), nil)
	inst, err := st.Create(restree.New(map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
	}), true)
	if err != nil {
		t.Fatalf("setup Create failed: %v", err)
	}
	stores := func(kind string) (*store.Store, bool) {
		if kind == "Patient" {
			return st, true
		}
		return nil, false
	}
	kinds := func() []string { return []string{"Patient"} }
	r := New(stores, kinds, nil)
	_ = inst
	return r, st
}

func TestResolve_KindSlashID(t *testing.T) {
	r, _ := newTestResolver(t)
	inst, ferr := r.Resolve("Patient/p1", "")
	if ferr != nil {
		t.Fatalf("unexpected error: %v", ferr)
	}
	if inst.ID != "p1" || inst.Kind != "Patient" {
		t.Errorf("unexpected instance: %+v", inst)
	}
}

func TestResolve_BareIDUsesDefaultKind(t *testing.T) {
	r, _ := newTestResolver(t)
	inst, ferr := r.Resolve("p1", "Patient")
	if ferr != nil {
		t.Fatalf("unexpected error: %v", ferr)
	}
	if inst.ID != "p1" {
		t.Errorf("expected bare id to resolve against the default kind, got %+v", inst)
	}
}

func TestResolve_UnknownKind(t *testing.T) {
	r, _ := newTestResolver(t)
	if _, ferr := r.Resolve("Observation/o1", ""); ferr == nil {
		t.Errorf("expected a NotFound error for an unregistered kind")
	}
}

func TestResolve_EmptyReference(t *testing.T) {
	r, _ := newTestResolver(t)
	if _, ferr := r.Resolve("", "Patient"); ferr == nil {
		t.Errorf("expected an error for an empty reference")
	}
}
