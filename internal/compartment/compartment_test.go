package compartment

import (
	"testing"

	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
)

func patientDefs() map[string]Definition {
	return map[string]Definition{
		"Patient": {
			CompartmentKind: "Patient",
			Params: map[string][]string{
				"Encounter": {"subject"},
			},
		},
	}
}

func encounterParamDefs() search.ParamDefinitions {
	return search.ParamDefinitions{
		"subject": {
			Name:        "subject",
			Type:        search.TypeReference,
			Paths:       [][]string{{"subject"}},
			TargetKinds: []string{"Patient"},
		},
	}
}

func newEngine() *Engine {
	noStores := func(string) (*store.Store, bool) { return nil, false }
	return New(patientDefs(), noStores, func(kind string) search.ParamDefinitions {
		if kind == "Encounter" {
			return encounterParamDefs()
		}
		return nil
	})
}

func TestIsMember_RootIsItsOwnMember(t *testing.T) {
	e := newEngine()
	tr := restree.New(map[string]interface{}{"resourceType": "Patient", "id": "123"})
	if !e.IsMember("Patient", "123", "Patient", "123", tr) {
		t.Errorf("a compartment root resource should be a member of its own compartment")
	}
}

func TestIsMember_ReferencingResource(t *testing.T) {
	e := newEngine()
	encounter := restree.New(map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "e1",
		"subject":      map[string]interface{}{"reference": "Patient/123"},
	})
	if !e.IsMember("Patient", "123", "Encounter", "e1", encounter) {
		t.Errorf("expected Encounter referencing Patient/123 to be a member of Patient/123's compartment")
	}
	if e.IsMember("Patient", "999", "Encounter", "e1", encounter) {
		t.Errorf("expected Encounter referencing Patient/123 to NOT be a member of Patient/999's compartment")
	}
}

func TestIsMember_UnknownCompartmentKind(t *testing.T) {
	e := newEngine()
	tr := restree.New(map[string]interface{}{"resourceType": "Observation", "id": "o1"})
	if e.IsMember("Encounter", "e1", "Observation", "o1", tr) {
		t.Errorf("compartment with no registered definition should never report membership")
	}
}
