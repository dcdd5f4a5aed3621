package main

import (
	"github.com/FHIR/fhir-candle-sub000/internal/capability"
	"github.com/FHIR/fhir-candle-sub000/internal/compartment"
	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/tenant"
)

// builtinKinds is the out-of-the-box resource catalog this server ships
// registered: a representative slice of the FHIR resource model (not the
// full ~150-resource catalog, which is a content problem rather than a
// server-architecture one) wide enough to exercise every core component —
// CRUD, search by string/token/reference/date, compartments, and
// subscription topics.
func builtinKinds() []tenant.KindSchema {
	return []tenant.KindSchema{
		simpleKind("Patient", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "name", Type: search.TypeString, Paths: [][]string{{"name", "family"}, {"name", "given"}, {"name", "text"}}},
			{Name: "birthdate", Type: search.TypeDate, Paths: [][]string{{"birthDate"}}},
			{Name: "gender", Type: search.TypeToken, Paths: [][]string{{"gender"}}},
			{Name: "active", Type: search.TypeToken, Paths: [][]string{{"active"}}},
		}, nil),
		simpleKind("Practitioner", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "name", Type: search.TypeString, Paths: [][]string{{"name", "family"}, {"name", "given"}}},
		}, nil),
		simpleKind("Organization", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "name", Type: search.TypeString, Paths: [][]string{{"name"}}},
		}, nil),
		simpleKind("Encounter", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "status", Type: search.TypeToken, Paths: [][]string{{"status"}}},
			{Name: "class", Type: search.TypeToken, Paths: [][]string{{"class"}}},
			{Name: "patient", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
			{Name: "subject", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
		}, map[string][]string{"patient": {"Patient"}, "subject": {"Patient"}}),
		simpleKind("Condition", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "code", Type: search.TypeToken, Paths: [][]string{{"code"}}},
			{Name: "clinical-status", Type: search.TypeToken, Paths: [][]string{{"clinicalStatus"}}},
			{Name: "patient", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
			{Name: "subject", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
		}, map[string][]string{"patient": {"Patient"}, "subject": {"Patient"}}),
		simpleKind("Observation", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "code", Type: search.TypeToken, Paths: [][]string{{"code"}}},
			{Name: "status", Type: search.TypeToken, Paths: [][]string{{"status"}}},
			{Name: "category", Type: search.TypeToken, Paths: [][]string{{"category"}}},
			{Name: "date", Type: search.TypeDate, Paths: [][]string{{"effectiveDateTime"}}},
			{Name: "patient", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
			{Name: "subject", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
		}, map[string][]string{"patient": {"Patient"}, "subject": {"Patient"}}),
		simpleKind("Basic", []search.ParamDefinition{
			{Name: "identifier", Type: search.TypeToken, Paths: [][]string{{"identifier"}}},
			{Name: "code", Type: search.TypeToken, Paths: [][]string{{"code"}}},
		}, nil),
		subscriptionTopicKind(),
		subscriptionKind(),
	}
}

func simpleKind(name string, params []search.ParamDefinition, refTargets map[string][]string) tenant.KindSchema {
	defs := make(search.ParamDefinitions, len(params))
	names := make([]string, 0, len(params))
	for _, p := range params {
		defs[p.Name] = p
		names = append(names, p.Name)
	}
	return tenant.KindSchema{
		Caps:      kindreg.Default(name),
		ParamDefs: defs,
		Capability: capability.KindCapability{
			Kind:              name,
			Create:            true,
			Read:              true,
			Update:            true,
			Delete:            true,
			SearchType:        true,
			ConditionalRead:   true,
			ConditionalUpdate: true,
			SearchParams:      names,
			ReferenceTargets:  refTargets,
		},
	}
}

func subscriptionTopicKind() tenant.KindSchema {
	caps := kindreg.Default("SubscriptionTopic")
	caps.IsTopicKind = true
	defs := search.ParamDefinitions{
		"url":    {Name: "url", Type: search.TypeString, Paths: [][]string{{"url"}}},
		"status": {Name: "status", Type: search.TypeToken, Paths: [][]string{{"status"}}},
	}
	return tenant.KindSchema{
		Caps:      caps,
		ParamDefs: defs,
		Capability: capability.KindCapability{
			Kind: "SubscriptionTopic", Create: true, Read: true, Update: true, Delete: true,
			SearchType: true, SearchParams: []string{"url", "status"},
		},
	}
}

func subscriptionKind() tenant.KindSchema {
	caps := kindreg.Default("Subscription")
	caps.IsSubscriptionKind = true
	defs := search.ParamDefinitions{
		"status": {Name: "status", Type: search.TypeToken, Paths: [][]string{{"status"}}},
		"type":   {Name: "type", Type: search.TypeToken, Paths: [][]string{{"channel", "type"}}},
		"url":    {Name: "url", Type: search.TypeString, Paths: [][]string{{"criteria"}}},
	}
	return tenant.KindSchema{
		Caps:      caps,
		ParamDefs: defs,
		Capability: capability.KindCapability{
			Kind: "Subscription", Create: true, Read: true, Update: true, Delete: true,
			SearchType: true, SearchParams: []string{"status", "type", "url"},
		},
	}
}

// patientCompartment is the one built-in compartment definition (§4.7):
// every kind carrying a patient/subject reference belongs to it.
func patientCompartment() map[string]compartment.Definition {
	return map[string]compartment.Definition{
		"Patient": {
			CompartmentKind: "Patient",
			Params: map[string][]string{
				"Encounter":   {"patient", "subject"},
				"Condition":   {"patient", "subject"},
				"Observation": {"patient", "subject"},
			},
		},
	}
}
