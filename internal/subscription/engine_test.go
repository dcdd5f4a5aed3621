package subscription

import (
	"testing"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/resolver"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
)

func encounterDefs() search.ParamDefinitions {
	return search.ParamDefinitions{
		"subject": {Name: "subject", Type: search.TypeReference, Paths: [][]string{{"subject"}}, TargetKinds: []string{"Patient"}},
	}
}

func observationEncounterDefs() search.ParamDefinitions {
	return search.ParamDefinitions{
		"encounter": {Name: "encounter", Type: search.TypeReference, Paths: [][]string{{"encounter"}}, TargetKinds: []string{"Encounter"}},
	}
}

// testFixture wires Patient/Encounter/Observation stores, a resolver over
// them, and a notification-shape-bearing topic whose shape names an include
// ("Encounter:subject", the focus kind itself) and a revinclude
// ("Observation:encounter", a different kind).
type testFixture struct {
	engine    *Engine
	stores    map[string]*store.Store
	topic     *Topic
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	stores := map[string]*store.Store{
		"Patient":     store.New(kindreg.Default("Patient"), nil),
		"Encounter":   store.New(kindreg.Default("Encounter"), nil),
		"Observation": store.New(kindreg.Default("Observation"), nil),
	}
	defs := map[string]search.ParamDefinitions{
		"Encounter":   encounterDefs(),
		"Observation": observationEncounterDefs(),
	}
	lookup := func(kind string) (*store.Store, bool) { s, ok := stores[kind]; return s, ok }
	defsLookup := func(kind string) search.ParamDefinitions { return defs[kind] }
	kinds := func() []string { return []string{"Patient", "Encounter", "Observation"} }
	res := resolver.New(lookup, kinds, nil)

	events := make(chan store.MutationEvent, 4)
	engine := NewEngine(events, lookup, defsLookup, res, nil)

	topicTree := restree.New(map[string]interface{}{
		"id":  "topic1",
		"url": "http://example.org/topics/encounter-created",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resourceType":         "Encounter",
				"supportedInteraction": []interface{}{"create"},
			},
		},
		"notificationShape": []interface{}{
			map[string]interface{}{
				"resourceType": "Encounter",
				"include":      []interface{}{"Encounter:subject"},
				"revInclude":   []interface{}{"Observation:encounter"},
			},
		},
	})
	topic, err := engine.RegisterTopic(topicTree)
	if err != nil {
		t.Fatalf("registering topic: %v", err)
	}

	if _, ferr := stores["Patient"].Create(restree.New(map[string]interface{}{
		"resourceType": "Patient", "id": "p1",
	}), true); ferr != nil {
		t.Fatalf("seeding patient: %v", ferr)
	}
	if _, ferr := stores["Observation"].Create(restree.New(map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"encounter":    map[string]interface{}{"reference": "Encounter/e1"},
	}), true); ferr != nil {
		t.Fatalf("seeding observation: %v", ferr)
	}

	return &testFixture{engine: engine, stores: stores, topic: topic}
}

func (f *testFixture) encounterTree() restree.Tree {
	return restree.New(map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "e1",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
}

// TestCompileTopic_NotificationShape confirms CompileTopic actually parses
// the notificationShape include/revInclude entries into NotificationShape,
// keyed by the shape's own resourceType.
func TestCompileTopic_NotificationShape(t *testing.T) {
	f := newTestFixture(t)
	shape := f.topic.NotificationShape["Encounter"]
	if len(shape) != 2 {
		t.Fatalf("expected 2 compiled notification shape entries, got %v", shape)
	}
}

// TestBuildEvent_AdditionalContextResolvesIncludeAndRevInclude is the
// regression test for the previously-dead NotificationShape/
// AdditionalContext fields: buildEvent must resolve both the forward
// include (Encounter -> its subject Patient) and the revinclude
// (Observation referencing the Encounter) into AdditionalContext.
func TestBuildEvent_AdditionalContextResolvesIncludeAndRevInclude(t *testing.T) {
	f := newTestFixture(t)
	sub := &Subscription{
		ID:       "sub1",
		TopicURL: f.topic.URL,
		Channel:  ChannelDescriptor{ContentLevel: ContentIDOnly},
		errors:   NewRing[SubscriptionError](defaultErrorRingSize),
		events:   NewRing[Event](defaultEventRingSize),
	}

	ev := store.MutationEvent{
		Kind: "Encounter", ID: "e1", Interaction: store.Created,
		Current: f.encounterTree(), At: time.Now().UTC(),
	}
	event := f.engine.buildEvent(f.topic, sub, ev, ev.Current)

	if len(event.AdditionalContext) != 2 {
		t.Fatalf("expected 2 additionalContext entries (1 include + 1 revinclude), got %d: %+v",
			len(event.AdditionalContext), event.AdditionalContext)
	}

	var sawPatient, sawObservation bool
	for _, tr := range event.AdditionalContext {
		switch tr.Kind() {
		case "Patient":
			if tr.ID() != "p1" {
				t.Errorf("expected included Patient to be p1, got %q", tr.ID())
			}
			sawPatient = true
		case "Observation":
			if tr.ID() != "o1" {
				t.Errorf("expected revincluded Observation to be o1, got %q", tr.ID())
			}
			sawObservation = true
		}
	}
	if !sawPatient {
		t.Errorf("expected the subject Patient to be resolved via the include entry")
	}
	if !sawObservation {
		t.Errorf("expected the referencing Observation to be resolved via the revinclude entry")
	}
}

// TestBuildEvent_NoNotificationShapeYieldsNoAdditionalContext confirms a
// topic with no notification shape configured for a kind never fabricates
// additionalContext.
func TestBuildEvent_NoNotificationShapeYieldsNoAdditionalContext(t *testing.T) {
	f := newTestFixture(t)
	bareTopic := &Topic{
		ID: "topic2", URL: "http://example.org/topics/bare",
		Kinds:             map[string]*KindTrigger{"Encounter": {Kind: "Encounter"}},
		NotificationShape: map[string][]string{},
	}
	sub := &Subscription{
		ID: "sub2", TopicURL: bareTopic.URL,
		Channel: ChannelDescriptor{ContentLevel: ContentIDOnly},
		errors:  NewRing[SubscriptionError](defaultErrorRingSize),
		events:  NewRing[Event](defaultEventRingSize),
	}
	ev := store.MutationEvent{
		Kind: "Encounter", ID: "e1", Interaction: store.Created,
		Current: f.encounterTree(), At: time.Now().UTC(),
	}
	event := f.engine.buildEvent(bareTopic, sub, ev, ev.Current)
	if len(event.AdditionalContext) != 0 {
		t.Errorf("expected no additionalContext for a topic with no notification shape, got %+v", event.AdditionalContext)
	}
}

// TestEvaluate_EndToEndDeliversAdditionalContext drives the full
// Evaluate -> notifySubscribers -> delivery pipeline and checks the
// delivered event (not just a directly-constructed one) carries the
// resolved additionalContext.
func TestEvaluate_EndToEndDeliversAdditionalContext(t *testing.T) {
	f := newTestFixture(t)
	delivered := make(chan Event, 1)
	f.engine.deliver = func(e Event) error {
		delivered <- e
		return nil
	}

	if _, err := f.engine.Subscribe("sub1", f.topic.URL, nil, ChannelDescriptor{ContentLevel: ContentIDOnly}, -1); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	f.engine.Run()
	defer f.engine.Stop()

	f.engine.Evaluate(store.MutationEvent{
		Kind: "Encounter", ID: "e1", Interaction: store.Created,
		Current: f.encounterTree(), At: time.Now().UTC(),
	})

	select {
	case e := <-delivered:
		if len(e.AdditionalContext) != 2 {
			t.Errorf("expected 2 additionalContext entries on the delivered event, got %d", len(e.AdditionalContext))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never delivered")
	}
}
