package subscription

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/resolver"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

const (
	defaultErrorRingSize = 20
	defaultEventRingSize = 50
	deliveryQueueSize    = 256
)

// Engine is C3: it drains store.MutationEvent off a channel (the message-
// passing replacement for an in-process callback, §9), matches each
// mutation against every compiled topic's trigger sets in the fixed order
// interaction → path → query, evaluates per-subscription filters via C2,
// and hands generated events to an external delivery collaborator through
// a second, independently-bounded channel so a slow endpoint never blocks
// mutation producers.
type Engine struct {
	mu          sync.RWMutex
	topicsByID  map[string]*Topic
	topicsByURL map[string]*Topic
	subs        map[string]*Subscription
	subsByTopic map[string][]string

	stores   search.StoreLookup
	defs     search.DefsLookup
	resolver *resolver.Resolver

	deliver  DeliveryFunc
	delivery chan deliveryJob
	in       chan store.MutationEvent
	done     chan struct{}
}

type deliveryJob struct {
	sub   *Subscription
	event Event
}

// NewEngine constructs an Engine. events is the channel a tenant's stores
// publish MutationEvents to; Run must be called to start draining it.
func NewEngine(events chan store.MutationEvent, stores search.StoreLookup, defs search.DefsLookup, res *resolver.Resolver, deliver DeliveryFunc) *Engine {
	return &Engine{
		topicsByID:  make(map[string]*Topic),
		topicsByURL: make(map[string]*Topic),
		subs:        make(map[string]*Subscription),
		subsByTopic: make(map[string][]string),
		stores:      stores,
		defs:        defs,
		resolver:    res,
		deliver:     deliver,
		delivery:    make(chan deliveryJob, deliveryQueueSize),
		in:          events,
		done:        make(chan struct{}),
	}
}

// Run starts the consumer goroutines: one draining mutation events, one
// draining the delivery queue. It returns immediately; call Stop to halt
// both loops.
func (e *Engine) Run() {
	go e.consumeMutations()
	go e.consumeDeliveries()
}

// Stop halts the engine's background goroutines.
func (e *Engine) Stop() { close(e.done) }

func (e *Engine) consumeMutations() {
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.in:
			if !ok {
				return
			}
			e.Evaluate(ev)
		}
	}
}

func (e *Engine) consumeDeliveries() {
	for {
		select {
		case <-e.done:
			return
		case job, ok := <-e.delivery:
			if !ok {
				return
			}
			e.runDelivery(job)
		}
	}
}

func (e *Engine) runDelivery(job deliveryJob) {
	if e.deliver == nil {
		return
	}
	if err := e.deliver(job.event); err != nil {
		job.sub.errors.Push(SubscriptionError{At: time.Now().UTC(), Message: err.Error()})
		job.sub.setStatus(StatusError)
	}
	job.sub.events.Push(job.event)
}

// RegisterTopic compiles and registers a subscription topic.
func (e *Engine) RegisterTopic(raw restree.Tree) (*Topic, error) {
	topic, err := CompileTopic(raw, e.defs)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topicsByID[topic.ID] = topic
	e.topicsByURL[topic.URL] = topic
	return topic, nil
}

// GetTopic returns a topic by url.
func (e *Engine) GetTopic(url string) (*Topic, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.topicsByURL[url]
	return t, ok
}

// ListTopics returns every registered topic.
func (e *Engine) ListTopics() []*Topic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Topic, 0, len(e.topicsByID))
	for _, t := range e.topicsByID {
		out = append(out, t)
	}
	return out
}

// Subscribe registers a new subscription against a topic, validating its
// filters against the topic's CanFilterBy list.
func (e *Engine) Subscribe(id, topicURL string, filters map[string][]search.Parameter, channel ChannelDescriptor, expirationTicks int64) (*Subscription, error) {
	topic, ok := e.GetTopic(topicURL)
	if !ok {
		return nil, fmt.Errorf("unknown subscription topic %q", topicURL)
	}
	if err := e.validateFilters(topic, filters); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:              id,
		TopicURL:        topicURL,
		Filters:         filters,
		Channel:         channel,
		ExpirationTicks: expirationTicks,
		errors:          NewRing[SubscriptionError](defaultErrorRingSize),
		events:          NewRing[Event](defaultEventRingSize),
	}
	sub.setStatus(StatusRequested)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[id] = sub
	e.subsByTopic[topicURL] = append(e.subsByTopic[topicURL], id)
	sub.setStatus(StatusActive)
	return sub, nil
}

func (e *Engine) validateFilters(topic *Topic, filters map[string][]search.Parameter) error {
	for kind, params := range filters {
		allowed := make(map[string]bool, len(topic.CanFilterBy[kind]))
		for _, name := range topic.CanFilterBy[kind] {
			allowed[name] = true
		}
		for _, p := range params {
			if !allowed[p.Name] {
				return fmt.Errorf("topic %s does not allow filtering %s by %q", topic.URL, kind, p.Name)
			}
		}
	}
	return nil
}

// GetSubscription returns a subscription by id.
func (e *Engine) GetSubscription(id string) (*Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.subs[id]
	return s, ok
}

// GetSubscriptionStatus reports a subscription's status and running event
// counter snapshot.
func (e *Engine) GetSubscriptionStatus(id string) (Status, uint64, bool) {
	s, ok := e.GetSubscription(id)
	if !ok {
		return "", 0, false
	}
	return s.Status(), s.counter, true
}

// GetSubscriptionEvents returns a subscription's bounded event log.
func (e *Engine) GetSubscriptionEvents(id string) ([]Event, bool) {
	s, ok := e.GetSubscription(id)
	if !ok {
		return nil, false
	}
	return s.Events(), true
}

// Evaluate implements §4.3's per-mutation evaluation: for every topic
// executable on the mutated kind, test trigger sets in order
// interaction → path → query (first match wins); for every subscription on
// a matched topic, evaluate its per-kind filters via C2 and generate an
// event for each selected subscription.
func (e *Engine) Evaluate(ev store.MutationEvent) {
	e.mu.RLock()
	topics := make([]*Topic, 0, len(e.topicsByID))
	for _, t := range e.topicsByID {
		if _, ok := t.Kinds[ev.Kind]; ok {
			topics = append(topics, t)
		}
	}
	e.mu.RUnlock()

	for _, topic := range topics {
		if !e.topicMatches(topic, ev) {
			continue
		}
		e.notifySubscribers(topic, ev)
	}
}

func (e *Engine) topicMatches(topic *Topic, ev store.MutationEvent) bool {
	kt := topic.Kinds[ev.Kind]
	if kt == nil {
		return false
	}
	if kt.Interaction != nil && interactionMatches(kt.Interaction, ev.Interaction) {
		return true
	}
	if kt.Path != nil && e.pathMatches(kt.Path, ev) {
		return true
	}
	if kt.Query != nil && e.queryMatches(ev.Kind, kt.Query, ev) {
		return true
	}
	return false
}

func interactionMatches(it *InteractionTrigger, interaction store.Interaction) bool {
	switch interaction {
	case store.Created:
		return it.OnCreate
	case store.Updated:
		return it.OnUpdate
	case store.Deleted:
		return it.OnDelete
	default:
		return false
	}
}

func (e *Engine) pathMatches(pt *PathTrigger, ev store.MutationEvent) bool {
	vars := map[string]interface{}{
		"current":  treeVars(ev.Current),
		"previous": treeVars(ev.Previous),
	}
	ok, err := pt.Expr.EvalBool(vars)
	if err != nil {
		return false
	}
	return ok
}

func treeVars(t restree.Tree) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Map()
}

func (e *Engine) queryMatches(kind string, qt *QueryTrigger, ev store.MutationEvent) bool {
	previousPassed, currentPassed := false, false

	switch ev.Interaction {
	case store.Created:
		// There is no "previous" state to test on create; previousTest is
		// taken as pass/fail per the configured auto flag (§4.3).
		previousPassed = qt.CreateAutoPass
		currentPassed = e.testQuery(kind, qt.CurrentTest, ev.Current)
	case store.Deleted:
		// Symmetric: no "current" state to test on delete.
		currentPassed = qt.DeleteAutoPass
		previousPassed = e.testQuery(kind, qt.PreviousTest, ev.Previous)
	default: // Updated
		previousPassed = e.testQuery(kind, qt.PreviousTest, ev.Previous)
		currentPassed = e.testQuery(kind, qt.CurrentTest, ev.Current)
	}

	if qt.RequireBothTests {
		return previousPassed && currentPassed
	}
	return previousPassed || currentPassed
}

func (e *Engine) testQuery(kind string, params []search.Parameter, t restree.Tree) bool {
	if len(params) == 0 {
		return true
	}
	if t.IsZero() {
		return false
	}
	var adapter terminology.Adapter
	if e.resolver != nil {
		adapter = e.resolver.Terminology()
	}
	ev := search.NewEvaluator(adapter, e.stores, e.defs)
	return ev.TestForMatch(kind, t, params)
}

func (e *Engine) notifySubscribers(topic *Topic, ev store.MutationEvent) {
	e.mu.RLock()
	subIDs := append([]string(nil), e.subsByTopic[topic.URL]...)
	e.mu.RUnlock()

	for _, id := range subIDs {
		sub, ok := e.GetSubscription(id)
		if !ok || sub.Status() == StatusOff {
			continue
		}
		focus := ev.Current
		if ev.Interaction == store.Deleted {
			focus = ev.Previous
		}
		if !e.testQuery(ev.Kind, sub.Filters[ev.Kind], focus) {
			continue
		}
		event := e.buildEvent(topic, sub, ev, focus)
		select {
		case e.delivery <- deliveryJob{sub: sub, event: event}:
		default:
			sub.errors.Push(SubscriptionError{At: time.Now().UTC(), Message: "delivery queue full, event dropped"})
		}
	}
}

func (e *Engine) buildEvent(topic *Topic, sub *Subscription, ev store.MutationEvent, focus restree.Tree) Event {
	out := Event{
		SubscriptionID: sub.ID,
		EventNumber:    sub.nextEventNumber(),
		TopicURL:       topic.URL,
		FocusKind:      ev.Kind,
		FocusID:        ev.ID,
		ContentLevel:   sub.Channel.ContentLevel,
		At:             ev.At,
	}
	if sub.Channel.ContentLevel == ContentFull {
		out.Focus = focus
	}
	out.AdditionalContext = e.resolveAdditionalContext(topic, ev.Kind, focus)
	return out
}

// resolveAdditionalContext implements §4.3 step 3: expand a topic's
// notification shape for kind into the resources a notification's
// additionalContext carries. Each shape entry uses the same
// "SourceKind:param[:TargetKind]" grammar as _include/_revinclude; an entry
// whose SourceKind is the focus kind itself is an include (follow param on
// the focus resource out to its target), any other SourceKind is a
// revinclude (search that kind's store for resources referencing the focus
// via param).
func (e *Engine) resolveAdditionalContext(topic *Topic, kind string, focus restree.Tree) []restree.Tree {
	shape := topic.NotificationShape[kind]
	if len(shape) == 0 || focus.IsZero() || e.resolver == nil {
		return nil
	}
	var out []restree.Tree
	for _, raw := range shape {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 {
			continue
		}
		sourceKind, param := parts[0], parts[1]
		if sourceKind == kind {
			out = append(out, e.resolveInclude(focus, param)...)
		} else {
			out = append(out, e.resolveRevInclude(sourceKind, param, kind, focus.ID())...)
		}
	}
	return out
}

// resolveInclude follows the reference named param on focus out to its
// target instance.
func (e *Engine) resolveInclude(focus restree.Tree, param string) []restree.Tree {
	ref, ok := focus.GetString(param, "reference")
	if !ok || ref == "" {
		return nil
	}
	inst, ferr := e.resolver.Resolve(ref, "")
	if ferr != nil {
		return nil
	}
	return []restree.Tree{inst.Payload}
}

// resolveRevInclude finds every instance of sourceKind whose param
// references focusKind/focusID.
func (e *Engine) resolveRevInclude(sourceKind, param, focusKind, focusID string) []restree.Tree {
	if focusID == "" {
		return nil
	}
	st, ok := e.stores(sourceKind)
	if !ok {
		return nil
	}
	defs := search.ParamDefinitions(nil)
	if e.defs != nil {
		defs = e.defs(sourceKind)
	}
	pdef, ok := defs[param]
	if !ok {
		return nil
	}
	ref := search.ParseValueToken(search.TypeReference, focusKind+"/"+focusID)
	params := []search.Parameter{{Name: param, Def: pdef, Values: []search.ValueToken{ref}}}

	var adapter terminology.Adapter
	if e.resolver != nil {
		adapter = e.resolver.Terminology()
	}
	ev := search.NewEvaluator(adapter, e.stores, e.defs)
	it := st.Search(func(t restree.Tree) bool {
		return ev.TestForMatch(sourceKind, t, params)
	}, false)

	instances := store.All(it)
	out := make([]restree.Tree, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Payload)
	}
	return out
}

// ExpireNow implements §4.3's 30s expiration sweep: any subscription whose
// ExpirationTicks has passed now moves to status off. Called by the
// lifecycle manager (C8) rather than owning its own ticker, per the single
// consolidated 30s tick described in SPEC_FULL.md §4.8.
func (e *Engine) ExpireNow(now time.Time) {
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	nowTicks := now.Unix()
	for _, s := range subs {
		if s.ExpirationTicks >= 0 && s.ExpirationTicks < nowTicks {
			s.setStatus(StatusOff)
		}
	}
}
