// Package tenant implements C10: the façade that aggregates one tenant's
// stores, engines, and registries and wires them together, grounded on the
// teacher's cmd/ehr-server/main.go construction order and its
// ConsentRepoAdapter-style adapter pattern (here: the façade itself adapts
// to capability.Source rather than wrapping a separate adapter type, since
// the façade already owns every piece that source needs).
package tenant

import (
	"fmt"
	"sync"

	"github.com/FHIR/fhir-candle-sub000/internal/capability"
	"github.com/FHIR/fhir-candle-sub000/internal/compartment"
	"github.com/FHIR/fhir-candle-sub000/internal/config"
	"github.com/FHIR/fhir-candle-sub000/internal/delivery"
	"github.com/FHIR/fhir-candle-sub000/internal/dispatch"
	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/lifecycle"
	"github.com/FHIR/fhir-candle-sub000/internal/resolver"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/subscription"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

// KindSchema bundles the per-kind pieces the façade needs at construction:
// the store capability table and its search-parameter schema, plus the
// capability-statement advertisement for that kind.
type KindSchema struct {
	Caps       *kindreg.Capabilities
	ParamDefs  search.ParamDefinitions
	Capability capability.KindCapability
}

// Options configures a Facade at construction time.
type Options struct {
	Config       *config.Config
	Kinds        []KindSchema
	Compartments map[string]compartment.Definition
	Adapter      terminology.Adapter

	// Deliver overrides the façade's default delivery.Broker, e.g. for tests
	// that want to observe deliveries without real HTTP/websocket I/O. Leave
	// nil in production: the façade builds and owns a Broker (exposed as
	// Facade.Broker) wired to its own subscription engine.
	Deliver subscription.DeliveryFunc

	SystemOperations []string
	ReferencePolicy  string
	Security         capability.SecurityBlock
}

// Facade is the public entry point aggregating C1..C9 for one tenant.
type Facade struct {
	cfg *config.Config

	mu        sync.RWMutex
	stores    map[string]*store.Store
	paramDefs map[string]search.ParamDefinitions
	kindCaps  map[string]capability.KindCapability
	protected map[string]bool // "kind/id"
	creation  []lifecycle.CreationEntry

	// rawEvents is what every kind store publishes to; fanIn reads it,
	// updates creation-order bookkeeping for the lifecycle manager's
	// capacity eviction sweep, and forwards each event on to subEvents,
	// which the subscription engine consumes. This gives each hop of
	// store.MutationEvent a single consumer (§5) while still letting
	// two independent collaborators react to the same event stream.
	rawEvents chan store.MutationEvent
	subEvents chan store.MutationEvent
	fanInDone chan struct{}

	Dispatch     *dispatch.Dispatcher
	Subscription *subscription.Engine
	Capability   *capability.Engine
	Compartment  *compartment.Engine
	Lifecycle    *lifecycle.Manager
	Resolver     *resolver.Resolver
	Adapter      terminology.Adapter
	Broker       *delivery.Broker // nil when Options.Deliver was supplied directly

	systemOps []string
	refPolicy string
	security  capability.SecurityBlock
}

const mutationQueueSize = 4096

// New builds a Facade: every kind store, the subscription/capability/
// compartment engines, the resolver, and the dispatcher wired to all of
// them, plus the lifecycle manager's three sweeps (§4.8).
func New(opts Options) (*Facade, error) {
	f := &Facade{
		cfg:       opts.Config,
		stores:    make(map[string]*store.Store),
		paramDefs: make(map[string]search.ParamDefinitions),
		kindCaps:  make(map[string]capability.KindCapability),
		protected: make(map[string]bool),
		rawEvents: make(chan store.MutationEvent, mutationQueueSize),
		subEvents: make(chan store.MutationEvent, mutationQueueSize),
		fanInDone: make(chan struct{}),
		Adapter:   opts.Adapter,
		systemOps: opts.SystemOperations,
		refPolicy: opts.ReferencePolicy,
		security:  opts.Security,
	}
	if f.Adapter == nil {
		f.Adapter = terminology.NewInMemory()
	}

	for _, ks := range opts.Kinds {
		if ks.Caps == nil || ks.Caps.Name == "" {
			return nil, fmt.Errorf("tenant: kind schema missing a name")
		}
		if _, exists := f.stores[ks.Caps.Name]; exists {
			return nil, fmt.Errorf("tenant: duplicate kind %q", ks.Caps.Name)
		}
		f.stores[ks.Caps.Name] = store.New(ks.Caps, f.rawEvents)
		f.paramDefs[ks.Caps.Name] = ks.ParamDefs
		f.kindCaps[ks.Caps.Name] = ks.Capability
	}

	f.Resolver = resolver.New(f.storeLookup(), f.Kinds, f.Adapter)
	f.Compartment = compartment.New(opts.Compartments, f.storeLookup(), f.defsLookup())

	deliverFn := opts.Deliver
	if deliverFn == nil {
		f.Broker = delivery.NewBroker(f.channelLookup())
		deliverFn = f.Broker.Deliver
	}
	f.Subscription = subscription.NewEngine(f.subEvents, f.storeLookup(), f.defsLookup(), f.Resolver, deliverFn)
	f.Capability = capability.New(capabilitySource{f}, opts.Config.BaseURL)

	f.Dispatch = dispatch.New(f.storeLookup(), f.defsLookup(), f.Adapter, f.isProtected)
	f.Dispatch.Capability = f.Capability
	f.Dispatch.Compartment = f.Compartment
	f.Dispatch.AllowCreateAsUpdate = opts.Config.AllowCreateAsUpdate
	f.Dispatch.AllowExistingID = opts.Config.AllowExistingID
	f.Dispatch.SupportNotChanged = opts.Config.SupportNotChanged

	var notifications lifecycle.NotificationStore
	if f.Broker != nil {
		notifications = f.Broker
	}
	f.Lifecycle = lifecycle.New(lifecycle.Config{
		MaxResources:  opts.Config.MaxResourceCount,
		CreationOrder: f.creationOrder,
		Evict:         f.evict,
		Protected:     f.isProtected,
		Notifications: notifications,
		Sweep:         f.Subscription.ExpireNow,
	})

	return f, nil
}

// Start launches the mutation-event fan-in, the subscription engine's
// delivery goroutines, and the lifecycle manager's ticker.
func (f *Facade) Start() {
	go f.fanIn()
	f.Subscription.Run()
	f.Lifecycle.Start()
}

// Stop halts the background goroutines.
func (f *Facade) Stop() {
	f.Lifecycle.Stop()
	f.Subscription.Stop()
	close(f.fanInDone)
}

// fanIn drains rawEvents, updates creation-order bookkeeping, and forwards
// every event to the subscription engine's own input channel.
func (f *Facade) fanIn() {
	for {
		select {
		case <-f.fanInDone:
			return
		case ev := <-f.rawEvents:
			f.recordMutation(ev)
			select {
			case f.subEvents <- ev:
			default:
			}
		}
	}
}

func (f *Facade) recordMutation(ev store.MutationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch ev.Interaction {
	case store.Created:
		f.creation = append(f.creation, lifecycle.CreationEntry{Kind: ev.Kind, ID: ev.ID, At: ev.At})
	case store.Deleted:
		kept := f.creation[:0]
		for _, e := range f.creation {
			if e.Kind == ev.Kind && e.ID == ev.ID {
				continue
			}
			kept = append(kept, e)
		}
		f.creation = kept
	}
}

// storeLookup returns a plain (unnamed) function value so it converts
// implicitly to whichever named StoreLookup type each collaborator package
// (search, compartment, resolver) declares for itself.
func (f *Facade) storeLookup() func(kind string) (*store.Store, bool) {
	return func(kind string) (*store.Store, bool) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		st, ok := f.stores[kind]
		return st, ok
	}
}

// channelLookup resolves a subscription id to its channel descriptor for
// the delivery.Broker, closing over f.Subscription (set just before this
// closure is ever invoked, since delivery only starts after Start runs).
func (f *Facade) channelLookup() delivery.ChannelLookup {
	return func(id string) (subscription.ChannelDescriptor, bool) {
		sub, ok := f.Subscription.GetSubscription(id)
		if !ok {
			return subscription.ChannelDescriptor{}, false
		}
		return sub.Channel, true
	}
}

func (f *Facade) defsLookup() func(kind string) search.ParamDefinitions {
	return func(kind string) search.ParamDefinitions {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.paramDefs[kind]
	}
}

// Kinds returns every registered kind name, satisfying resolver.KindsLookup.
func (f *Facade) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.stores))
	for k := range f.stores {
		out = append(out, k)
	}
	return out
}

// RegisterHook delegates to the dispatcher, marking the capability engine
// dirty on success (§4.10).
func (f *Facade) RegisterHook(h dispatch.HookDescriptor) error {
	return f.Dispatch.RegisterHook(h)
}

// RegisterOperation delegates to the dispatcher.
func (f *Facade) RegisterOperation(o dispatch.OperationDescriptor) error {
	return f.Dispatch.RegisterOperation(o)
}

// RegisterTopic compiles and stores a SubscriptionTopic definition.
func (f *Facade) RegisterTopic(raw search.Tree) (*subscription.Topic, error) {
	return f.Subscription.RegisterTopic(raw)
}

// Protect marks kind/id as write-protected, used by the loader (§4.1, §4.8)
// when ProtectLoadedContent is enabled.
func (f *Facade) Protect(kind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protected[kind+"/"+id] = true
}

func (f *Facade) isProtected(kind, id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.protected[kind+"/"+id]
}

func (f *Facade) creationOrder() []lifecycle.CreationEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]lifecycle.CreationEntry, len(f.creation))
	copy(out, f.creation)
	return out
}

func (f *Facade) evict(kind, id string) error {
	f.mu.RLock()
	st, ok := f.stores[kind]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tenant: unknown kind %q", kind)
	}
	_, ferr := st.Delete(id, f.isProtected)
	if ferr != nil {
		return ferr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.creation[:0]
	for _, e := range f.creation {
		if e.Kind == kind && e.ID == id {
			continue
		}
		kept = append(kept, e)
	}
	f.creation = kept
	return nil
}

// Kinds (capability.Source) describes every registered kind's advertised
// interactions for the capability statement.
func (f *Facade) capabilityKinds() []capability.KindCapability {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]capability.KindCapability, 0, len(f.kindCaps))
	for _, kc := range f.kindCaps {
		out = append(out, kc)
	}
	return out
}

// The capability.Source interface methods below are named to avoid
// colliding with Kinds() (resolver.KindsLookup's signature), which is why
// the capability.Source.Kinds() method is implemented as capabilityKinds
// internally and exposed under the interface's required name via a small
// adapter type.
type capabilitySource struct{ f *Facade }

func (s capabilitySource) Kinds() []capability.KindCapability { return s.f.capabilityKinds() }
func (s capabilitySource) SystemOperations() []string         { return s.f.systemOps }
func (s capabilitySource) ReferenceHandlingPolicy() string    { return s.f.refPolicy }
func (s capabilitySource) Security() capability.SecurityBlock { return s.f.security }
