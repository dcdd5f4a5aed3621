// Package subscription implements C3: topic compilation, per-mutation
// trigger evaluation, and notification-event generation. It consumes
// store.MutationEvent off a channel — per the message-passing re-
// architecture described in SPEC_FULL.md §9 — rather than being called
// in-process by C1 while a store's mutex is held.
package subscription

import (
	"sync/atomic"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/pathexpr"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
)

// InteractionTrigger is the first, simplest trigger set: fire on any
// create/update/delete matching the configured booleans, no predicate.
type InteractionTrigger struct {
	OnCreate, OnUpdate, OnDelete bool
}

// PathTrigger evaluates a compiled FHIRPath-flavored predicate against
// %current/%previous bindings.
type PathTrigger struct {
	Expr *pathexpr.Expression
}

// QueryTrigger is the third trigger set: two search-parameter filter lists
// tested against the before/after payload, combined per the
// requireBothTests flag and the four auto-pass/auto-fail booleans.
type QueryTrigger struct {
	PreviousTest, CurrentTest                               []search.Parameter
	CreateAutoPass, CreateAutoFail                           bool
	DeleteAutoPass, DeleteAutoFail                           bool
	RequireBothTests                                         bool
}

// KindTrigger holds the (at most one of each) trigger sets configured for
// one resource kind within a topic.
type KindTrigger struct {
	Kind        string
	Interaction *InteractionTrigger
	Path        *PathTrigger
	Query       *QueryTrigger
}

// Topic is a compiled Subscription Topic (§3 Parsed Subscription Topic).
type Topic struct {
	ID  string
	URL string

	Kinds map[string]*KindTrigger

	// CanFilterBy lists the search-parameter names a subscription on this
	// topic is permitted to filter by, per kind.
	CanFilterBy map[string][]string

	// NotificationShape lists include/revinclude shape names by kind,
	// resolved through the façade's resolver when building a notification's
	// additionalContext.
	NotificationShape map[string][]string
}

// ContentLevel governs how much of the focus resource an event carries.
type ContentLevel string

const (
	ContentEmpty     ContentLevel = "empty"
	ContentIDOnly    ContentLevel = "id-only"
	ContentFull      ContentLevel = "full-resource"
)

// ChannelDescriptor describes a subscription's delivery channel. Code is a
// channel-type code ("rest-hook", "websocket", ...); Endpoint and Secret are
// only meaningful for rest-hook (Secret signs the delivered payload and is
// never echoed back by the capability/read surface).
type ChannelDescriptor struct {
	Code         string
	Endpoint     string
	Secret       string
	Headers      map[string]string
	ContentType  string
	ContentLevel ContentLevel
}

// Status is a subscription's current lifecycle status.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

// Subscription is a compiled, registered Subscription (§3 Parsed
// Subscription).
type Subscription struct {
	ID       string
	TopicURL string

	// Filters holds this subscription's per-kind filter list.
	Filters map[string][]search.Parameter

	Channel ChannelDescriptor

	// ExpirationTicks is a Unix-seconds deadline; -1 means never expires.
	ExpirationTicks int64

	status  atomic.Value // Status
	counter uint64       // atomic, event-number source

	errors *Ring[SubscriptionError]
	events *Ring[Event]
}

// Status returns the subscription's current lifecycle status.
func (s *Subscription) Status() Status {
	if v, ok := s.status.Load().(Status); ok {
		return v
	}
	return StatusRequested
}

func (s *Subscription) setStatus(st Status) { s.status.Store(st) }

// Errors returns a snapshot of the bounded error ring.
func (s *Subscription) Errors() []SubscriptionError { return s.errors.Snapshot() }

// Events returns a snapshot of the bounded event ring.
func (s *Subscription) Events() []Event { return s.events.Snapshot() }

func (s *Subscription) nextEventNumber() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// SubscriptionError is one entry in a subscription's bounded error log.
type SubscriptionError struct {
	At      time.Time
	Message string
}

// Event is one generated notification (§3 Received Notification, from the
// producer side).
type Event struct {
	SubscriptionID string
	EventNumber    uint64
	TopicURL       string
	FocusKind      string
	FocusID        string
	ContentLevel   ContentLevel
	Focus          restree.Tree   // shaped per ContentLevel; zero value for empty/id-only
	AdditionalContext []restree.Tree
	At             time.Time
}

// DeliveryFunc is the external delivery collaborator's hook: handed one
// generated event, fire-and-forget from the engine's point of view. A
// returned error is recorded in the subscription's bounded error log.
type DeliveryFunc func(Event) error
