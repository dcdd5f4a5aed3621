// Package store implements C1, the resource-kind store: CRUD primitives,
// versioning, and the canonical-URL / identifier-tuple secondary indices for
// one resource kind. Per the design notes' re-architecture of per-kind
// generic-type polymorphism, a Store is generic over kind name, not over a
// concrete clinical type; kind-specific behavior is injected through a
// kindreg.Capabilities table.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FHIR/fhir-candle-sub000/internal/fhirerr"
	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
)

// Instance is one stored resource instance (§3 Resource Instance).
type Instance struct {
	Kind         string
	ID           string
	Version      int
	LastModified time.Time
	Payload      restree.Tree
}

// ETag formats the instance's weak entity tag.
func (i Instance) ETag() string {
	return `W/"` + itoa(i.Version) + `"`
}

// Interaction names the kind of mutation a MutationEvent records.
type Interaction string

const (
	Created Interaction = "created"
	Updated Interaction = "updated"
	Deleted Interaction = "deleted"
)

// MutationEvent is the message-passing replacement (§9) for an in-process
// "notify subscribers" callback: C1 publishes these to a channel the
// subscription engine drains, instead of calling C3 in-line while holding
// the per-kind mutex.
type MutationEvent struct {
	Kind        string
	ID          string
	Interaction Interaction
	Previous    restree.Tree // zero value for Created
	Current     restree.Tree // zero value for Deleted
	Version     int
	At          time.Time
}

// ProtectedCheck reports whether kind/id is in the protected set populated
// during startup load when protect-loaded-content is enabled (§4.1, §4.8).
type ProtectedCheck func(kind, id string) bool

// Store owns every instance of one resource kind.
type Store struct {
	kind string
	caps *kindreg.Capabilities

	mu       sync.RWMutex
	byID     map[string]*Instance
	byURL    map[string]string // canonical url -> id
	byIdent  map[string]string // "system|value" -> id

	events  chan<- MutationEvent
	nextSeq uint64 // disambiguates ids generated in the same nanosecond
}

// New creates an empty Store for one kind. events may be nil, in which case
// mutations are not published (used by tests that don't exercise C3).
func New(caps *kindreg.Capabilities, events chan<- MutationEvent) *Store {
	return &Store{
		kind:    caps.Name,
		caps:    caps,
		byID:    make(map[string]*Instance),
		byURL:   make(map[string]string),
		byIdent: make(map[string]string),
		events:  events,
	}
}

func identKey(system, value string) string {
	return system + "|" + value
}

// Read returns the instance for id, or a *NotFound error.
func (s *Store) Read(id string) (Instance, *fhirerr.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byID[id]
	if !ok {
		return Instance{}, fhirerr.NotFoundf("%s/%s not found", s.kind, id)
	}
	return *inst, nil
}

// Create inserts a new instance (§4.1). If allowExistingId is false, or the
// payload carries no id, a fresh id is assigned; otherwise the payload's own
// id is used, provided it doesn't collide.
func (s *Store) Create(payload restree.Tree, allowExistingID bool) (Instance, *fhirerr.Error) {
	if err := s.validate(payload); err != nil {
		return Instance{}, err
	}

	id := payload.ID()
	if !allowExistingID || id == "" {
		id = s.generateID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[id]; exists {
		return Instance{}, fhirerr.Conflictf("%s/%s already exists", s.kind, id)
	}

	now := time.Now().UTC()
	finalPayload := payload.WithKindAndID(s.kind, id)
	inst := &Instance{Kind: s.kind, ID: id, Version: 1, LastModified: now, Payload: finalPayload}
	s.byID[id] = inst
	s.indexSecondary(inst)

	s.publish(MutationEvent{Kind: s.kind, ID: id, Interaction: Created, Current: finalPayload, Version: 1, At: now})
	return *inst, nil
}

// UpdateOutcome distinguishes a true update from a create-as-update so the
// dispatcher can choose 200 vs 201 (§4.4 conditional update, §8 invariant 6).
type UpdateOutcome string

const (
	OutcomeUpdated UpdateOutcome = "updated"
	OutcomeCreated UpdateOutcome = "created"
)

// Update applies an update to id (§4.1). ifMatch/ifNoneMatch are the raw
// header values (possibly empty); protected reports whether kind/id is
// write-protected.
func (s *Store) Update(id string, payload restree.Tree, allowCreate bool, ifMatch, ifNoneMatch string, protected ProtectedCheck) (Instance, UpdateOutcome, *fhirerr.Error) {
	if err := s.validate(payload); err != nil {
		return Instance{}, "", err
	}

	if protected != nil && protected(s.kind, id) {
		return Instance{}, "", fhirerr.Unauthorizedf("%s/%s is write-protected", s.kind, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byID[id]

	if ifNoneMatch == "*" && exists {
		return Instance{}, "", fhirerr.Conflictf("If-None-Match: * failed, %s/%s exists", s.kind, id)
	}
	if exists {
		if ifMatch != "" && ifMatch != existing.ETag() {
			return Instance{}, "", fhirerr.Conflictf("If-Match %q does not match current %q", ifMatch, existing.ETag())
		}
		if ifNoneMatch != "" && ifNoneMatch != "*" && ifNoneMatch == existing.ETag() {
			return Instance{}, "", fhirerr.Conflictf("If-None-Match %q matches current etag", ifNoneMatch)
		}
	}

	now := time.Now().UTC()
	finalPayload := payload.WithKindAndID(s.kind, id)

	if !exists {
		if !allowCreate {
			return Instance{}, "", fhirerr.NotFoundf("%s/%s not found", s.kind, id)
		}
		inst := &Instance{Kind: s.kind, ID: id, Version: 1, LastModified: now, Payload: finalPayload}
		s.byID[id] = inst
		s.indexSecondary(inst)
		s.publish(MutationEvent{Kind: s.kind, ID: id, Interaction: Created, Current: finalPayload, Version: 1, At: now})
		return *inst, OutcomeCreated, nil
	}

	previous := existing.Payload
	s.deindexSecondary(existing)
	existing.Payload = finalPayload
	existing.Version++
	existing.LastModified = now
	s.indexSecondary(existing)

	s.publish(MutationEvent{Kind: s.kind, ID: id, Interaction: Updated, Previous: previous, Current: finalPayload, Version: existing.Version, At: now})
	return *existing, OutcomeUpdated, nil
}

// Delete removes an instance (§4.1).
func (s *Store) Delete(id string, protected ProtectedCheck) (Instance, *fhirerr.Error) {
	if protected != nil && protected(s.kind, id) {
		return Instance{}, fhirerr.Unauthorizedf("%s/%s is write-protected", s.kind, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.byID[id]
	if !ok {
		return Instance{}, fhirerr.NotFoundf("%s/%s not found", s.kind, id)
	}
	delete(s.byID, id)
	s.deindexSecondary(inst)

	s.publish(MutationEvent{Kind: s.kind, ID: id, Interaction: Deleted, Previous: inst.Payload, Version: inst.Version, At: time.Now().UTC()})
	return *inst, nil
}

// ResolveIdentifier looks up an instance by identifier tuple (§4.1, §4.9).
func (s *Store) ResolveIdentifier(system, value string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdent[identKey(system, value)]
	if !ok {
		return Instance{}, false
	}
	inst := s.byID[id]
	return *inst, true
}

// ResolveCanonical looks up an instance by canonical URL (§4.1, §4.9).
func (s *Store) ResolveCanonical(url string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return Instance{}, false
	}
	inst := s.byID[id]
	return *inst, true
}

// Iterator is the lazy stream produced by Search: each call returns the
// next matching instance, or (zero, false) once exhausted.
type Iterator func() (Instance, bool)

// Search iterates every instance, delegating match decisions to the caller
// (normally search.Evaluator.TestForMatch bound to a parameter list). When
// nested is true the caller is assumed to already hold read consistency
// (e.g. a reverse-chain sub-search invoked while the outer search already
// snapshotted), so the per-store lock is skipped.
func (s *Store) Search(match func(restree.Tree) bool, nested bool) Iterator {
	var snapshot []*Instance
	if nested {
		snapshot = s.snapshotLocked()
	} else {
		s.mu.RLock()
		snapshot = s.snapshotLocked()
		s.mu.RUnlock()
	}

	idx := 0
	return func() (Instance, bool) {
		for idx < len(snapshot) {
			inst := snapshot[idx]
			idx++
			if match == nil || match(inst.Payload) {
				return *inst, true
			}
		}
		return Instance{}, false
	}
}

func (s *Store) snapshotLocked() []*Instance {
	out := make([]*Instance, 0, len(s.byID))
	for _, inst := range s.byID {
		out = append(out, inst)
	}
	return out
}

// All drains a Search iterator into a slice; a convenience for callers that
// don't need true laziness (small result sets, tests).
func All(it Iterator) []Instance {
	var out []Instance
	for {
		inst, ok := it()
		if !ok {
			return out
		}
		out = append(out, inst)
	}
}

// Count returns the number of instances currently held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) indexSecondary(inst *Instance) {
	if s.caps.ParseCanonicalURL != nil {
		if url, ok := s.caps.ParseCanonicalURL(inst.Payload); ok && url != "" {
			s.byURL[url] = inst.ID
		}
	}
	if s.caps.ParseIdentifiers != nil {
		for _, t := range s.caps.ParseIdentifiers(inst.Payload) {
			s.byIdent[identKey(t.System, t.Value)] = inst.ID
		}
	}
}

func (s *Store) deindexSecondary(inst *Instance) {
	if s.caps.ParseCanonicalURL != nil {
		if url, ok := s.caps.ParseCanonicalURL(inst.Payload); ok && url != "" {
			delete(s.byURL, url)
		}
	}
	if s.caps.ParseIdentifiers != nil {
		for _, t := range s.caps.ParseIdentifiers(inst.Payload) {
			delete(s.byIdent, identKey(t.System, t.Value))
		}
	}
}

func (s *Store) validate(payload restree.Tree) *fhirerr.Error {
	if s.caps.Validate == nil {
		return nil
	}
	if msg, ok := s.caps.Validate(payload); !ok {
		return fhirerr.Structuref("%s", msg)
	}
	return nil
}

func (s *Store) publish(ev MutationEvent) {
	if s.events == nil {
		return
	}
	// Never block the caller holding the store's lock on a slow consumer;
	// the channel is sized generously by the tenant façade, and a full
	// channel here means the subscription engine has fallen far enough
	// behind that dropping is preferable to stalling every writer.
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Store) generateID() string {
	return uuid.NewString()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
