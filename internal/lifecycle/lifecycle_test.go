package lifecycle

import (
	"testing"
	"time"
)

func TestTick_EvictsOldestOverflowFirst(t *testing.T) {
	entries := []CreationEntry{
		{Kind: "Patient", ID: "1", At: time.Unix(1, 0)},
		{Kind: "Patient", ID: "2", At: time.Unix(2, 0)},
		{Kind: "Patient", ID: "3", At: time.Unix(3, 0)},
	}
	var evicted []string
	m := New(Config{
		MaxResources:  1,
		CreationOrder: func() []CreationEntry { return entries },
		Evict: func(kind, id string) error {
			evicted = append(evicted, kind+"/"+id)
			return nil
		},
	})
	m.Tick(time.Now())

	if len(evicted) != 2 {
		t.Fatalf("expected 2 evictions to bring count down to MaxResources=1, got %v", evicted)
	}
	if evicted[0] != "Patient/1" || evicted[1] != "Patient/2" {
		t.Errorf("expected oldest-first eviction order [Patient/1 Patient/2], got %v", evicted)
	}
}

func TestTick_ProtectedEntriesSurviveEviction(t *testing.T) {
	entries := []CreationEntry{
		{Kind: "Patient", ID: "1", At: time.Unix(1, 0)},
		{Kind: "Patient", ID: "2", At: time.Unix(2, 0)},
	}
	var evicted []string
	m := New(Config{
		MaxResources:  0, // overridden to force overflow below
		CreationOrder: func() []CreationEntry { return entries },
		Evict: func(kind, id string) error {
			evicted = append(evicted, kind+"/"+id)
			return nil
		},
		Protected: func(kind, id string) bool { return kind == "Patient" && id == "1" },
	})
	m.maxResources = 1
	m.Tick(time.Now())

	if len(evicted) != 1 || evicted[0] != "Patient/2" {
		t.Errorf("expected only the unprotected Patient/2 to be evicted, got %v", evicted)
	}
}

type fakeNotifications struct {
	entries []ReceivedNotification
	removed []ReceivedNotification
}

func (f *fakeNotifications) OlderThan(cutoff time.Time) []ReceivedNotification {
	var out []ReceivedNotification
	for _, e := range f.entries {
		if e.ReceivedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifications) Remove(e ReceivedNotification) {
	f.removed = append(f.removed, e)
}

func TestTick_GCsStaleNotifications(t *testing.T) {
	now := time.Now()
	store := &fakeNotifications{entries: []ReceivedNotification{
		{SubscriptionID: "sub-old", ReceivedAt: now.Add(-20 * time.Minute)},
		{SubscriptionID: "sub-new", ReceivedAt: now.Add(-1 * time.Minute)},
	}}
	m := New(Config{Notifications: store})
	m.Tick(now)

	if len(store.removed) != 1 || store.removed[0].SubscriptionID != "sub-old" {
		t.Errorf("expected only sub-old (past the 10-minute GC window) to be removed, got %v", store.removed)
	}
}

func TestTick_InvokesSweep(t *testing.T) {
	called := false
	m := New(Config{Sweep: func(time.Time) { called = true }})
	m.Tick(time.Now())
	if !called {
		t.Errorf("expected Tick to invoke the expiration sweeper")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	m := New(Config{})
	m.Start()
	m.Start() // second Start must be a no-op, not a panic on double ticker creation
	m.Stop()
	m.Stop() // second Stop must be a no-op, not a panic on double close
}
