package delivery

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/subscription"
)

func TestSignAndVerifyPayload(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := SignPayload(payload, "top-secret")
	if !VerifySignature(payload, "top-secret", sig) {
		t.Errorf("expected a signature produced with the same secret to verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Errorf("expected a signature to fail verification against the wrong secret")
	}
	if VerifySignature([]byte(`{"tampered":true}`), "top-secret", sig) {
		t.Errorf("expected a signature to fail verification against a modified payload")
	}
}

func TestBroker_Deliver_RestHookSignsAndPosts(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = b
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lookup := func(id string) (subscription.ChannelDescriptor, bool) {
		return subscription.ChannelDescriptor{
			Code:     "rest-hook",
			Endpoint: srv.URL,
			Secret:   "shh",
		}, true
	}
	b := NewBroker(lookup)

	err := b.Deliver(subscription.Event{
		SubscriptionID: "sub-1",
		EventNumber:    1,
		TopicURL:       "http://example.org/topics/t1",
		FocusKind:      "Encounter",
		FocusID:        "e1",
		ContentLevel:   subscription.ContentIDOnly,
		At:             time.Now(),
	})
	if err != nil {
		t.Fatalf("Deliver returned unexpected error: %v", err)
	}

	select {
	case r := <-received:
		if !strings.HasPrefix(r.Header.Get("X-Signature"), "sha256=") {
			t.Errorf("expected an X-Signature header, got %q", r.Header.Get("X-Signature"))
		}
		if r.Header.Get("X-Subscription-Id") != "sub-1" {
			t.Errorf("expected X-Subscription-Id header sub-1, got %q", r.Header.Get("X-Subscription-Id"))
		}
		sig := strings.TrimPrefix(r.Header.Get("X-Signature"), "sha256=")
		if !VerifySignature(body, "shh", sig) {
			t.Errorf("delivered payload does not verify against its own signature header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook endpoint was never called")
	}

	log := b.DeliveryLog("sub-1")
	if len(log) != 1 || log[0].StatusCode != http.StatusOK {
		t.Errorf("expected one successful delivery attempt logged, got %+v", log)
	}
}

func TestBroker_Deliver_UnknownSubscription(t *testing.T) {
	lookup := func(string) (subscription.ChannelDescriptor, bool) { return subscription.ChannelDescriptor{}, false }
	b := NewBroker(lookup)
	if err := b.Deliver(subscription.Event{SubscriptionID: "missing"}); err == nil {
		t.Errorf("expected an error delivering to an unknown subscription")
	}
}

func TestBroker_Deliver_FullContentIncludesFocus(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lookup := func(string) (subscription.ChannelDescriptor, bool) {
		return subscription.ChannelDescriptor{Code: "rest-hook", Endpoint: srv.URL, Secret: "s"}, true
	}
	b := NewBroker(lookup)
	focus := restree.New(map[string]interface{}{"resourceType": "Encounter", "id": "e1", "status": "finished"})

	if err := b.Deliver(subscription.Event{
		SubscriptionID: "sub-2",
		ContentLevel:   subscription.ContentFull,
		Focus:          focus,
		At:             time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if !strings.Contains(string(gotBody), `"status":"finished"`) {
		t.Errorf("expected full-content delivery to embed the focus resource, got %s", gotBody)
	}
}

func TestBroker_OlderThanAndRemove(t *testing.T) {
	lookup := func(string) (subscription.ChannelDescriptor, bool) { return subscription.ChannelDescriptor{}, false }
	b := NewBroker(lookup)
	b.recordReceived("sub-1")

	old := b.OlderThan(time.Now().Add(time.Minute))
	if len(old) != 1 {
		t.Fatalf("expected the just-recorded entry to be older than a future cutoff, got %d", len(old))
	}
	b.Remove(old[0])
	if len(b.OlderThan(time.Now().Add(time.Minute))) != 0 {
		t.Errorf("expected Remove to drop the entry")
	}
}
