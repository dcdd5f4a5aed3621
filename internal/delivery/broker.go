// Package delivery is the external delivery collaborator the subscription
// engine (C3) hands generated notification events to: a rest-hook branch
// that HMAC-signs and POSTs a JSON payload (grounded on the teacher's
// internal/platform/webhook.WebhookManager) and a websocket branch that
// broadcasts to any connection subscribed to that subscription id
// (grounded on internal/platform/websocket.Hub).
package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/lifecycle"
	"github.com/FHIR/fhir-candle-sub000/internal/subscription"
)

// Channel is the subset of a subscription's channel the delivery branches
// need, keyed to the subscription id so retries and the websocket hub can
// find their way back without depending on the subscription package.
type Channel struct {
	SubscriptionID string
	Code           string
	Endpoint       string
	Secret         string
	Headers        map[string]string
}

// ChannelLookup resolves a subscription id to its delivery channel; the
// tenant façade wires this to its subscription engine's GetSubscription.
type ChannelLookup func(subscriptionID string) (subscription.ChannelDescriptor, bool)

// Broker implements subscription.DeliveryFunc over the rest-hook and
// websocket channel codes, and implements lifecycle.NotificationStore so
// the tenant's maintenance ticker can garbage-collect its received log.
type Broker struct {
	lookup  ChannelLookup
	webhook *webhookClient
	hub     *hub

	mu       sync.Mutex
	received map[string][]lifecycle.ReceivedNotification // subscriptionID -> entries
}

// NewBroker builds a Broker. lookup resolves a subscription id to the
// channel it should be delivered over.
func NewBroker(lookup ChannelLookup) *Broker {
	return &Broker{
		lookup:   lookup,
		webhook:  newWebhookClient(),
		hub:      newHub(),
		received: make(map[string][]lifecycle.ReceivedNotification),
	}
}

// Deliver satisfies subscription.DeliveryFunc.
func (b *Broker) Deliver(ev subscription.Event) error {
	channel, ok := b.lookup(ev.SubscriptionID)
	if !ok {
		return fmt.Errorf("delivery: unknown subscription %q", ev.SubscriptionID)
	}

	payload := notificationPayload{
		SubscriptionID: ev.SubscriptionID,
		EventNumber:    ev.EventNumber,
		Topic:          ev.TopicURL,
		FocusKind:      ev.FocusKind,
		FocusID:        ev.FocusID,
		ContentLevel:   string(ev.ContentLevel),
		Timestamp:      ev.At,
	}
	if ev.ContentLevel == subscription.ContentFull {
		payload.Focus = ev.Focus.Map()
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("delivery: marshaling notification: %w", err)
	}

	var deliverErr error
	switch channel.Code {
	case "rest-hook":
		deliverErr = b.webhook.deliver(Channel{
			SubscriptionID: ev.SubscriptionID,
			Code:           channel.Code,
			Endpoint:       channel.Endpoint,
			Secret:         channel.Secret,
			Headers:        channel.Headers,
		}, data, ev.EventNumber)
	case "websocket":
		b.hub.broadcast(ev.SubscriptionID, data)
	default:
		deliverErr = fmt.Errorf("delivery: unsupported channel code %q", channel.Code)
	}

	b.recordReceived(ev.SubscriptionID)
	return deliverErr
}

func (b *Broker) recordReceived(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received[subscriptionID] = append(b.received[subscriptionID], lifecycle.ReceivedNotification{
		SubscriptionID: subscriptionID,
		ReceivedAt:     time.Now().UTC(),
	})
}

// OlderThan implements lifecycle.NotificationStore.
func (b *Broker) OlderThan(cutoff time.Time) []lifecycle.ReceivedNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []lifecycle.ReceivedNotification
	for _, entries := range b.received {
		for _, e := range entries {
			if e.ReceivedAt.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Remove implements lifecycle.NotificationStore.
func (b *Broker) Remove(entry lifecycle.ReceivedNotification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.received[entry.SubscriptionID]
	for i, e := range entries {
		if e.ReceivedAt.Equal(entry.ReceivedAt) {
			b.received[entry.SubscriptionID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(b.received[entry.SubscriptionID]) == 0 {
		delete(b.received, entry.SubscriptionID)
	}
}

// DeliveryLog returns a snapshot of every recorded rest-hook delivery
// attempt for a subscription, oldest first.
func (b *Broker) DeliveryLog(subscriptionID string) []*DeliveryAttempt {
	return b.webhook.Log(subscriptionID)
}
