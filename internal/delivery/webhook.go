package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignPayload computes the hex-encoded HMAC-SHA256 signature of payload
// under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret,
// in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// DeliveryAttempt records one HTTP POST attempt against a rest-hook
// endpoint; a subscription's attempts are exposed through Broker.DeliveryLog.
type DeliveryAttempt struct {
	ID             string
	SubscriptionID string
	EventNumber    uint64
	Endpoint       string
	Signature      string
	StatusCode     int
	ResponseBody   string
	Duration       time.Duration
	Attempt        int
	Status         string // "success", "failed"
	Error          string
	CreatedAt      time.Time
}

// retryDelays mirrors the teacher's escalating webhook retry schedule.
var retryDelays = []time.Duration{1 * time.Second, 30 * time.Second, 5 * time.Minute}

// webhookClient POSTs signed notification payloads to rest-hook endpoints
// and schedules background retries on failure, grounded on the teacher's
// WebhookManager.DeliverToEndpoint/RetryDelivery.
type webhookClient struct {
	httpClient *http.Client

	mu  sync.Mutex
	log map[string][]*DeliveryAttempt // subscriptionID -> attempts, newest last
}

func newWebhookClient() *webhookClient {
	return &webhookClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        make(map[string][]*DeliveryAttempt),
	}
}

func (w *webhookClient) deliver(channel Channel, payload []byte, eventNumber uint64) error {
	attempt := w.post(channel, payload, eventNumber, 1)
	w.record(channel.SubscriptionID, attempt)
	if attempt.Status != "success" {
		go w.retryInBackground(channel, payload, eventNumber)
		return fmt.Errorf("delivery.webhook: %s", attempt.Error)
	}
	return nil
}

// retryInBackground walks the fixed retry schedule, stopping at the first
// success. It runs detached from the delivery-queue consumer so a slow or
// down endpoint never stalls other subscriptions' deliveries.
func (w *webhookClient) retryInBackground(channel Channel, payload []byte, eventNumber uint64) {
	for i, delay := range retryDelays {
		time.Sleep(delay)
		attempt := w.post(channel, payload, eventNumber, i+2)
		w.record(channel.SubscriptionID, attempt)
		if attempt.Status == "success" {
			return
		}
	}
}

func (w *webhookClient) post(channel Channel, payload []byte, eventNumber uint64, attemptNum int) *DeliveryAttempt {
	sig := SignPayload(payload, channel.Secret)
	now := time.Now().UTC()
	attempt := &DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: channel.SubscriptionID,
		EventNumber:    eventNumber,
		Endpoint:       channel.Endpoint,
		Signature:      sig,
		Attempt:        attemptNum,
		Status:         "pending",
		CreatedAt:      now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.Endpoint, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+sig)
	req.Header.Set("X-Subscription-Id", channel.SubscriptionID)
	for k, v := range channel.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

func (w *webhookClient) record(subscriptionID string, attempt *DeliveryAttempt) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log[subscriptionID] = append(w.log[subscriptionID], attempt)
}

// Log returns a snapshot of every recorded delivery attempt for a
// subscription, oldest first.
func (w *webhookClient) Log(subscriptionID string) []*DeliveryAttempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*DeliveryAttempt(nil), w.log[subscriptionID]...)
}

// notificationPayload is the JSON body POSTed to a rest-hook endpoint or
// broadcast over a websocket channel.
type notificationPayload struct {
	SubscriptionID string                 `json:"subscriptionId"`
	EventNumber    uint64                 `json:"eventNumber"`
	Topic          string                 `json:"topic"`
	FocusKind      string                 `json:"focusKind"`
	FocusID        string                 `json:"focusId"`
	ContentLevel   string                 `json:"contentLevel"`
	Focus          map[string]interface{} `json:"focus,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

func marshalPayload(p notificationPayload) ([]byte, error) {
	return json.Marshal(p)
}
