package delivery

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hubClient is a single WebSocket connection, subscribed to zero or more
// subscription ids.
type hubClient struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
}

// hub is the connection registry for the websocket channel type, grounded
// on the teacher's websocket.Hub but keyed by subscription id rather than
// an arbitrary topic string: one notification channel per subscription.
type hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*hubClient]struct{}
	all     map[*hubClient]struct{}
}

func newHub() *hub {
	return &hub{
		byTopic: make(map[string]map[*hubClient]struct{}),
		all:     make(map[*hubClient]struct{}),
	}
}

func (h *hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for topic := range c.topics {
		if h.byTopic[topic] == nil {
			h.byTopic[topic] = make(map[*hubClient]struct{})
		}
		h.byTopic[topic][c] = struct{}{}
	}
}

func (h *hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		if subs, ok := h.byTopic[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.byTopic, topic)
			}
		}
	}
	delete(h.all, c)
	close(c.send)
}

func (h *hub) subscribe(c *hubClient, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byTopic[subscriptionID] == nil {
		h.byTopic[subscriptionID] = make(map[*hubClient]struct{})
	}
	h.byTopic[subscriptionID][c] = struct{}{}
	c.topics[subscriptionID] = struct{}{}
}

func (h *hub) broadcast(subscriptionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byTopic[subscriptionID] {
		select {
		case c.send <- data:
		default:
			// client buffer full; drop rather than block the delivery consumer.
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type clientMessage struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscriptionId"`
}

// HandleConnect upgrades the request to a WebSocket connection and starts
// its read/write pumps. A connected client subscribes to a subscription id
// by sending {"action":"subscribe","subscriptionId":"..."}.
func (b *Broker) HandleConnect(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &hubClient{
		id:     c.QueryParam("client"),
		topics: make(map[string]struct{}),
		send:   make(chan []byte, 256),
	}
	b.hub.register(client)

	go b.writePump(client, conn)
	b.readPump(client, conn)
	return nil
}

func (b *Broker) readPump(client *hubClient, conn *websocket.Conn) {
	defer func() {
		b.hub.unregister(client)
		conn.Close()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Action == "subscribe" && msg.SubscriptionID != "" {
			b.hub.subscribe(client, msg.SubscriptionID)
		}
	}
}

func (b *Broker) writePump(client *hubClient, conn *websocket.Conn) {
	defer conn.Close()
	for data := range client.send {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
