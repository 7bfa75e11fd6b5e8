// Package websocket pushes committed order lifecycle events to connected lab
// screens. Clients subscribe to topics within their tenant and refresh their
// queues when an event arrives instead of polling.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// Topics a client may subscribe to.
const (
	// TopicOrders receives every order transition.
	TopicOrders = "orders"
	// TopicCritical receives critical_result events only.
	TopicCritical = "critical"
)

// OrderTopic is the topic for the events of a single order.
func OrderTopic(orderID string) string {
	return "order:" + orderID
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected screen. Tenant is fixed at connect time.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
}

type subscription struct {
	tenant string
	topic  string
}

// Hub tracks clients by tenant and topic. It implements events.Publisher so
// the order controller can fan events out to it next to the Redis stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[subscription]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[subscription]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(client, topic)
	}
}

func (h *Hub) add(client *Client, topic string) {
	key := subscription{client.Tenant, topic}
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) remove(client *Client, topic string) {
	key := subscription{client.Tenant, topic}
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if containsTopic(client.Topics, topic) {
			continue
		}
		h.add(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if containsTopic(topics, t) {
			h.remove(client, t)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// topicsFor lists the topics an event is delivered on.
func topicsFor(evt events.Event) []string {
	topics := []string{OrderTopic(evt.OrderID)}
	if evt.Type == events.TypeCriticalResult {
		return append(topics, TopicCritical)
	}
	return append(topics, TopicOrders)
}

// Publish delivers evt to the tenant's subscribers of any matching topic,
// at most once per client. A client with a full buffer misses the event.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool)
	for _, topic := range topicsFor(evt) {
		for client := range h.clients[subscription{evt.Tenant, topic}] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("order_id", evt.OrderID).
					Msg("live feed client too slow, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients of tenant subscribed to topic.
func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subscription{tenant, topic}])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades /ws requests and pumps hub events to the connection.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts upgrades from allowedOrigins only; "*" allows any.
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RolePhlebotomist, auth.RoleTechnologist, auth.RoleManager))
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes it to the
// comma-separated topics query parameter (default "orders").
func (h *Handler) HandleConnect(c echo.Context) error {
	topics := []string{TopicOrders}
	if q := c.QueryParam("topics"); q != "" {
		topics = topics[:0]
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	tenant := db.TenantFromContext(c.Request().Context())

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Topics: topics,
		Send:   make(chan []byte, 256),
	}
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("tenant", tenant).Strs("topics", topics).
		Msg("live feed client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
