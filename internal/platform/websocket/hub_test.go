package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

func newClient(id, tenant string, topics ...string) *Client {
	return &Client{ID: id, Tenant: tenant, Topics: topics, Send: make(chan []byte, 8)}
}

func received(t *testing.T, c *Client) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		select {
		case data := <-c.Send:
			var evt events.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "default", TopicOrders)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("default", TopicOrders) != 1 {
		t.Fatalf("expected one registered subscriber, got clients=%d", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("default", TopicOrders) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishRoutesByType(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	orders := newClient("orders", "default", TopicOrders)
	critical := newClient("critical", "default", TopicCritical)
	hub.Register(orders)
	hub.Register(critical)

	ctx := context.Background()
	_ = hub.Publish(ctx, events.Event{Type: events.TypeTransition, Tenant: "default", OrderID: "o1", To: "processing"})
	_ = hub.Publish(ctx, events.Event{Type: events.TypeCriticalResult, Tenant: "default", OrderID: "o1"})

	if got := received(t, orders); len(got) != 1 || got[0].To != "processing" {
		t.Errorf("orders client: unexpected events %+v", got)
	}
	if got := received(t, critical); len(got) != 1 || got[0].Type != events.TypeCriticalResult {
		t.Errorf("critical client: unexpected events %+v", got)
	}
}

func TestHub_PublishIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	labA := newClient("a", "lab_a", TopicOrders)
	labB := newClient("b", "lab_b", TopicOrders)
	hub.Register(labA)
	hub.Register(labB)

	_ = hub.Publish(context.Background(), events.Event{Type: events.TypeTransition, Tenant: "lab_a", OrderID: "o1"})

	if len(received(t, labA)) != 1 {
		t.Error("expected lab_a subscriber to receive the event")
	}
	if len(received(t, labB)) != 0 {
		t.Error("lab_b subscriber must not see lab_a events")
	}
}

func TestHub_PublishOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "default", TopicOrders, OrderTopic("o1"))
	hub.Register(client)

	_ = hub.Publish(context.Background(), events.Event{Type: events.TypeTransition, Tenant: "default", OrderID: "o1"})

	if got := received(t, client); len(got) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(got))
	}
}

func TestHub_PublishDropsForSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Tenant: "default", Topics: []string{TopicOrders}, Send: make(chan []byte, 1)}
	hub.Register(client)

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), events.Event{Type: events.TypeTransition, Tenant: "default", OrderID: "o1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := received(t, client); len(got) != 1 {
		t.Errorf("expected the buffered event only, got %d", len(got))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "default")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{TopicOrders, OrderTopic("o1"), TopicOrders}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected duplicate topic to be ignored, got %v", client.Topics)
	}
	if hub.TopicCount("default", OrderTopic("o1")) != 1 {
		t.Fatal("expected subscription to order:o1")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{TopicOrders}})
	if hub.TopicCount("default", TopicOrders) != 0 {
		t.Error("expected orders topic to be empty")
	}
	if len(client.Topics) != 1 || client.Topics[0] != OrderTopic("o1") {
		t.Errorf("unexpected remaining topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{TopicCritical}})
	if hub.TopicCount("default", TopicCritical) != 0 {
		t.Error("unknown action must not subscribe")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("c", "default", TopicOrders)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), events.Event{Type: events.TypeTransition, Tenant: "default", OrderID: "o"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_FanoutWithStream(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", "default", TopicOrders)
	hub.Register(client)

	pub := events.Fanout{events.Nop{}, hub}
	if err := pub.Publish(context.Background(), events.Event{Type: events.TypeTransition, Tenant: "default", OrderID: "o1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(received(t, client)) != 1 {
		t.Error("expected hub to receive the fanned-out event")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://lab.example"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://lab.example", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
	if !originChecker([]string{"*"})(func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", "http://anything")
		return r
	}()) {
		t.Error("expected wildcard to allow any origin")
	}
}

func TestHandler_RequiresLabRole(t *testing.T) {
	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(c.Request().Context(), "u1", "", []string{"visitor"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(NewHub(zerolog.Nop()), []string{"*"}, zerolog.Nop()).RegisterRoutes(g)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"*"}, zerolog.Nop())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	err := h.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(c.Request().Context(), "tech-1", "", []string{auth.RoleTechnologist})
			ctx = db.WithTenant(ctx, "default")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub, []string{"*"}, zerolog.Nop()).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=critical"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("default", TopicCritical) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("default", TopicCritical) != 1 {
		t.Fatal("expected the connection to be subscribed to critical")
	}

	_ = hub.Publish(context.Background(), events.Event{
		Type: events.TypeCriticalResult, Tenant: "default", OrderID: "o1",
		Details: map[string]interface{}{"tests": []string{"Glucose"}},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != events.TypeCriticalResult || got.OrderID != "o1" {
		t.Errorf("unexpected event %+v", got)
	}
}
