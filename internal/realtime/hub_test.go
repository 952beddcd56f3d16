package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		h.Serve(w, r, id)
	}))
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := readEvent(t, conn); got.Type != EventConnected {
		t.Fatalf("first event = %q, want %q", got.Type, EventConnected)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestHub_PublishRoutesByUser(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(time.Minute)
	srv := newTestServer(t, h)
	defer srv.Close()
	defer h.Stop()

	a1 := dial(t, srv, 1)
	defer a1.Close()
	a2 := dial(t, srv, 1)
	defer a2.Close()
	b := dial(t, srv, 2)
	defer b.Close()

	if n := h.ClientCount(); n != 3 {
		t.Fatalf("ClientCount = %d, want 3", n)
	}

	h.Publish(1, "plan_updated", map[string]int{"plan_id": 7})
	h.Publish(2, "notification", map[string]string{"title": "hi"})

	for _, conn := range []*websocket.Conn{a1, a2} {
		ev := readEvent(t, conn)
		if ev.Type != "plan_updated" {
			t.Fatalf("user 1 got %q", ev.Type)
		}
		if data, _ := ev.Data.(map[string]any); data["plan_id"] != float64(7) {
			t.Fatalf("unexpected payload %v", ev.Data)
		}
	}
	if ev := readEvent(t, b); ev.Type != "notification" {
		t.Fatalf("user 2 got %q", ev.Type)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(time.Minute)
	srv := newTestServer(t, h)
	defer srv.Close()
	defer h.Stop()

	conn := dial(t, srv, 5)
	if !h.Connected(5) {
		t.Fatal("user 5 should be connected")
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Connected(5) {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Publishing to a user without connections is a no-op.
	h.Publish(5, "notification", nil)
}

func TestHub_StopClosesClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := NewHub(time.Minute)
	srv := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, srv, 9)
	defer conn.Close()

	h.Stop()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if n := h.ClientCount(); n != 0 {
		t.Fatalf("ClientCount after Stop = %d", n)
	}
	// Stop is idempotent.
	h.Stop()
}
