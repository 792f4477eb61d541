package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mappl/internal/auth"
	"mappl/internal/realtime"
	"mappl/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestClient(rh *RoomHub, userID string) *Client {
	return &Client{room: rh, userID: userID, send: make(chan []byte, 256), pong: make(chan struct{}, 1)}
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online("NOPE"); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestHub_BroadcastWithoutRoom(t *testing.T) {
	hub := NewHub()
	hub.Broadcast("NOPE", []byte("x"))
	if len(hub.rooms) != 0 {
		t.Error("Broadcast() should not create rooms")
	}
}

func TestRoomHub_RegisterSendsConnected(t *testing.T) {
	rh := NewRoomHub("ROOM")
	go rh.run()
	defer rh.stop()

	client := newTestClient(rh, "u1")
	rh.join(client)

	env, err := realtime.Decode(recv(t, client))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Type != realtime.TypeConnected {
		t.Errorf("first event = %q, want connected", env.Type)
	}
	if rh.Online() != 1 {
		t.Errorf("Online() after register = %d, want 1", rh.Online())
	}
}

func TestRoomHub_ConnectedOnlyToNewcomer(t *testing.T) {
	rh := NewRoomHub("ROOM")
	go rh.run()
	defer rh.stop()

	first := newTestClient(rh, "u1")
	rh.join(first)
	recv(t, first)

	rh.join(newTestClient(rh, "u2"))
	time.Sleep(10 * time.Millisecond)
	select {
	case msg := <-first.send:
		t.Errorf("existing client got %s", msg)
	default:
	}
}

func TestRoomHub_Unregister(t *testing.T) {
	rh := NewRoomHub("ROOM")
	go rh.run()
	defer rh.stop()

	client := newTestClient(rh, "u1")
	rh.join(client)
	recv(t, client)

	rh.leave(client)
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 0 {
		t.Errorf("Online() after unregister = %d, want 0", rh.Online())
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	rh := hub.GetRoom("ROOM")

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(rh, "user"+string(rune('0'+i)))
		rh.join(clients[i])
		recv(t, clients[i])
	}

	testMsg := []byte(`{"type":"create","payload":{"id":"01"}}`)
	hub.Broadcast("ROOM", testMsg)

	var wg sync.WaitGroup
	received := make([]bool, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(idx int, client *Client) {
			defer wg.Done()
			select {
			case msg := <-client.send:
				received[idx] = string(msg) == string(testMsg)
			case <-time.After(time.Second):
			}
		}(i, c)
	}
	wg.Wait()

	for i, r := range received {
		if !r {
			t.Errorf("Client %d did not receive broadcast message", i)
		}
	}
}

func TestRoomHub_DropsSlowClient(t *testing.T) {
	rh := NewRoomHub("ROOM")
	go rh.run()
	defer rh.stop()

	slow := &Client{room: rh, userID: "slow", send: make(chan []byte, 1)}
	rh.join(slow)
	// the connected event already fills the buffer
	rh.broadcast <- []byte("overflow")
	time.Sleep(20 * time.Millisecond)

	if rh.Online() != 0 {
		t.Errorf("Online() = %d, want slow client dropped", rh.Online())
	}
}

func TestHub_MultipleRooms(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	rh1 := hub.GetRoom("ONE")
	rh2 := hub.GetRoom("TWO")
	if hub.GetRoom("ONE") != rh1 {
		t.Error("GetRoom() should reuse existing room")
	}

	c1 := newTestClient(rh1, "u1")
	c2 := newTestClient(rh2, "u2")
	rh1.join(c1)
	rh2.join(c2)
	recv(t, c1)
	recv(t, c2)

	if hub.Online("ONE") != 1 {
		t.Errorf("Online(ONE) = %d, want 1", hub.Online("ONE"))
	}
	if hub.Online("TWO") != 1 {
		t.Errorf("Online(TWO) = %d, want 1", hub.Online("TWO"))
	}

	hub.Broadcast("ONE", []byte("only one"))
	if got := string(recv(t, c1)); got != "only one" {
		t.Errorf("room ONE got %q", got)
	}
	select {
	case msg := <-c2.send:
		t.Errorf("room TWO got %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	rh := hub.GetRoom("ROOM")
	client := newTestClient(rh, "u1")
	rh.join(client)
	recv(t, client)

	hub.Close()
	hub.Close()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Fatal("client not released on Close")
	}
	if rh.join(newTestClient(rh, "late")) {
		t.Error("join() on a stopped room should fail")
	}
}

func TestHub_ReclaimsEmptyRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	rh := hub.GetRoom("ROOM")
	client := newTestClient(rh, "u1")
	rh.join(client)
	recv(t, client)

	rh.leave(client)
	select {
	case <-rh.done:
	case <-time.After(time.Second):
		t.Fatal("empty room was not stopped")
	}
	hub.mu.RLock()
	_, ok := hub.rooms["ROOM"]
	hub.mu.RUnlock()
	if ok {
		t.Error("empty room still registered in hub")
	}

	fresh := hub.GetRoom("ROOM")
	if fresh == rh {
		t.Fatal("GetRoom() returned the reclaimed room")
	}
	c2 := newTestClient(fresh, "u2")
	if !fresh.join(c2) {
		t.Fatal("join() on a fresh room failed")
	}
	recv(t, c2)
}

func TestHub_GetRoomAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()
	if rh := hub.GetRoom("ROOM"); rh != nil {
		t.Error("GetRoom() after Close should return nil")
	}
	if len(hub.rooms) != 0 {
		t.Error("Close() should leave no rooms behind")
	}
}

func TestRoomHub_Concurrent(t *testing.T) {
	rh := NewRoomHub("ROOM")
	go rh.run()
	defer rh.stop()

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rh.join(newTestClient(rh, "user"))
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if rh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", rh.Online(), numClients)
	}
}

type stubSessions struct{}

func (stubSessions) Validate(_ context.Context, token string) (*auth.Claims, error) {
	if token != "good" {
		return nil, auth.ErrInvalidSession
	}
	return &auth.Claims{UserID: "github:1", SessionID: "s1"}, nil
}

type stubRooms struct{}

func (stubRooms) GetByCode(_ context.Context, code string) (*service.EventDTO, error) {
	if code != "ROOM" {
		return nil, service.ErrEventNotFound
	}
	return &service.EventDTO{Code: code}, nil
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", Serve(hub, stubSessions{}, stubRooms{}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestServe_Rejects(t *testing.T) {
	srv := newTestServer(t, NewHub())
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing code", "?token=good", http.StatusBadRequest},
		{"missing token", "?code=ROOM", http.StatusUnauthorized},
		{"bad token", "?code=ROOM&token=bad", http.StatusUnauthorized},
		{"unknown room", "?code=GONE&token=good", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/ws" + tt.query)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServe_RejectsAfterClose(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, hub)
	hub.Close()

	resp, err := http.Get(srv.URL + "/ws?code=ROOM&token=good")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestServe_Feed(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := newTestServer(t, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?code=ROOM&token=good"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	readType := func() string {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		env, err := realtime.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return env.Type
	}

	if typ := readType(); typ != realtime.TypeConnected {
		t.Fatalf("first event = %q, want connected", typ)
	}

	ping, _ := realtime.Encode(realtime.TypePing, nil)
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if typ := readType(); typ != realtime.TypePong {
		t.Fatalf("reply to ping = %q, want pong", typ)
	}

	create, _ := realtime.Encode(realtime.TypeCreate, map[string]string{"id": "01"})
	hub.Broadcast("ROOM", create)
	if typ := readType(); typ != realtime.TypeCreate {
		t.Fatalf("broadcast event = %q, want create", typ)
	}
}
