package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestWebSocket(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"http://localhost"}})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

type wsReadResult struct {
	msg []byte
	err error
}

func listenOnce(conn *websocket.Conn) <-chan wsReadResult {
	ch := make(chan wsReadResult, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		ch <- wsReadResult{msg: msg, err: err}
	}()
	return ch
}

type recordingDispatcher struct {
	ch chan []byte
}

func (d *recordingDispatcher) Dispatch(client *Client, raw []byte) {
	d.ch <- raw
}

func TestHubDispatchesInboundMessages(t *testing.T) {
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	dispatcher := &recordingDispatcher{ch: make(chan []byte, 1)}
	hub := NewHub(dispatcher, WithPingInterval(50*time.Millisecond))

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"game.join"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case raw := <-dispatcher.ch:
		if string(raw) != `{"type":"game.join"}` {
			t.Fatalf("unexpected payload: %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatcher never received the message")
	}
}

func TestHubJoinAndEmitDeliversToRoomMembers(t *testing.T) {
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	dispatcher := &recordingDispatcher{ch: make(chan []byte, 4)}
	hub := NewHub(dispatcher, WithPingInterval(50*time.Millisecond))

	server := httptest.NewServer(hub)
	defer server.Close()

	memberConn := dialTestWebSocket(t, server.URL)
	defer memberConn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("clients never registered")
		}
		time.Sleep(time.Millisecond)
	}

	hub.mu.RLock()
	var member *Client
	for c := range hub.clients {
		member = c
		break
	}
	hub.mu.RUnlock()

	outsiderConn := dialTestWebSocket(t, server.URL)
	defer outsiderConn.Close()
	for hub.ClientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients never registered")
		}
		time.Sleep(time.Millisecond)
	}
	hub.Join(member, "g1")

	pending := listenOnce(memberConn)
	hub.Emit("g1", "score.update", []byte(`{"p":1}`))

	select {
	case res := <-pending:
		if res.err != nil {
			t.Fatalf("read error: %v", res.err)
		}
		if !strings.Contains(string(res.msg), "score.update") {
			t.Fatalf("unexpected emitted payload: %s", res.msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("room member never received the emitted event")
	}
}

func TestHubRemoveClientOnDisconnect(t *testing.T) {
	dispatcher := &recordingDispatcher{ch: make(chan []byte, 1)}
	hub := NewHub(dispatcher, WithPingInterval(50*time.Millisecond))

	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client was never removed after disconnect")
		}
		time.Sleep(time.Millisecond)
	}
}
