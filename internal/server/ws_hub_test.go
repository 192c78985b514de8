package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playloop/game-engine/internal/model"
)

func startHub(t *testing.T) (*WSHub, string) {
	t.Helper()
	hub := NewWSHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (at %d)", want, hub.ClientCount())
}

func TestWSHub_BroadcastsInterleavedWithPings(t *testing.T) {
	oldInterval := wsPingInterval
	wsPingInterval = 5 * time.Millisecond
	defer func() { wsPingInterval = oldInterval }()

	hub, url := startHub(t)

	const clients = 4
	const messages = 50
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		conns[i] = conn
	}
	waitForClients(t, hub, clients)

	r := &model.Round{
		GameID:      "coin_flip",
		BucketStart: 900,
		Status:      model.RoundRevealed,
		SeedHash:    "deadbeef",
		Outcome:     &model.Outcome{Rank: "heads", Value: 0, Multiplier: d("1.2")},
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for n := 0; n < messages; n++ {
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				_, data, err := conn.ReadMessage()
				if err != nil {
					t.Errorf("read message %d: %v", n, err)
					return
				}
				var msg WSMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					t.Errorf("message %d is not valid JSON: %v", n, err)
					return
				}
				if msg.Type != "round_revealed" || msg.GameID != "coin_flip" {
					t.Errorf("message %d corrupted: %+v", n, msg)
					return
				}
			}
		}(conn)
	}

	// Spread the sends across many ping ticks so broadcast writes and
	// keepalive pings contend for each connection.
	for n := 0; n < messages; n++ {
		hub.BroadcastRound("round_revealed", r)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
}

func TestWSHub_UnregistersOnDisconnect(t *testing.T) {
	hub, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// Broadcasting with no clients left must not block or panic.
	hub.BroadcastRound("round_locked", &model.Round{GameID: "dice", Status: model.RoundLocked})
}