package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newWsServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewHub(16, zerolog.Nop())
	server := NewServer(hub, ServerOptions{JWTSecret: testSecret}, zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, ts := newWsServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("dial without token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := newWsServer(t)

	header := http.Header{"Authorization": []string{"Bearer " + signToken(t, "9", "wrong-secret")}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatal("dial with a token signed by the wrong secret must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestAuthenticatedSubscriberJoinsItsRooms(t *testing.T) {
	server, ts := newWsServer(t)

	header := http.Header{"Authorization": []string{"Bearer " + signToken(t, "9", testSecret)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Membership is established during the handshake handler.
	deadline := time.Now().Add(2 * time.Second)
	for server.hub.RoomSize(AgentRoom(9)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never joined its agent room")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if server.hub.RoomSize(LeaderboardRoom) != 1 {
		t.Fatal("subscriber should also join the leaderboard room")
	}

	// A delivered envelope arrives over the socket.
	env, err := Wrap(TradeIndexed{AgentID: 9, TxHash: "0xdef"})
	if err != nil {
		t.Fatal(err)
	}
	server.hub.Deliver(env, []string{AgentRoom(9)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Envelope
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if received.Topic != TopicTradeIndexed {
		t.Fatalf("expected trade-indexed, got %s", received.Topic)
	}
}

func TestSilentPeerIsDropped(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	server := NewServer(hub, ServerOptions{
		JWTSecret:    testSecret,
		PingInterval: 50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	}, zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	header := http.Header{"Authorization": []string{"Bearer " + signToken(t, "3", testSecret)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize(AgentRoom(3)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never joined its agent room")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The client never reads, so it never answers pings; the read deadline
	// must lapse and the subscriber must be dropped.
	deadline = time.Now().Add(2 * time.Second)
	for hub.RoomSize(AgentRoom(3)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent peer was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueryTokenFallback(t *testing.T) {
	server, ts := newWsServer(t)

	url := wsURL(ts) + "?token=" + signToken(t, "4", testSecret)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for server.hub.RoomSize(AgentRoom(4)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("query-token subscriber never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
