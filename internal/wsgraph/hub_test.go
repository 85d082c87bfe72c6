package wsgraph

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/jackgraph"
	"audiohub/server/internal/protocol"
	"audiohub/server/internal/store"
)

type stubGraph struct {
	connected bool
}

func (g *stubGraph) Snapshot(context.Context) (jackgraph.Graph, error) {
	ports := []string{}
	if g.connected {
		ports = []string{"kernel:in_1"}
	}
	return jackgraph.Graph{Clients: []jackgraph.Client{
		{Name: "kernel", Ports: []jackgraph.Port{
			{Name: "kernel:out_1", Direction: jackgraph.DirectionOutput, Type: jackgraph.TypeAudio, Connections: ports},
		}},
	}}, nil
}

func (g *stubGraph) Connect(context.Context, string, string) error {
	g.connected = true
	return nil
}

func (g *stubGraph) Disconnect(context.Context, string, string) error {
	if !g.connected {
		return jackgraph.ErrNotConnected
	}
	g.connected = false
	return nil
}

func startTestHub(t *testing.T, graph jackgraph.Adapter) (*Hub, *auth.Store, string) {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	authStore := auth.New(db)
	h := New(graph, authStore)

	e := echo.New()
	h.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, authStore, wsURL
}

func dial(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/patchbay?token="+token, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.WSMessage) bool) protocol.WSMessage {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg protocol.WSMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching message")
	return protocol.WSMessage{}
}

func TestUpgradeRejectsMissingToken(t *testing.T) {
	_, _, wsURL := startTestHub(t, &stubGraph{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/patchbay", nil)
	if err == nil {
		t.Fatal("expected dial without a token to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestUpgradeSendsInitialSnapshot(t *testing.T) {
	_, authStore, wsURL := startTestHub(t, &stubGraph{})
	_, token, err := authStore.Register(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dial(t, wsURL, token)
	defer conn.Close()

	msg := readUntil(t, conn, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeSnapshot })
	if msg.Snapshot == nil || len(msg.Snapshot.Clients) != 1 {
		t.Fatalf("unexpected snapshot: %#v", msg.Snapshot)
	}
}

func TestConnectWithoutPatchbayAccessIsRejected(t *testing.T) {
	_, authStore, wsURL := startTestHub(t, &stubGraph{})
	authStore.Register(context.Background(), "owner", "s3cret")
	_, token, _ := authStore.Register(context.Background(), "member", "s3cret")

	conn := dial(t, wsURL, token)
	defer conn.Close()
	readUntil(t, conn, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeSnapshot })

	if err := conn.WriteJSON(protocol.WSMessage{Type: protocol.WSTypeConnect, Source: "a", Dest: "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeError })
	if msg.Error == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestConnectBroadcastsEdgeAddedToOtherSubscribers(t *testing.T) {
	graph := &stubGraph{}
	_, authStore, wsURL := startTestHub(t, graph)
	owner, token, err := authStore.Register(context.Background(), "owner", "s3cret")
	if err != nil {
		t.Fatalf("register owner: %v", err)
	}
	_ = owner

	alice := dial(t, wsURL, token)
	defer alice.Close()
	readUntil(t, alice, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeSnapshot })

	bob := dial(t, wsURL, token)
	defer bob.Close()
	readUntil(t, bob, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeSnapshot })

	if err := alice.WriteJSON(protocol.WSMessage{Type: protocol.WSTypeConnect, Source: "kernel:out_1", Dest: "kernel:in_1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	readUntil(t, bob, func(m protocol.WSMessage) bool {
		return m.Type == protocol.WSTypeEdgeAdded && m.Source == "kernel:out_1" && m.Dest == "kernel:in_1"
	})
}

func TestRefreshSnapshotIsANoOpWithoutSubscribers(t *testing.T) {
	h, _, _ := startTestHub(t, &stubGraph{})
	h.RefreshSnapshot(context.Background())
}

func TestShutdownClosesSubscriberConnections(t *testing.T) {
	h, authStore, wsURL := startTestHub(t, &stubGraph{})
	_, token, err := authStore.Register(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dial(t, wsURL, token)
	defer conn.Close()
	readUntil(t, conn, func(m protocol.WSMessage) bool { return m.Type == protocol.WSTypeSnapshot })

	h.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.WSMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatal("expected read after shutdown to fail, got no error")
	}
}
