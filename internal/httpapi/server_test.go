package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/jackgraph"
	"audiohub/server/internal/ports"
	"audiohub/server/internal/rooms"
	"audiohub/server/internal/store"
	"audiohub/server/internal/transport"
	"audiohub/server/internal/wsgraph"
)

// fakeGraph is an in-memory jackgraph.Adapter stand-in so tests never shell
// out to jack_lsp/jack_connect/jack_disconnect.
type fakeGraph struct {
	edges map[[2]string]bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{edges: make(map[[2]string]bool)}
}

func (g *fakeGraph) Snapshot(context.Context) (jackgraph.Graph, error) {
	return jackgraph.Graph{Clients: []jackgraph.Client{
		{Name: "system", Ports: []jackgraph.Port{
			{Name: "system:capture_1", Direction: jackgraph.DirectionOutput, Type: jackgraph.TypeAudio},
			{Name: "system:playback_1", Direction: jackgraph.DirectionInput, Type: jackgraph.TypeAudio},
		}},
	}}, nil
}

func (g *fakeGraph) Connect(_ context.Context, source, dest string) error {
	key := [2]string{source, dest}
	if g.edges[key] {
		return jackgraph.ErrAlreadyConnected
	}
	g.edges[key] = true
	return nil
}

func (g *fakeGraph) Disconnect(_ context.Context, source, dest string) error {
	key := [2]string{source, dest}
	if !g.edges[key] {
		return jackgraph.ErrNotConnected
	}
	delete(g.edges, key)
	return nil
}

type harness struct {
	server *Server
	url    string
	auth   *auth.Store
	rooms  *rooms.Registry
	graph  *fakeGraph
}

func fakeTransportBin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-transport.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write fake transport script: %v", err)
	}
	return path
}

func newHarness(t *testing.T, singleRoomMode bool) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	authStore := auth.New(db)
	alloc := ports.New(9000, 10)
	reg := rooms.New(rooms.Config{
		HubHost:                "hub.example",
		SingleRoomMode:         singleRoomMode,
		BandName:               "The Band",
		DefaultMaxParticipants: 4,
	}, alloc)
	sup := transport.New(fakeTransportBin(t), time.Second, 2*time.Second, reg.HandleTransportExit)
	reg.AttachSupervisor(sup)

	if err := reg.BootstrapDefaultRoom(context.Background()); err != nil {
		t.Fatalf("bootstrap default room: %v", err)
	}

	graph := newFakeGraph()
	wsHub := wsgraph.New(graph, authStore)

	api := New(authStore, reg, graph, wsHub, singleRoomMode)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	return &harness{server: api, url: ts.URL, auth: authStore, rooms: reg, graph: graph}
}

func (h *harness) doJSON(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.url+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func register(t *testing.T, h *harness, name, password string) (string, map[string]any) {
	t.Helper()
	resp, out := h.doJSON(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": name,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d body %v", name, resp.StatusCode, out)
	}
	return out["token"].(string), out
}

func TestFirstRegistrationBecomesOwner(t *testing.T) {
	h := newHarness(t, false)

	_, alice := register(t, h, "alice", "s3cret")
	if alice["is_owner"] != true || alice["has_patchbay_access"] != true {
		t.Fatalf("expected first user to be owner with patchbay access, got %#v", alice)
	}

	_, bob := register(t, h, "bob", "hunter2")
	if bob["is_owner"] != false || bob["has_patchbay_access"] != false {
		t.Fatalf("expected second user to be a plain member, got %#v", bob)
	}
}

func TestDuplicateUsernameConflicts(t *testing.T) {
	h := newHarness(t, false)
	register(t, h, "alice", "s3cret")

	resp, out := h.doJSON(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice",
		"password": "different",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate username, got %d (%v)", resp.StatusCode, out)
	}
}

func TestJoinPublicRoomEndToEnd(t *testing.T) {
	h := newHarness(t, false)
	aliceToken, _ := register(t, h, "alice", "s3cret")
	bobToken, _ := register(t, h, "bob", "hunter2")

	resp, created := h.doJSON(t, http.MethodPost, "/rooms", aliceToken, map[string]any{
		"name":             "Jam",
		"max_participants": 4,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create room: status %d body %v", resp.StatusCode, created)
	}
	roomID := created["id"].(string)

	resp, joined := h.doJSON(t, http.MethodPost, "/rooms/"+roomID+"/join", bobToken, map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join room: status %d body %v", resp.StatusCode, joined)
	}
	if joined["client_name_hint"] != roomID {
		t.Fatalf("unexpected join response: %#v", joined)
	}
	if joined["hub_host"] != "hub.example" {
		t.Fatalf("unexpected hub_host: %#v", joined)
	}
}

func TestPrivateRoomRejectsWrongPassphrase(t *testing.T) {
	h := newHarness(t, false)
	aliceToken, _ := register(t, h, "alice", "s3cret")
	bobToken, _ := register(t, h, "bob", "hunter2")

	_, created := h.doJSON(t, http.MethodPost, "/rooms", aliceToken, map[string]any{
		"name":       "Private",
		"passphrase": "open sesame",
	})
	roomID := created["id"].(string)

	resp, out := h.doJSON(t, http.MethodPost, "/rooms/"+roomID+"/join", bobToken, map[string]string{
		"passphrase": "open simsim",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad passphrase, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != "bad passphrase" {
		t.Fatalf("unexpected error body: %#v", out)
	}

	resp, out = h.doJSON(t, http.MethodPost, "/rooms/"+roomID+"/join", bobToken, map[string]string{
		"passphrase": "open sesame",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected correct passphrase to succeed, got %d (%v)", resp.StatusCode, out)
	}
}

func TestPatchbayAccessIsEnforced(t *testing.T) {
	h := newHarness(t, false)
	aliceToken, _ := register(t, h, "alice", "s3cret")
	bobToken, bob := register(t, h, "bob", "hunter2")
	bobID := int64(bob["user_id"].(float64))

	resp, out := h.doJSON(t, http.MethodPost, "/jack/connect", bobToken, map[string]string{
		"source": "system:capture_1",
		"dest":   "room-1:send_1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before grant, got %d (%v)", resp.StatusCode, out)
	}

	resp, out = h.doJSON(t, http.MethodPost, "/users/"+itoa(bobID)+"/permissions", aliceToken, map[string]bool{
		"has_patchbay_access": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant patchbay access: status %d body %v", resp.StatusCode, out)
	}

	resp, out = h.doJSON(t, http.MethodPost, "/jack/connect", bobToken, map[string]string{
		"source": "system:capture_1",
		"dest":   "room-1:send_1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected connect to succeed after grant, got %d (%v)", resp.StatusCode, out)
	}
}

func TestEmptyRoomIsReapedOnLeave(t *testing.T) {
	h := newHarness(t, false)
	aliceToken, _ := register(t, h, "alice", "s3cret")
	bobToken, _ := register(t, h, "bob", "hunter2")

	_, created := h.doJSON(t, http.MethodPost, "/rooms", aliceToken, map[string]any{"name": "Jam"})
	roomID := created["id"].(string)

	h.doJSON(t, http.MethodPost, "/rooms/"+roomID+"/join", bobToken, map[string]string{})
	resp, out := h.doJSON(t, http.MethodPost, "/rooms/"+roomID+"/leave", bobToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave room: status %d body %v", resp.StatusCode, out)
	}

	resp, _ = h.doJSON(t, http.MethodGet, "/rooms/"+roomID, aliceToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected reaped room to 404, got %d", resp.StatusCode)
	}
}

func TestSingleRoomModeDisablesCreate(t *testing.T) {
	h := newHarness(t, true)
	aliceToken, _ := register(t, h, "alice", "s3cret")

	resp, listOut := h.doJSON(t, http.MethodGet, "/rooms", aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list rooms: status %d body %v", resp.StatusCode, listOut)
	}

	resp, rooms := h.getRooms(t, aliceToken)
	if len(rooms) != 1 || rooms[0]["name"] != "The Band" {
		t.Fatalf("expected exactly the default room, got %#v", rooms)
	}

	resp, out := h.doJSON(t, http.MethodPost, "/rooms", aliceToken, map[string]any{"name": "X"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 creating a room in single-room mode, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != "room creation disabled" {
		t.Fatalf("unexpected error body: %#v", out)
	}
}

func (h *harness) getRooms(t *testing.T, token string) (*http.Response, []map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.url+"/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /rooms: %v", err)
	}
	defer resp.Body.Close()
	var out []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestListUsersIsOwnerOnly(t *testing.T) {
	h := newHarness(t, false)
	aliceToken, _ := register(t, h, "alice", "s3cret")
	bobToken, _ := register(t, h, "bob", "hunter2")

	resp, _ := h.doJSON(t, http.MethodGet, "/users", bobToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner listing users, got %d", resp.StatusCode)
	}

	resp, _ = h.doJSON(t, http.MethodGet, "/users", aliceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for owner listing users, got %d", resp.StatusCode)
	}
}

func TestUnknownBearerTokenIsUnauthorized(t *testing.T) {
	h := newHarness(t, false)
	resp, _ := h.doJSON(t, http.MethodGet, "/rooms", "not-a-real-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.StatusCode)
	}
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	h := newHarness(t, false)
	resp, out := h.doJSON(t, http.MethodPost, "/auth/register", "", map[string]any{
		"username": "alice",
		"password": "s3cret",
		"is_owner": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d (%v)", resp.StatusCode, out)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
