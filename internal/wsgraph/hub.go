// Package wsgraph implements the Graph WebSocket Hub: a many-subscriber
// broker that fans out audio-graph change events to authenticated patchbay
// clients over /ws/patchbay. Fan-out is message-passing, not callback-based:
// each subscriber owns a bounded channel, and a slow subscriber is dropped
// rather than allowed to block the broadcaster.
package wsgraph

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/jackgraph"
	"audiohub/server/internal/permission"
	"audiohub/server/internal/protocol"
)

const (
	writeTimeout  = 5 * time.Second
	sendBacklog   = 32
	sendQueueWait = 200 * time.Millisecond
)

type subscriber struct {
	id                uint64
	userID            int64
	hasPatchbayAccess bool
	conn              *websocket.Conn
	send              chan protocol.WSMessage
}

// Hub is the Graph WebSocket Hub.
type Hub struct {
	adapter jackgraph.Adapter
	auth    *auth.Store

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	hasAny  atomic.Bool
	upgrade websocket.Upgrader
}

// New constructs a Hub bound to an Audio Graph Adapter and the Credential
// Store used to authenticate incoming connections.
func New(adapter jackgraph.Adapter, authStore *auth.Store) *Hub {
	return &Hub{
		adapter: adapter,
		auth:    authStore,
		subs:    make(map[uint64]*subscriber),
		upgrade: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/ws/patchbay", h.handleUpgrade)
}

// Authentication is by bearer token passed as the "token" query parameter,
// since a browser WebSocket client cannot set an Authorization header on
// the upgrade request.
func (h *Hub) handleUpgrade(c echo.Context) error {
	token := c.QueryParam("token")
	user, err := h.auth.Resolve(c.Request().Context(), token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
	}

	conn, err := h.upgrade.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", c.RealIP(), "err", err)
		return nil
	}
	h.serve(c.Request().Context(), conn, user)
	return nil
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, user auth.User) {
	defer conn.Close()

	sub := &subscriber{
		id:                h.nextID.Add(1),
		userID:            user.ID,
		hasPatchbayAccess: user.HasPatchbayAccess,
		conn:              conn,
		send:              make(chan protocol.WSMessage, sendBacklog),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.hasAny.Store(true)
	h.mu.Unlock()
	slog.Info("patchbay subscriber connected", "user_id", user.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	if snap, err := h.adapter.Snapshot(ctx); err == nil {
		sub.send <- protocol.WSMessage{Type: protocol.WSTypeSnapshot, Snapshot: toProtocolSnapshot(snap)}
	} else {
		slog.Error("initial graph snapshot failed", "user_id", user.ID, "err", err)
	}

	for {
		var in protocol.WSMessage
		if err := conn.ReadJSON(&in); err != nil {
			break
		}
		h.handleInbound(ctx, sub, in)
	}

	// Remove from the subscriber map before closing the send channel, so a
	// broadcast already holding a snapshot of it is the only possible
	// concurrent sender and trySend's recover below is the last line of
	// defense, not the primary mechanism.
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.hasAny.Store(len(h.subs) > 0)
	h.mu.Unlock()

	close(sub.send)
	<-done
	slog.Info("patchbay subscriber disconnected", "user_id", user.ID)
}

func (h *Hub) handleInbound(ctx context.Context, sub *subscriber, in protocol.WSMessage) {
	caller := permission.Caller{Authenticated: true, HasPatchbayAccess: sub.hasPatchbayAccess}

	switch in.Type {
	case protocol.WSTypeRefresh:
		h.sendSnapshotTo(ctx, sub)

	case protocol.WSTypeConnect:
		if !permission.Authorize(caller, permission.ActionMutateGraph, permission.Context{}) {
			h.sendError(sub, "patchbay access required")
			return
		}
		if err := h.adapter.Connect(ctx, in.Source, in.Dest); err != nil {
			h.sendError(sub, err.Error())
			return
		}
		h.BroadcastEdgeAdded(in.Source, in.Dest)

	case protocol.WSTypeDisconnect:
		if !permission.Authorize(caller, permission.ActionMutateGraph, permission.Context{}) {
			h.sendError(sub, "patchbay access required")
			return
		}
		if err := h.adapter.Disconnect(ctx, in.Source, in.Dest); err != nil {
			h.sendError(sub, err.Error())
			return
		}
		h.BroadcastEdgeRemoved(in.Source, in.Dest)

	default:
		h.sendError(sub, "unsupported message type")
	}
}

func (h *Hub) sendError(sub *subscriber, msg string) {
	trySend(sub.send, protocol.WSMessage{Type: protocol.WSTypeError, Error: msg})
}

func (h *Hub) sendSnapshotTo(ctx context.Context, sub *subscriber) {
	snap, err := h.adapter.Snapshot(ctx)
	if err != nil {
		h.sendError(sub, "failed to read graph")
		return
	}
	trySend(sub.send, protocol.WSMessage{Type: protocol.WSTypeSnapshot, Snapshot: toProtocolSnapshot(snap)})
}

// BroadcastEdgeAdded notifies all subscribers of a successful connect,
// whether it was invoked via REST or via this hub.
func (h *Hub) BroadcastEdgeAdded(source, dest string) {
	h.broadcast(protocol.WSMessage{Type: protocol.WSTypeEdgeAdded, Source: source, Dest: dest})
}

// BroadcastEdgeRemoved notifies all subscribers of a successful disconnect.
func (h *Hub) BroadcastEdgeRemoved(source, dest string) {
	h.broadcast(protocol.WSMessage{Type: protocol.WSTypeEdgeRemove, Source: source, Dest: dest})
}

// RefreshSnapshot re-reads the audio graph and broadcasts a full snapshot.
// The Hub Orchestrator wires this to the Room Registry's change callback,
// since room create/destroy changes which clients exist in the graph, and
// to the Audio Graph Adapter's own change notification if one is available.
func (h *Hub) RefreshSnapshot(ctx context.Context) {
	if !h.hasAny.Load() {
		return
	}
	snap, err := h.adapter.Snapshot(ctx)
	if err != nil {
		slog.Error("refresh snapshot failed", "err", err)
		return
	}
	h.broadcast(protocol.WSMessage{Type: protocol.WSTypeSnapshot, Snapshot: toProtocolSnapshot(snap)})
}

func (h *Hub) broadcast(msg protocol.WSMessage) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, s := range targets {
		if !trySend(s.send, msg) {
			dropped++
			// Closing the socket ends the subscriber's read loop in serve,
			// which unregisters it.
			s.conn.Close()
		}
	}
	if dropped > 0 {
		slog.Warn("patchbay broadcast dropped slow subscribers", "type", msg.Type, "dropped", dropped, "total", len(targets))
	}
}

// trySend enqueues a message without blocking the broadcaster beyond
// sendQueueWait; a subscriber whose queue stays full that long is considered
// stuck rather than merely momentarily busy, and the send is abandoned. The
// recover guards a narrow race: a broadcast snapshot can still hold a
// subscriber whose send channel closes concurrently as it disconnects.
func trySend(ch chan protocol.WSMessage, msg protocol.WSMessage) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- msg:
		return true
	case <-time.After(sendQueueWait):
		return false
	}
}

// Shutdown closes every subscriber connection. Used by the Hub Orchestrator
// during graceful shutdown. Closing the socket unblocks each subscriber's
// own ReadJSON loop in serve, which then runs its normal cleanup and closes
// send itself; Shutdown never touches send directly.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.conn.Close()
	}
}

func toProtocolSnapshot(g jackgraph.Graph) *protocol.GraphSnapshot {
	out := &protocol.GraphSnapshot{Clients: make([]protocol.GraphClient, 0, len(g.Clients))}
	for _, c := range g.Clients {
		pc := protocol.GraphClient{Name: c.Name, Ports: make([]protocol.GraphPort, 0, len(c.Ports))}
		for _, p := range c.Ports {
			pc.Ports = append(pc.Ports, protocol.GraphPort{
				Name:        p.Name,
				Direction:   string(p.Direction),
				Type:        string(p.Type),
				Connections: p.Connections,
			})
		}
		out.Clients = append(out.Clients, pc)
	}
	return out
}
