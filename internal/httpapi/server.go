// Package httpapi implements the hub's REST surface: authentication, room
// lifecycle, and audio-graph endpoints. It is the one place that maps
// component-layer sentinel errors to status codes and JSON error bodies; no
// handler below it ever writes to an http.ResponseWriter directly.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"audiohub/server/internal/auth"
	"audiohub/server/internal/jackgraph"
	"audiohub/server/internal/permission"
	"audiohub/server/internal/protocol"
	"audiohub/server/internal/rooms"
	"audiohub/server/internal/wsgraph"
)

// userContextKey is the Echo context key under which the authenticated
// caller (if any) is stashed by the auth middleware.
const userContextKey = "hub_user"

// Version is the hub's build version, overridable via -ldflags.
var Version = "0.1.0-dev"

// Server is the Echo application backing the hub's REST surface.
type Server struct {
	echo *echo.Echo

	auth           *auth.Store
	rooms          *rooms.Registry
	graph          jackgraph.Adapter
	ws             *wsgraph.Hub
	singleRoomMode bool
}

// New constructs the Echo app and registers the full route table.
func New(authStore *auth.Store, reg *rooms.Registry, graph jackgraph.Adapter, wsHub *wsgraph.Hub, singleRoomMode bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{
		echo:           e,
		auth:           authStore,
		rooms:          reg,
		graph:          graph,
		ws:             wsHub,
		singleRoomMode: singleRoomMode,
	}
	s.registerRoutes()
	wsHub.Register(e)
	return s
}

// Echo exposes the underlying Echo instance, for tests and for the Hub
// Orchestrator to mount alongside the WebSocket route.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	s.echo.POST("/auth/register", s.handleRegister)
	s.echo.POST("/auth/login", s.handleLogin)

	s.echo.GET("/rooms", s.withAuth(s.handleListRooms))
	s.echo.POST("/rooms", s.withAuth(s.handleCreateRoom))
	s.echo.GET("/rooms/:id", s.withAuth(s.handleGetRoom))
	s.echo.POST("/rooms/:id/join", s.withAuth(s.handleJoinRoom))
	s.echo.POST("/rooms/:id/leave", s.withAuth(s.handleLeaveRoom))

	s.echo.GET("/jack/graph", s.withAuth(s.handleGraphSnapshot))
	s.echo.POST("/jack/connect", s.withAuth(s.handleGraphConnect))
	s.echo.POST("/jack/disconnect", s.withAuth(s.handleGraphDisconnect))

	s.echo.GET("/users", s.withAuth(s.handleListUsers))
	s.echo.POST("/users/:id/permissions", s.withAuth(s.handleSetPermissions))
}

// requestLogger logs every request via slog, quieting the high-volume
// health and websocket-upgrade endpoints to debug level.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if req.URL.Path == "/health" || req.URL.Path == "/ws/patchbay" {
				slog.Debug("http request", fields...)
			} else {
				slog.Info("http request", append(fields, "remote", c.RealIP())...)
			}
			return nil
		}
	}
}

// withAuth resolves the bearer token, rejecting the request with 401 if
// missing or unknown, and stores the resolved caller on the context for the
// wrapped handler.
func (s *Server) withAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		user, err := s.auth.Resolve(c.Request().Context(), token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

func callerFrom(c echo.Context) auth.User {
	u, _ := c.Get(userContextKey).(auth.User)
	return u
}

func asPermCaller(u auth.User, authenticated bool) permission.Caller {
	return permission.Caller{
		Authenticated:     authenticated,
		IsOwner:           u.IsOwner,
		HasPatchbayAccess: u.HasPatchbayAccess,
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleRegister(c echo.Context) error {
	var req protocol.RegisterRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	user, token, err := s.auth.Register(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNameTaken):
			return echo.NewHTTPError(http.StatusConflict, "username already taken")
		case errors.Is(err, auth.ErrUsernameRequired):
			return echo.NewHTTPError(http.StatusBadRequest, "username is required")
		case errors.Is(err, auth.ErrPasswordRequired):
			return echo.NewHTTPError(http.StatusBadRequest, "password is required")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
		}
	}
	return c.JSON(http.StatusOK, protocol.AuthResponse{
		Token:             token,
		UserID:            user.ID,
		IsOwner:           user.IsOwner,
		HasPatchbayAccess: user.HasPatchbayAccess,
	})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req protocol.LoginRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	user, token, err := s.auth.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "bad credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}
	return c.JSON(http.StatusOK, protocol.AuthResponse{
		Token:             token,
		IsOwner:           user.IsOwner,
		HasPatchbayAccess: user.HasPatchbayAccess,
	})
}

func (s *Server) handleListRooms(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionListRooms, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	}
	summaries := s.rooms.List()
	out := make([]protocol.RoomSummary, 0, len(summaries))
	for _, r := range summaries {
		out = append(out, toRoomSummary(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	caller := asPermCaller(callerFrom(c), true)
	if !permission.Authorize(caller, permission.ActionCreateRoom, permission.Context{MultiRoomMode: !s.singleRoomMode}) {
		return echo.NewHTTPError(http.StatusForbidden, "room creation disabled")
	}
	var req protocol.CreateRoomRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	user := callerFrom(c)
	sum, err := s.rooms.Create(c.Request().Context(), user.ID, user.Name, req.Name, req.Passphrase, req.MaxParticipants)
	if err != nil {
		return roomCreateError(err)
	}
	return c.JSON(http.StatusOK, toRoomSummary(sum))
}

func (s *Server) handleGetRoom(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionListRooms, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	}
	sum, err := s.rooms.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, toRoomSummary(sum))
}

func (s *Server) handleJoinRoom(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionJoinRoom, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	}
	var req protocol.JoinRoomRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	user := callerFrom(c)
	info, err := s.rooms.Join(c.Param("id"), user.ID, user.Name, req.Passphrase)
	if err != nil {
		return roomJoinError(err)
	}
	return c.JSON(http.StatusOK, protocol.JoinRoomResponse{
		HubHost:        info.HubHost,
		JacktripPort:   info.JacktripPort,
		ClientNameHint: info.ClientNameHint,
	})
}

func (s *Server) handleLeaveRoom(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.rooms.Get(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	user := callerFrom(c)
	caller := asPermCaller(user, true)
	if !permission.Authorize(caller, permission.ActionLeaveRoom, permission.Context{IsParticipant: s.rooms.IsParticipant(id, user.ID)}) {
		return echo.NewHTTPError(http.StatusForbidden, "not a participant")
	}
	if err := s.rooms.Leave(id, user.ID); err != nil {
		switch {
		case errors.Is(err, rooms.ErrUnknown):
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		case errors.Is(err, rooms.ErrNotIn):
			return echo.NewHTTPError(http.StatusBadRequest, "not a participant")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "leave failed")
		}
	}
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (s *Server) handleGraphSnapshot(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionViewGraph, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	}
	snap, err := s.graph.Snapshot(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read graph")
	}
	return c.JSON(http.StatusOK, toGraphSnapshot(snap))
}

func (s *Server) handleGraphConnect(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionMutateGraph, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "patchbay access required")
	}
	var req protocol.ConnectRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.graph.Connect(c.Request().Context(), req.Source, req.Dest); err != nil {
		return graphMutateError(err)
	}
	s.ws.BroadcastEdgeAdded(req.Source, req.Dest)
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (s *Server) handleGraphDisconnect(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionMutateGraph, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "patchbay access required")
	}
	var req protocol.ConnectRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.graph.Disconnect(c.Request().Context(), req.Source, req.Dest); err != nil {
		return graphMutateError(err)
	}
	s.ws.BroadcastEdgeRemoved(req.Source, req.Dest)
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (s *Server) handleListUsers(c echo.Context) error {
	if !permission.Authorize(asPermCaller(callerFrom(c), true), permission.ActionListUsers, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "owner only")
	}
	users, err := s.auth.Users(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list users")
	}
	out := make([]protocol.UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.UserSummary{
			ID:                u.ID,
			Name:              u.Name,
			IsOwner:           u.IsOwner,
			HasPatchbayAccess: u.HasPatchbayAccess,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSetPermissions(c echo.Context) error {
	caller := callerFrom(c)
	if !permission.Authorize(asPermCaller(caller, true), permission.ActionSetPermissions, permission.Context{}) {
		return echo.NewHTTPError(http.StatusForbidden, "owner only")
	}
	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	var req protocol.SetPermissionsRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	if err := s.auth.Grant(c.Request().Context(), caller, targetID, req.HasPatchbayAccess); err != nil {
		if errors.Is(err, auth.ErrNotOwner) {
			return echo.NewHTTPError(http.StatusForbidden, "owner only")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update permissions")
	}
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

// bindStrict decodes the JSON request body with DisallowUnknownFields, so a
// client-supplied field with no matching struct tag is a 400, not a
// silently-dropped value.
func bindStrict(c echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func roomCreateError(err error) error {
	switch {
	case errors.Is(err, rooms.ErrDisallowed):
		return echo.NewHTTPError(http.StatusForbidden, "room creation disabled")
	case errors.Is(err, rooms.ErrNameRequired):
		return echo.NewHTTPError(http.StatusBadRequest, "room name is required")
	case errors.Is(err, rooms.ErrCapacity):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "port pool exhausted")
	case errors.Is(err, rooms.ErrSpawnFailed):
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start room transport")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "room creation failed")
	}
}

func roomJoinError(err error) error {
	switch {
	case errors.Is(err, rooms.ErrUnknown):
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	case errors.Is(err, rooms.ErrBadPassphrase):
		return echo.NewHTTPError(http.StatusBadRequest, "bad passphrase")
	case errors.Is(err, rooms.ErrFull):
		return echo.NewHTTPError(http.StatusConflict, "room is full")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "join failed")
	}
}

func graphMutateError(err error) error {
	switch {
	case errors.Is(err, jackgraph.ErrInvalidPort):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid port name")
	case errors.Is(err, jackgraph.ErrIncompatibleDirection):
		return echo.NewHTTPError(http.StatusBadRequest, "incompatible port direction")
	case errors.Is(err, jackgraph.ErrAlreadyConnected):
		return echo.NewHTTPError(http.StatusConflict, "ports already connected")
	case errors.Is(err, jackgraph.ErrNotConnected):
		return echo.NewHTTPError(http.StatusBadRequest, "ports not connected")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "graph operation failed")
	}
}

func toRoomSummary(r rooms.Summary) protocol.RoomSummary {
	return protocol.RoomSummary{
		ID:              r.ID,
		Name:            r.Name,
		Creator:         r.Creator,
		Participants:    r.Participants,
		MaxParticipants: r.MaxParticipants,
		IsPrivate:       r.IsPrivate,
	}
}

func toGraphSnapshot(g jackgraph.Graph) protocol.GraphSnapshot {
	out := protocol.GraphSnapshot{Clients: make([]protocol.GraphClient, 0, len(g.Clients))}
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

// jsonErrorHandler renders every Echo error (including ones raised by
// middleware) as a {"error": "..."} body, never leaking a stack trace or
// internal detail to the client.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	} else {
		slog.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
	}
	_ = c.JSON(code, protocol.ErrorBody{Error: msg})
}
