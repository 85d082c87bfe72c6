// Package permission implements the Permission Kernel: a single predicate
// enforcing owner, authentication, and patchbay-access rules against every
// mutating request, evaluated by the HTTP API and the Graph WebSocket Hub
// before any state mutation.
package permission

// Action identifies one controllable operation.
type Action string

const (
	ActionRegister       Action = "register"
	ActionLogin          Action = "login"
	ActionListRooms      Action = "list_rooms"
	ActionCreateRoom     Action = "create_room"
	ActionJoinRoom       Action = "join_room"
	ActionLeaveRoom      Action = "leave_room"
	ActionViewGraph      Action = "view_graph"
	ActionMutateGraph    Action = "mutate_graph"
	ActionListUsers      Action = "list_users"
	ActionSetPermissions Action = "set_permissions"
)

// Caller is the authenticated identity (or lack of one) attempting an action.
type Caller struct {
	Authenticated     bool
	IsOwner           bool
	HasPatchbayAccess bool
}

// Context carries the request-specific facts Authorize needs beyond the
// caller's identity: whether the hub runs in multi-room mode, and whether
// the caller is already a participant of the room being acted on.
type Context struct {
	MultiRoomMode bool
	IsParticipant bool
}

// Authorize implements the policy table: unauthenticated actions first,
// then authenticated-only actions, then the actions with an extra
// precondition on top of authentication.
func Authorize(caller Caller, action Action, ctx Context) bool {
	switch action {
	case ActionRegister, ActionLogin:
		return true
	case ActionListRooms, ActionJoinRoom, ActionViewGraph:
		return caller.Authenticated
	case ActionCreateRoom:
		return caller.Authenticated && ctx.MultiRoomMode
	case ActionLeaveRoom:
		return caller.Authenticated && ctx.IsParticipant
	case ActionMutateGraph:
		return caller.Authenticated && caller.HasPatchbayAccess
	case ActionListUsers:
		return caller.Authenticated && caller.IsOwner
	case ActionSetPermissions:
		return caller.Authenticated && caller.IsOwner
	default:
		return false
	}
}
