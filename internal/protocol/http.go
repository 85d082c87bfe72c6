// Package protocol defines the wire types shared by the HTTP API and the
// Graph WebSocket Hub: JSON request/response bodies and WebSocket message
// envelopes. Keeping them in one package lets both transports agree on field
// names without importing each other.
package protocol

// ErrorBody is the JSON shape of every non-2xx HTTP response.
type ErrorBody struct {
	Error string `json:"error"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// AuthResponse is returned by both register and login.
type AuthResponse struct {
	Token             string `json:"token"`
	UserID            int64  `json:"user_id,omitempty"`
	IsOwner           bool   `json:"is_owner"`
	HasPatchbayAccess bool   `json:"has_patchbay_access"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RoomSummary is one entry of GET /rooms. Passphrase material is never
// included here, by construction: the field doesn't exist on this type.
type RoomSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Creator         string `json:"creator"`
	Participants    int    `json:"participants"`
	MaxParticipants int    `json:"max_participants"`
	IsPrivate       bool   `json:"is_private"`
}

// CreateRoomRequest is the body of POST /rooms.
type CreateRoomRequest struct {
	Name            string `json:"name"`
	Passphrase      string `json:"passphrase,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

// JoinRoomRequest is the body of POST /rooms/{id}/join.
type JoinRoomRequest struct {
	Passphrase string `json:"passphrase,omitempty"`
}

// JoinRoomResponse tells the caller where to point its own transport client.
type JoinRoomResponse struct {
	HubHost        string `json:"hub_host"`
	JacktripPort   int    `json:"jacktrip_port"`
	ClientNameHint string `json:"client_name_hint"`
}

// StatusOK is the body of endpoints that only need to report success.
type StatusOK struct {
	Status string `json:"status"`
}

// ConnectRequest is the body of POST /jack/connect and /jack/disconnect.
type ConnectRequest struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

// UserSummary is one entry of GET /users.
type UserSummary struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	IsOwner           bool   `json:"is_owner"`
	HasPatchbayAccess bool   `json:"has_patchbay_access"`
}

// SetPermissionsRequest is the body of POST /users/{id}/permissions.
type SetPermissionsRequest struct {
	HasPatchbayAccess bool `json:"has_patchbay_access"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// GraphPort is one port in a graph snapshot.
type GraphPort struct {
	Name        string   `json:"name"`
	Direction   string   `json:"direction"`
	Type        string   `json:"type"`
	Connections []string `json:"connections"`
}

// GraphClient groups the ports of one audio-kernel client.
type GraphClient struct {
	Name  string      `json:"name"`
	Ports []GraphPort `json:"ports"`
}

// GraphSnapshot is the body of GET /jack/graph and the WebSocket snapshot frame.
type GraphSnapshot struct {
	Clients []GraphClient `json:"clients"`
}
