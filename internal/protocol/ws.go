package protocol

// WebSocket message types exchanged on /ws/patchbay.
const (
	WSTypeConnect    = "connect"
	WSTypeDisconnect = "disconnect"
	WSTypeRefresh    = "refresh"

	WSTypeSnapshot   = "snapshot"
	WSTypeEdgeAdded  = "edge_added"
	WSTypeEdgeRemove = "edge_removed"
	WSTypeError      = "error"
)

// WSMessage is the envelope for every frame sent in either direction on
// /ws/patchbay. Only the fields relevant to Type are populated.
type WSMessage struct {
	Type     string         `json:"type"`
	Source   string         `json:"source,omitempty"`
	Dest     string         `json:"dest,omitempty"`
	Error    string         `json:"error,omitempty"`
	Snapshot *GraphSnapshot `json:"snapshot,omitempty"`
}
