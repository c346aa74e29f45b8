package model

import "time"

// Event types pushed to /events subscribers.
const (
	EventNodeUpdated   = "node.updated"
	EventNodeDeleted   = "node.deleted"
	EventBridgeCreated = "bridge.created"
)

// Event notifies subscribers of a state change.
type Event struct {
	Type   string      `json:"type"`
	NodeID string      `json:"nodeId,omitempty"`
	Node   *NodeView   `json:"node,omitempty"`
	Bridge *BridgeInfo `json:"bridge,omitempty"`
	Time   time.Time   `json:"time"`
}
