package model

import (
	"fmt"
	"time"
)

// Kind selects the base image, network topology and emulator flags of a node.
type Kind string

const (
	KindStandard Kind = "standard"
	KindRouter   Kind = "router"
)

// ParseKind accepts the kind names used in request paths.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStandard, KindRouter:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// TapCount is the number of tap interfaces a node of this kind owns.
func (k Kind) TapCount() int {
	if k == KindRouter {
		return 2
	}
	return 1
}

// Console ports of display slot 0.
const (
	VNCBasePort    = 5900
	SerialBasePort = 5000
)

// ConsoleProtocol is the remote-console protocol the gateway uses for this kind.
func (k Kind) ConsoleProtocol() string {
	if k == KindRouter {
		return "telnet"
	}
	return "vnc"
}

// ConsolePort is the TCP port of the console for a node holding slot.
func (k Kind) ConsolePort(slot int) int {
	if k == KindRouter {
		return SerialBasePort + slot
	}
	return VNCBasePort + slot
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusStopped Status = "Stopped"
	StatusRunning Status = "Running"
	StatusWiped   Status = "Wiped"
)

// Metadata is user-supplied and opaque to the lifecycle engine.
type Metadata struct {
	Name string `json:"name"`
}

// Node is the persisted record of a managed virtual machine.
type Node struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Meta                Metadata  `json:"meta"`
	Overlay             string    `json:"overlay"`
	Status              Status    `json:"status"`
	DisplaySlot         *int      `json:"displaySlot,omitempty"`
	GatewayConnectionID *int      `json:"gatewayConnectionId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Clone returns a deep copy; pointer fields are not shared.
func (n Node) Clone() Node {
	out := n
	if n.DisplaySlot != nil {
		v := *n.DisplaySlot
		out.DisplaySlot = &v
	}
	if n.GatewayConnectionID != nil {
		v := *n.GatewayConnectionID
		out.GatewayConnectionID = &v
	}
	return out
}

// NodeView is a Node as returned by the HTTP API, with the derived console URL.
type NodeView struct {
	Node
	GatewayURL *string `json:"gatewayUrl"`
}

// IntPtr is a small helper for the optional integer fields.
func IntPtr(v int) *int { return &v }
