package model

import (
	"fmt"
	"strings"
)

// TapInfo describes a tap interface created on behalf of a node.
type TapInfo struct {
	Name   string `json:"name"`
	NodeID string `json:"nodeId"`
	Bridge string `json:"bridge,omitempty"`
}

// BridgeInfo describes a bridge and the taps enslaved to it.
type BridgeInfo struct {
	Name string   `json:"name"`
	Taps []string `json:"taps"`
}

// TapPrefix is the part of a node id that appears in its tap names. It keeps them under the
// 15 byte interface name limit, so two nodes must never share one.
func TapPrefix(nodeID string) string {
	s := strings.ReplaceAll(nodeID, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// TapNames returns the deterministic tap interface names a node owns:
// tap_<id> for standard nodes and tap_<id>_1, tap_<id>_2 for routers.
func TapNames(nodeID string, kind Kind) []string {
	base := "tap_" + TapPrefix(nodeID)
	if kind != KindRouter {
		return []string{base}
	}
	names := make([]string, 0, 2)
	for port := 1; port <= 2; port++ {
		names = append(names, fmt.Sprintf("%s_%d", base, port))
	}
	return names
}
