package model

import "time"

// DiagCheck describes a single check result.
type DiagCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok/warn/fail/info
	Detail string `json:"detail,omitempty"`
}

// DiagReport is a point-in-time view of everything a running node depends on.
type DiagReport struct {
	NodeID    string      `json:"nodeId"`
	Summary   string      `json:"summary"` // ok/degraded
	Node      NodeView    `json:"node"`
	PID       int         `json:"pid,omitempty"`
	Args      []string    `json:"args,omitempty"`
	Output    string      `json:"output,omitempty"` // tail of emulator output
	Checks    []DiagCheck `json:"checks"`
	Timestamp time.Time   `json:"timestamp"`
}
