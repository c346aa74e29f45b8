package model

import "time"

// AuditEntry captures a lifecycle operation against a node or the network fabric.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"` // create/run/stop/wipe/delete/bridge/reconcile
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
