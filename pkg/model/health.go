package model

import "time"

// HealthReport is the controller's own health summary.
type HealthReport struct {
	Status     string    `json:"status"` // up/degraded
	Nodes      int       `json:"nodes"`
	Running    int       `json:"running"`
	SlotsInUse int       `json:"slotsInUse"`
	SlotsFree  int       `json:"slotsFree"`
	Store      string    `json:"store"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}
