package store

import (
	"sort"

	"nodelab/pkg/model"
)

// NodeStore persists node records.
type NodeStore interface {
	UpsertNode(model.Node) error
	DeleteNode(id string) error
	GetNode(id string) (model.Node, bool, error)
	ListNodes() ([]model.Node, error)
}

// AuditLog records lifecycle operations.
type AuditLog interface {
	AppendAudit(model.AuditEntry) error
	// ListAudit returns the newest limit entries in chronological order; limit <= 0 returns all.
	ListAudit(limit int) ([]model.AuditEntry, error)
}

// sortNodes orders records by creation time, then id, so listings and the state file are stable.
func sortNodes(nodes []model.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func tailAudit(entries []model.AuditEntry, limit int) []model.AuditEntry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]model.AuditEntry, 0, limit)
	return append(out, entries[len(entries)-limit:]...)
}
