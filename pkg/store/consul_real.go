//go:build consul

package store

import (
	"log/slog"

	"nodelab/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr, prefix string, log *slog.Logger) (*consul.Store, error) {
	log.Info("using consul store", "addr", addr, "prefix", prefix)
	return consul.NewStore(addr, prefix)
}
