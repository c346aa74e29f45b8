package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"nodelab/pkg/errs"
	"nodelab/pkg/model"
)

// DefaultURLPrefix is where the gateway web client serves a connection.
const DefaultURLPrefix = "/guacamole/#/client/"

// Options configures a Sync.
type Options struct {
	// Hostname is the address the gateway daemon dials to reach node consoles.
	Hostname  string
	URLPrefix string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Sync publishes node consoles as gateway connections.
type Sync struct {
	repo     Repository
	hostname string
	prefix   string
	timeout  time.Duration
	log      *slog.Logger
}

func NewSync(repo Repository, opts Options) *Sync {
	if opts.URLPrefix == "" {
		opts.URLPrefix = DefaultURLPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sync{
		repo:     repo,
		hostname: opts.Hostname,
		prefix:   opts.URLPrefix,
		timeout:  opts.Timeout,
		log:      opts.Logger.With("component", "gateway"),
	}
}

// ConnectionName is the gateway-visible name of a node's connection.
func ConnectionName(nodeID string) string {
	return "Node-" + nodeID
}

// Publish makes the gateway point at node's console on slot. A node without a connection
// gets one; otherwise only its port is updated. The connection id is returned.
func (s *Sync) Publish(ctx context.Context, node model.Node, slot int) (int, error) {
	const op = "gateway.publish"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	port := strconv.Itoa(node.Kind.ConsolePort(slot))
	if node.GatewayConnectionID != nil {
		id := *node.GatewayConnectionID
		if err := s.repo.UpdateParameter(ctx, id, "port", port); err != nil {
			s.log.Error("gateway port update failed", "node_id", node.ID, "connection_id", id, "err", err)
			return 0, errs.Wrap(errs.KindGatewaySyncFailed, op, err, "update port of connection %d", id)
		}
		s.log.Info("gateway connection updated", "node_id", node.ID, "connection_id", id, "port", port)
		return id, nil
	}

	params := map[string]string{
		"hostname": s.hostname,
		"port":     port,
	}
	id, err := s.repo.CreateConnection(ctx, ConnectionName(node.ID), node.Kind.ConsoleProtocol(), params)
	if err != nil {
		s.log.Error("gateway connection insert failed", "node_id", node.ID, "err", err)
		return 0, errs.Wrap(errs.KindGatewaySyncFailed, op, err, "create connection for %s", node.ID)
	}
	s.log.Info("gateway connection created", "node_id", node.ID, "connection_id", id, "protocol", node.Kind.ConsoleProtocol(), "port", port)
	return id, nil
}

// Remove deletes a connection and its parameters.
func (s *Sync) Remove(ctx context.Context, connectionID int) error {
	const op = "gateway.remove"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.repo.DeleteConnection(ctx, connectionID); err != nil {
		return errs.Wrap(errs.KindGatewaySyncFailed, op, err, "delete connection %d", connectionID)
	}
	s.log.Info("gateway connection removed", "connection_id", connectionID)
	return nil
}

// URL is the browser path of a connection.
func (s *Sync) URL(connectionID int) string {
	return fmt.Sprintf("%s%d", s.prefix, connectionID)
}

func (s *Sync) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
