//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"nodelab/pkg/model"
)

const callTimeout = 5 * time.Second

// Store keeps node records and the audit log in Consul KV under a per-deployment prefix.
// Slots and taps are host-local, so each controller host should use its own prefix.
type Store struct {
	kv     *consulapi.KV
	status *consulapi.Status
	nodes  string
	audit  string
}

// NewStore connects to the agent at addr. prefix defaults to "nodelab".
func NewStore(addr, prefix string) (*Store, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "nodelab"
	}
	return &Store{
		kv:     cli.KV(),
		status: cli.Status(),
		nodes:  path.Join(prefix, "nodes") + "/",
		audit:  path.Join(prefix, "audit") + "/",
	}, nil
}

func (s *Store) UpsertNode(n model.Node) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	key := s.nodes + n.ID
	if _, err := s.kv.Put(&consulapi.KVPair{Key: key, Value: b}, writeOpts(ctx)); err != nil {
		return fmt.Errorf("consul put %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteNode(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := s.kv.Delete(s.nodes+id, writeOpts(ctx)); err != nil {
		return fmt.Errorf("consul delete %s: %w", s.nodes+id, err)
	}
	return nil
}

func (s *Store) GetNode(id string) (model.Node, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	kv, _, err := s.kv.Get(s.nodes+id, queryOpts(ctx))
	if err != nil {
		return model.Node{}, false, fmt.Errorf("consul get %s: %w", s.nodes+id, err)
	}
	if kv == nil {
		return model.Node{}, false, nil
	}
	var n model.Node
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return model.Node{}, false, fmt.Errorf("decode %s: %w", kv.Key, err)
	}
	return n, true, nil
}

// ListNodes returns every record ordered by creation time. A record that does not decode
// fails the whole call so it cannot silently drop out of reconciliation.
func (s *Store) ListNodes() ([]model.Node, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	pairs, _, err := s.kv.List(s.nodes, queryOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list %s: %w", s.nodes, err)
	}
	out := make([]model.Node, 0, len(pairs))
	var bad []error
	for _, p := range pairs {
		var n model.Node
		if err := json.Unmarshal(p.Value, &n); err != nil {
			bad = append(bad, fmt.Errorf("decode %s: %w", p.Key, err))
			continue
		}
		out = append(out, n)
	}
	if len(bad) > 0 {
		return nil, errors.Join(bad...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendAudit writes one key per entry; the zero-padded timestamp keeps keys in time order.
func (s *Store) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	key := fmt.Sprintf("%s%020d-%s-%s", s.audit, entry.Timestamp.UnixNano(), entry.Action, entry.Target)
	if _, err := s.kv.Put(&consulapi.KVPair{Key: key, Value: b}, writeOpts(ctx)); err != nil {
		return fmt.Errorf("consul put %s: %w", key, err)
	}
	return nil
}

// ListAudit returns the newest limit entries oldest first; limit <= 0 returns all.
func (s *Store) ListAudit(limit int) ([]model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	keys, _, err := s.kv.Keys(s.audit, "", queryOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul keys %s: %w", s.audit, err)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]model.AuditEntry, 0, len(keys))
	for _, k := range keys {
		kv, _, err := s.kv.Get(k, queryOpts(ctx))
		if err != nil {
			return nil, fmt.Errorf("consul get %s: %w", k, err)
		}
		if kv == nil {
			continue
		}
		var e model.AuditEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping checks that the agent answers and the cluster has a leader.
func (s *Store) Ping() error {
	leader, err := s.status.Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return errors.New("consul has no leader")
	}
	return nil
}

func queryOpts(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{}).WithContext(ctx)
}

func writeOpts(ctx context.Context) *consulapi.WriteOptions {
	return (&consulapi.WriteOptions{}).WithContext(ctx)
}
