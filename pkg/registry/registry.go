package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nodelab/pkg/alloc"
	"nodelab/pkg/errs"
	"nodelab/pkg/model"
	"nodelab/pkg/store"
	"nodelab/pkg/supervisor"
)

// Overlays creates and removes per-node disks.
type Overlays interface {
	Create(ctx context.Context, nodeID string, kind model.Kind) (string, error)
	Exists(nodeID string) bool
	Remove(nodeID string) error
}

// Network provisions taps and bridges.
type Network interface {
	EnsureTap(ctx context.Context, name, nodeID string) error
	Bridge(ctx context.Context, tapA, tapB string) (string, error)
	Taps() map[string]model.TapInfo
	Bridges() []model.BridgeInfo
	TapExists(name string) (bool, error)
}

// Processes runs emulators.
type Processes interface {
	Start(ctx context.Context, req supervisor.StartRequest) (*supervisor.Handle, error)
	Stop(nodeID string) error
	StopAll()
	Alive(nodeID string) bool
	Handle(nodeID string) (*supervisor.Handle, bool)
	SetOnExit(fn supervisor.ExitFunc)
}

// Gateway publishes node consoles to the remote-console gateway.
type Gateway interface {
	Publish(ctx context.Context, node model.Node, slot int) (int, error)
	Remove(ctx context.Context, connectionID int) error
	URL(connectionID int) string
}

// Options wires a Registry.
type Options struct {
	Store     store.NodeStore
	Audit     store.AuditLog
	Overlays  Overlays
	Network   Network
	Processes Processes
	Gateway   Gateway
	Pool      *alloc.Pool
	RAMMB     int
	Logger    *slog.Logger
	// Notify receives every state change; it must not block.
	Notify func(model.Event)
	Now    func() time.Time
	NewID  func() string
}

// Registry owns node records and drives them through their lifecycle.
type Registry struct {
	store    store.NodeStore
	audit    store.AuditLog
	overlays Overlays
	network  Network
	procs    Processes
	gateway  Gateway
	pool     *alloc.Pool
	ramMB    int
	locks    *keyedMutex
	log      *slog.Logger
	notify   func(model.Event)
	now      func() time.Time
	newID    func() string

	idMu     sync.Mutex
	creating map[string]struct{} // tap prefixes of creates in flight
}

// maxIDAttempts bounds how often Create re-rolls an id whose tap prefix is taken.
const maxIDAttempts = 5

// New builds a Registry and reconciles persisted records with the host: nodes recorded as
// Running without a live emulator become Stopped and release their slot.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Pool == nil {
		opts.Pool = alloc.NewPool()
	}
	if opts.Audit == nil {
		opts.Audit = store.NewMemoryStore()
	}
	if opts.RAMMB <= 0 {
		opts.RAMMB = 2048
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = func(model.Event) {}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	r := &Registry{
		store:    opts.Store,
		audit:    opts.Audit,
		overlays: opts.Overlays,
		network:  opts.Network,
		procs:    opts.Processes,
		gateway:  opts.Gateway,
		pool:     opts.Pool,
		ramMB:    opts.RAMMB,
		locks:    newKeyedMutex(),
		log:      opts.Logger.With("component", "registry"),
		notify:   opts.Notify,
		now:      opts.Now,
		newID:    opts.NewID,
		creating: map[string]struct{}{},
	}
	if err := r.reconcile(ctx); err != nil {
		return nil, err
	}
	r.procs.SetOnExit(r.handleExit)
	return r, nil
}

func (r *Registry) reconcile(ctx context.Context) error {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n.DisplaySlot == nil {
			if n.Status == model.StatusRunning {
				r.log.Warn("running node without slot, marking stopped", "node_id", n.ID)
				if err := r.settleStopped(n, "no display slot recorded"); err != nil {
					return err
				}
			}
			continue
		}
		slot := *n.DisplaySlot
		if n.Status == model.StatusRunning && r.procs.Alive(n.ID) && r.pool.Hold(slot) {
			continue
		}
		r.log.Warn("reconciling stale node", "node_id", n.ID, "status", n.Status, "slot", slot)
		if err := r.procs.Stop(n.ID); err != nil {
			r.log.Warn("stop during reconcile failed", "node_id", n.ID, "err", err)
		}
		if err := r.settleStopped(n, fmt.Sprintf("emulator not running, released slot %d", slot)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) settleStopped(n model.Node, detail string) error {
	if n.Status == model.StatusRunning {
		n.Status = model.StatusStopped
	}
	n.DisplaySlot = nil
	n.UpdatedAt = r.now()
	if err := r.store.UpsertNode(n); err != nil {
		return fmt.Errorf("reconcile %s: %w", n.ID, err)
	}
	r.record(context.Background(), "reconcile", n.ID, detail)
	return nil
}

// handleExit runs when an emulator dies on its own.
func (r *Registry) handleExit(nodeID string, _ *supervisor.Handle, exitErr error) {
	unlock := r.locks.Lock(nodeID)
	defer unlock()
	if r.procs.Alive(nodeID) {
		return
	}
	n, ok, err := r.store.GetNode(nodeID)
	if err != nil || !ok || n.Status != model.StatusRunning {
		return
	}
	slot := n.DisplaySlot
	n.Status = model.StatusStopped
	n.DisplaySlot = nil
	n.UpdatedAt = r.now()
	if err := r.store.UpsertNode(n); err != nil {
		r.log.Error("persist after emulator exit failed", "node_id", nodeID, "err", err)
		return
	}
	if slot != nil {
		r.pool.Release(*slot)
	}
	detail := "emulator exited"
	if exitErr != nil {
		detail += ": " + exitErr.Error()
	}
	r.record(context.Background(), "exit", nodeID, detail)
	r.publish(model.EventNodeUpdated, n)
}

// Create provisions an overlay and records a Stopped node.
func (r *Registry) Create(ctx context.Context, kind model.Kind, meta model.Metadata) (model.NodeView, error) {
	const op = "registry.create"
	if _, err := model.ParseKind(string(kind)); err != nil {
		return model.NodeView{}, errs.New(errs.KindInvalidInput, op, err.Error())
	}
	id, err := r.reserveID(op)
	if err != nil {
		return model.NodeView{}, err
	}
	defer r.releaseID(id)
	unlock := r.locks.Lock(id)
	defer unlock()

	path, err := r.overlays.Create(ctx, id, kind)
	if err != nil {
		return model.NodeView{}, err
	}
	now := r.now()
	n := model.Node{
		ID:        id,
		Kind:      kind,
		Meta:      meta,
		Overlay:   path,
		Status:    model.StatusStopped,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertNode(n); err != nil {
		if rerr := r.overlays.Remove(id); rerr != nil {
			r.log.Warn("overlay cleanup failed", "node_id", id, "err", rerr)
		}
		return model.NodeView{}, fmt.Errorf("persist node: %w", err)
	}
	r.log.Info("node created", "node_id", id, "kind", kind, "name", meta.Name)
	r.record(ctx, "create", id, string(kind))
	r.publish(model.EventNodeUpdated, n)
	return r.view(n), nil
}

// reserveID draws an id whose tap prefix no existing node or in-flight create uses.
func (r *Registry) reserveID(op string) (string, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	nodes, err := r.store.ListNodes()
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	taken := make(map[string]struct{}, len(nodes)+len(r.creating))
	for _, n := range nodes {
		taken[model.TapPrefix(n.ID)] = struct{}{}
	}
	for p := range r.creating {
		taken[p] = struct{}{}
	}
	for range maxIDAttempts {
		id := r.newID()
		p := model.TapPrefix(id)
		if _, dup := taken[p]; dup {
			r.log.Warn("node id tap prefix in use, drawing another", "prefix", p)
			continue
		}
		r.creating[p] = struct{}{}
		return id, nil
	}
	return "", errs.New(errs.KindConflict, op, "could not draw a node id with an unused tap prefix")
}

func (r *Registry) releaseID(id string) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	delete(r.creating, model.TapPrefix(id))
}

// Get returns a single node.
func (r *Registry) Get(_ context.Context, id string) (model.NodeView, error) {
	n, err := r.load("registry.get", id)
	if err != nil {
		return model.NodeView{}, err
	}
	return r.view(n), nil
}

// List returns all nodes with their console URLs.
func (r *Registry) List(_ context.Context) ([]model.NodeView, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]model.NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, r.view(n))
	}
	return out, nil
}

// Taps lists taps created for nodes.
func (r *Registry) Taps() map[string]model.TapInfo {
	return r.network.Taps()
}

// Bridges lists bridges created by this controller.
func (r *Registry) Bridges() []model.BridgeInfo {
	return r.network.Bridges()
}

// Bridge joins two taps with a new bridge.
func (r *Registry) Bridge(ctx context.Context, tapA, tapB string) (string, error) {
	name, err := r.network.Bridge(ctx, tapA, tapB)
	if err != nil {
		return "", err
	}
	r.record(ctx, "bridge", name, tapA+"<->"+tapB)
	r.notify(model.Event{
		Type:   model.EventBridgeCreated,
		Bridge: &model.BridgeInfo{Name: name, Taps: []string{tapA, tapB}},
		Time:   r.now(),
	})
	return name, nil
}

// Audit returns the newest limit audit entries.
func (r *Registry) Audit(limit int) ([]model.AuditEntry, error) {
	return r.audit.ListAudit(limit)
}

// SlotsInUse is the number of display slots currently held.
func (r *Registry) SlotsInUse() int {
	return r.pool.InUse()
}

// Close stops every emulator. Records keep their state and are reconciled on next start.
func (r *Registry) Close() {
	r.procs.StopAll()
}

func (r *Registry) load(op, id string) (model.Node, error) {
	n, ok, err := r.store.GetNode(id)
	if err != nil {
		return model.Node{}, fmt.Errorf("load node %s: %w", id, err)
	}
	if !ok {
		return model.Node{}, errs.New(errs.KindNodeNotFound, op, id)
	}
	return n, nil
}

func (r *Registry) view(n model.Node) model.NodeView {
	v := model.NodeView{Node: n}
	if n.GatewayConnectionID != nil {
		u := r.gateway.URL(*n.GatewayConnectionID)
		v.GatewayURL = &u
	}
	return v
}

func (r *Registry) record(ctx context.Context, action, target, detail string) {
	entry := model.AuditEntry{
		Actor:     ActorFrom(ctx),
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: r.now(),
	}
	if err := r.audit.AppendAudit(entry); err != nil {
		r.log.Warn("audit append failed", "action", action, "target", target, "err", err)
	}
}

func (r *Registry) publish(typ string, n model.Node) {
	v := r.view(n)
	r.notify(model.Event{Type: typ, NodeID: n.ID, Node: &v, Time: r.now()})
}

type actorKey struct{}

// WithActor tags ctx with who triggered an operation, for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
