package registry

import (
	"context"
	"fmt"

	"nodelab/pkg/errs"
	"nodelab/pkg/model"
	"nodelab/pkg/supervisor"
)

// Run boots a node: reserve a display slot, ensure its taps, start the emulator and publish
// the console. A node already running with a live emulator is only re-published.
// On failure everything acquired by this call is released and the record is left unchanged.
func (r *Registry) Run(ctx context.Context, id string) (model.NodeView, error) {
	const op = "registry.run"
	unlock := r.locks.Lock(id)
	defer unlock()

	n, err := r.load(op, id)
	if err != nil {
		return model.NodeView{}, err
	}
	if n.Status == model.StatusWiped {
		return model.NodeView{}, errs.New(errs.KindInvalidState, op, "node was wiped; stop it before running again")
	}
	if n.Status == model.StatusRunning && n.DisplaySlot != nil && r.procs.Alive(id) {
		return r.republish(ctx, n)
	}

	var (
		slot     int
		reserved bool
		started  bool
	)
	if n.DisplaySlot != nil {
		slot = *n.DisplaySlot
	} else {
		if slot, err = r.pool.Reserve(); err != nil {
			r.log.Warn("no display slot left", "node_id", id)
			return model.NodeView{}, err
		}
		reserved = true
	}
	compensate := func(cause error) (model.NodeView, error) {
		if started {
			if err := r.procs.Stop(id); err != nil {
				r.log.Error("compensation: stop emulator failed", "node_id", id, "err", err)
			}
		}
		if reserved {
			r.pool.Release(slot)
		}
		r.log.Warn("run rolled back", "node_id", id, "slot", slot, "started", started, "err", cause)
		return model.NodeView{}, cause
	}

	taps := model.TapNames(id, n.Kind)
	for _, tap := range taps {
		if err := r.network.EnsureTap(ctx, tap, id); err != nil {
			return compensate(err)
		}
	}
	if _, err := r.procs.Start(ctx, supervisor.StartRequest{
		NodeID:  id,
		Slot:    slot,
		Kind:    n.Kind,
		RAMMB:   r.ramMB,
		Overlay: n.Overlay,
		Taps:    taps,
	}); err != nil {
		return compensate(err)
	}
	started = true

	next := n.Clone()
	next.Status = model.StatusRunning
	next.DisplaySlot = model.IntPtr(slot)
	connID, err := r.gateway.Publish(ctx, next, slot)
	if err != nil {
		return compensate(err)
	}
	createdConn := next.GatewayConnectionID == nil
	next.GatewayConnectionID = model.IntPtr(connID)
	next.UpdatedAt = r.now()
	if err := r.store.UpsertNode(next); err != nil {
		if createdConn {
			if rerr := r.gateway.Remove(context.WithoutCancel(ctx), connID); rerr != nil {
				r.log.Error("compensation: remove gateway connection failed", "node_id", id, "connection_id", connID, "err", rerr)
			}
		}
		return compensate(fmt.Errorf("persist node: %w", err))
	}

	r.log.Info("node running", "node_id", id, "slot", slot, "connection_id", connID)
	r.record(ctx, "run", id, fmt.Sprintf("slot %d", slot))
	r.publish(model.EventNodeUpdated, next)
	return r.view(next), nil
}

func (r *Registry) republish(ctx context.Context, n model.Node) (model.NodeView, error) {
	connID, err := r.gateway.Publish(ctx, n, *n.DisplaySlot)
	if err != nil {
		return model.NodeView{}, err
	}
	if n.GatewayConnectionID == nil || *n.GatewayConnectionID != connID {
		n.GatewayConnectionID = model.IntPtr(connID)
		n.UpdatedAt = r.now()
		if err := r.store.UpsertNode(n); err != nil {
			return model.NodeView{}, fmt.Errorf("persist node: %w", err)
		}
	}
	r.log.Info("node already running, console re-published", "node_id", n.ID, "slot", *n.DisplaySlot)
	return r.view(n), nil
}

// Stop terminates the emulator, releases the slot and marks the node Stopped. Valid from any
// state; a failed termination is logged and the record still settles.
func (r *Registry) Stop(ctx context.Context, id string) (model.NodeView, error) {
	const op = "registry.stop"
	unlock := r.locks.Lock(id)
	defer unlock()

	n, err := r.load(op, id)
	if err != nil {
		return model.NodeView{}, err
	}
	r.terminate(id)
	slot := n.DisplaySlot
	n.Status = model.StatusStopped
	n.DisplaySlot = nil
	n.UpdatedAt = r.now()
	if err := r.store.UpsertNode(n); err != nil {
		return model.NodeView{}, fmt.Errorf("persist node: %w", err)
	}
	if slot != nil {
		r.pool.Release(*slot)
	}
	r.log.Info("node stopped", "node_id", id)
	r.record(ctx, "stop", id, "")
	r.publish(model.EventNodeUpdated, n)
	return r.view(n), nil
}

// Wipe stops the node and replaces its overlay with a fresh one. If the overlay cannot be
// recreated the node is left Stopped with its slot released.
func (r *Registry) Wipe(ctx context.Context, id string) (model.NodeView, error) {
	const op = "registry.wipe"
	unlock := r.locks.Lock(id)
	defer unlock()

	n, err := r.load(op, id)
	if err != nil {
		return model.NodeView{}, err
	}
	r.terminate(id)
	slot := n.DisplaySlot
	n.DisplaySlot = nil
	n.UpdatedAt = r.now()

	path, createErr := r.overlays.Create(ctx, id, n.Kind)
	if createErr != nil {
		n.Status = model.StatusStopped
	} else {
		n.Status = model.StatusWiped
		n.Overlay = path
	}
	if err := r.store.UpsertNode(n); err != nil {
		return model.NodeView{}, fmt.Errorf("persist node: %w", err)
	}
	if slot != nil {
		r.pool.Release(*slot)
	}
	r.publish(model.EventNodeUpdated, n)
	if createErr != nil {
		r.log.Error("wipe failed to recreate overlay", "node_id", id, "err", createErr)
		r.record(ctx, "wipe", id, "overlay recreation failed")
		return model.NodeView{}, createErr
	}
	r.log.Info("node wiped", "node_id", id)
	r.record(ctx, "wipe", id, "")
	return r.view(n), nil
}

// Delete stops the node, removes its gateway connection and overlay, and drops the record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	const op = "registry.delete"
	unlock := r.locks.Lock(id)
	defer unlock()

	n, err := r.load(op, id)
	if err != nil {
		return err
	}
	r.terminate(id)
	if n.DisplaySlot != nil {
		slot := *n.DisplaySlot
		n.Status = model.StatusStopped
		n.DisplaySlot = nil
		n.UpdatedAt = r.now()
		if err := r.store.UpsertNode(n); err != nil {
			return fmt.Errorf("persist node: %w", err)
		}
		r.pool.Release(slot)
	}
	if n.GatewayConnectionID != nil {
		if err := r.gateway.Remove(ctx, *n.GatewayConnectionID); err != nil {
			return err
		}
	}
	if err := r.overlays.Remove(id); err != nil {
		return errs.Wrap(errs.KindOverlayCreationFailed, op, err, "remove overlay")
	}
	if err := r.store.DeleteNode(id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	r.log.Info("node deleted", "node_id", id)
	r.record(ctx, "delete", id, "")
	r.notify(model.Event{Type: model.EventNodeDeleted, NodeID: id, Time: r.now()})
	return nil
}

// terminate stops the emulator for id. The supervisor forgets the handle before signalling,
// so a failure here only needs logging.
func (r *Registry) terminate(id string) {
	if err := r.procs.Stop(id); err != nil {
		r.log.Error("terminate emulator failed", "node_id", id, "err", err)
	}
}
