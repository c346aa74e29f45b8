package netfabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"nodelab/pkg/errs"
	"nodelab/pkg/model"
)

// Fabric creates tap interfaces for nodes and joins pairs of them with bridges.
// Taps and bridges live for the lifetime of the host; Fabric only remembers what it made.
type Fabric struct {
	mu         sync.Mutex
	links      Links
	owner      uint32
	taps       map[string]*model.TapInfo
	bridges    []*model.BridgeInfo
	nextBridge int
	log        *slog.Logger
}

func New(links Links, owner uint32, log *slog.Logger) *Fabric {
	if log == nil {
		log = slog.Default()
	}
	return &Fabric{
		links: links,
		owner: owner,
		taps:  make(map[string]*model.TapInfo),
		log:   log.With("component", "netfabric"),
	}
}

// EnsureTap makes sure a tap called name exists and is up. An existing interface is left
// untouched. nodeID is recorded as the tap's owner for diagnostics.
func (f *Fabric) EnsureTap(ctx context.Context, name, nodeID string) error {
	const op = "netfabric.ensure_tap"
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindNetworkSetupFailed, op, err, "tap %s", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	exists, err := f.links.Exists(name)
	if err != nil {
		return errs.Wrap(errs.KindNetworkSetupFailed, op, err, "lookup %s", name)
	}
	if !exists {
		if err := f.links.AddTap(name, f.owner); err != nil {
			return errs.Wrap(errs.KindNetworkSetupFailed, op, err, "add tap %s", name)
		}
		if err := f.links.SetUp(name); err != nil {
			return errs.Wrap(errs.KindNetworkSetupFailed, op, err, "set %s up", name)
		}
		f.log.Info("tap created", "tap", name, "node_id", nodeID)
	}
	if info, ok := f.taps[name]; ok {
		info.NodeID = nodeID
	} else {
		f.taps[name] = &model.TapInfo{Name: name, NodeID: nodeID}
	}
	return nil
}

// Bridge creates the next brN bridge and enslaves tapA and tapB to it.
// A tap already joined to a bridge made here is rejected with KindConflict.
func (f *Fabric) Bridge(ctx context.Context, tapA, tapB string) (string, error) {
	const op = "netfabric.bridge"
	if tapA == tapB {
		return "", errs.New(errs.KindInvalidInput, op, "cannot bridge a tap to itself")
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "%s<->%s", tapA, tapB)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, tap := range []string{tapA, tapB} {
		if info, ok := f.taps[tap]; ok && info.Bridge != "" {
			return "", errs.New(errs.KindConflict, op, fmt.Sprintf("tap %s already joined to %s", tap, info.Bridge))
		}
		exists, err := f.links.Exists(tap)
		if err != nil {
			return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "lookup %s", tap)
		}
		if !exists {
			return "", errs.New(errs.KindNetworkSetupFailed, op, fmt.Sprintf("tap %s does not exist", tap))
		}
	}

	name, err := f.nextBridgeNameLocked()
	if err != nil {
		return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "pick bridge name")
	}
	if err := f.links.AddBridge(name); err != nil {
		return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "add bridge %s", name)
	}
	if err := f.links.SetUp(name); err != nil {
		return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "set %s up", name)
	}
	for _, tap := range []string{tapA, tapB} {
		if err := f.links.SetMaster(tap, name); err != nil {
			return "", errs.Wrap(errs.KindNetworkSetupFailed, op, err, "enslave %s to %s", tap, name)
		}
	}
	// Only a fully enslaved pair is recorded; a failed attempt leaves both taps bridgeable.
	br := &model.BridgeInfo{Name: name, Taps: []string{tapA, tapB}}
	f.bridges = append(f.bridges, br)
	for _, tap := range br.Taps {
		if info, ok := f.taps[tap]; ok {
			info.Bridge = name
		} else {
			f.taps[tap] = &model.TapInfo{Name: tap, Bridge: name}
		}
	}
	f.log.Info("bridge created", "bridge", name, "taps", br.Taps)
	return name, nil
}

// nextBridgeNameLocked skips names already present on the host, e.g. from a previous run.
func (f *Fabric) nextBridgeNameLocked() (string, error) {
	for {
		name := fmt.Sprintf("br%d", f.nextBridge)
		f.nextBridge++
		exists, err := f.links.Exists(name)
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
}

// Taps returns a snapshot of known taps keyed by name.
func (f *Fabric) Taps() map[string]model.TapInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.TapInfo, len(f.taps))
	for name, info := range f.taps {
		out[name] = *info
	}
	return out
}

// Bridges returns the bridges created by this process, oldest first.
func (f *Fabric) Bridges() []model.BridgeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.BridgeInfo, 0, len(f.bridges))
	for _, br := range f.bridges {
		out = append(out, model.BridgeInfo{Name: br.Name, Taps: append([]string(nil), br.Taps...)})
	}
	return out
}

// TapExists asks the host whether a tap is present.
func (f *Fabric) TapExists(name string) (bool, error) {
	return f.links.Exists(name)
}
