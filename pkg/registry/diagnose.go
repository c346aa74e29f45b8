package registry

import (
	"context"
	"fmt"

	"nodelab/pkg/model"
	"nodelab/pkg/supervisor"
)

// Diagnose checks the pieces a node depends on: emulator, monitor socket, overlay, taps
// and gateway connection.
func (r *Registry) Diagnose(ctx context.Context, id string) (model.DiagReport, error) {
	n, err := r.load("registry.diagnose", id)
	if err != nil {
		return model.DiagReport{}, err
	}
	rep := model.DiagReport{
		NodeID:    id,
		Node:      r.view(n),
		Timestamp: r.now(),
	}
	add := func(name, status, detail string) {
		rep.Checks = append(rep.Checks, model.DiagCheck{Name: name, Status: status, Detail: detail})
	}
	running := n.Status == model.StatusRunning

	h, alive := r.procs.Handle(id)
	switch {
	case alive && !h.Exited():
		rep.PID = h.PID
		rep.Args = h.Args
		rep.Output = h.Output()
		add("process", "ok", fmt.Sprintf("pid %d since %s", h.PID, h.StartedAt.Format("2006-01-02T15:04:05Z07:00")))
		if err := supervisor.DialMonitor(ctx, h.Monitor); err != nil {
			add("monitor", "warn", err.Error())
		} else {
			add("monitor", "ok", h.Monitor)
		}
	case running:
		add("process", "fail", "record says Running but no emulator is alive")
	default:
		add("process", "info", "not running")
	}

	if r.overlays.Exists(id) {
		add("overlay", "ok", n.Overlay)
	} else {
		add("overlay", "fail", "missing "+n.Overlay)
	}

	known := r.network.Taps()
	for _, tap := range model.TapNames(id, n.Kind) {
		exists, err := r.network.TapExists(tap)
		switch {
		case err != nil:
			add("tap:"+tap, "fail", err.Error())
		case exists:
			detail := "present"
			if info, ok := known[tap]; ok && info.Bridge != "" {
				detail += ", bridged to " + info.Bridge
			}
			add("tap:"+tap, "ok", detail)
		case running:
			add("tap:"+tap, "fail", "missing")
		default:
			add("tap:"+tap, "info", "not created yet")
		}
	}

	switch {
	case n.GatewayConnectionID != nil:
		add("gateway", "ok", r.gateway.URL(*n.GatewayConnectionID))
	case running:
		add("gateway", "warn", "no connection published")
	default:
		add("gateway", "info", "no connection")
	}

	rep.Summary = "ok"
	for _, c := range rep.Checks {
		if c.Status == "fail" || c.Status == "warn" {
			rep.Summary = "degraded"
			break
		}
	}
	return rep, nil
}
