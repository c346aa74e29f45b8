package supervisor

import (
	"fmt"
	"path/filepath"
	"strconv"

	"nodelab/pkg/model"
)

// Router NICs get fixed MACs so guest interface naming is stable across wipes.
var routerMACs = []string{"52:54:00:ab:00:01", "52:54:00:ab:00:02"}

// StartRequest describes one emulator launch.
type StartRequest struct {
	NodeID  string
	Slot    int
	Kind    model.Kind
	RAMMB   int
	Overlay string
	Taps    []string
}

// MonitorPath is the unix socket of the emulator's control monitor.
func MonitorPath(dir, nodeID string) string {
	return filepath.Join(dir, fmt.Sprintf("qemu-%s.monitor", nodeID))
}

// Args builds the emulator command line.
func Args(req StartRequest, monitor string) []string {
	args := []string{
		"-name", "Qemu Node " + req.NodeID,
		"-monitor", fmt.Sprintf("unix:%s,server,nowait", monitor),
		"-m", strconv.Itoa(req.RAMMB),
		"-hda", req.Overlay,
	}
	if req.Kind == model.KindRouter {
		args = append(args, "-display", "none")
		for i, tap := range req.Taps {
			id := fmt.Sprintf("net%d", i)
			args = append(args,
				"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, tap),
				"-device", fmt.Sprintf("e1000,netdev=%s,mac=%s", id, routerMACs[i]),
			)
		}
		return append(args, "-serial", fmt.Sprintf("telnet:0.0.0.0:%d,server,nowait", req.Kind.ConsolePort(req.Slot)))
	}
	args = append(args, "-vnc", fmt.Sprintf("0.0.0.0:%d", req.Slot))
	if len(req.Taps) > 0 {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", req.Taps[0]),
			"-device", "e1000,netdev=net0",
		)
	}
	return args
}
