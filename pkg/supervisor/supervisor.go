package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"nodelab/pkg/errs"
)

// ProbeFunc reports nil once the emulator behind the monitor socket is ready.
type ProbeFunc func(ctx context.Context, monitor string) error

// DialMonitor succeeds when the monitor socket accepts a connection.
func DialMonitor(ctx context.Context, monitor string) error {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", monitor)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ExitFunc is called when a supervised process exits without being asked to.
type ExitFunc func(nodeID string, h *Handle, err error)

// Options configures a Supervisor.
type Options struct {
	Binary       string
	MonitorDir   string
	LogDir       string // per-node emulator output; empty discards it
	StartTimeout time.Duration
	StopGrace    time.Duration
	PollInterval time.Duration
	Probe        ProbeFunc
	Logger       *slog.Logger
}

// Handle is a running emulator process.
type Handle struct {
	NodeID    string
	PID       int
	Slot      int
	Monitor   string
	Args      []string
	StartedAt time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopping atomic.Bool
	output   *tailBuffer
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the process wait result; only meaningful after Done.
func (h *Handle) ExitErr() error {
	<-h.done
	return h.exitErr
}

// Output returns the tail of the process' combined output.
func (h *Handle) Output() string {
	if h.output == nil {
		return ""
	}
	return h.output.String()
}

// Supervisor launches emulator processes and keeps at most one per node.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	onExit  ExitFunc
	opts    Options
	log     *slog.Logger
}

func New(opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = "qemu-system-x86_64"
	}
	if opts.MonitorDir == "" {
		opts.MonitorDir = os.TempDir()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Probe == nil {
		opts.Probe = DialMonitor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		handles: map[string]*Handle{},
		opts:    opts,
		log:     opts.Logger.With("component", "supervisor"),
	}
}

// SetOnExit registers the callback for unexpected exits.
func (s *Supervisor) SetOnExit(fn ExitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Start launches the emulator for req and waits until it is initialized.
// A live process for the same node is stopped first.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	const op = "supervisor.start"
	if len(req.Taps) != req.Kind.TapCount() {
		return nil, errs.New(errs.KindInvalidInput, op,
			fmt.Sprintf("%s node needs %d taps, got %d", req.Kind, req.Kind.TapCount(), len(req.Taps)))
	}
	if err := s.Stop(req.NodeID); err != nil {
		return nil, errs.Wrap(errs.KindProcessStartFailed, op, err, "stop previous process")
	}

	monitor := MonitorPath(s.opts.MonitorDir, req.NodeID)
	_ = os.Remove(monitor)
	args := Args(req, monitor)

	h := &Handle{
		NodeID:  req.NodeID,
		Slot:    req.Slot,
		Monitor: monitor,
		Args:    args,
		done:    make(chan struct{}),
		output:  newTailBuffer(4096),
	}
	cmd := exec.Command(s.opts.Binary, args...)
	out, closeOut := s.outputFor(req.NodeID)
	cmd.Stdout = io.MultiWriter(out, h.output)
	cmd.Stderr = cmd.Stdout
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		closeOut()
		s.log.Error("emulator spawn failed", "node_id", req.NodeID, "err", err)
		return nil, errs.Wrap(errs.KindProcessStartFailed, op, err, "spawn %s", s.opts.Binary)
	}
	h.cmd = cmd
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now().UTC()
	go s.wait(h, closeOut)

	if err := s.awaitReady(ctx, h); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[req.NodeID] = h
	s.mu.Unlock()
	if h.Exited() {
		s.mu.Lock()
		if s.handles[req.NodeID] == h {
			delete(s.handles, req.NodeID)
		}
		s.mu.Unlock()
		return nil, errs.New(errs.KindProcessStartFailed, op, "init: emulator exited right after becoming ready")
	}
	s.log.Info("emulator started", "node_id", req.NodeID, "pid", h.PID, "slot", req.Slot, "kind", req.Kind)
	return h, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) error {
	const op = "supervisor.start"
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-h.done:
			detail := "init: emulator exited"
			if h.exitErr != nil {
				detail += " (" + h.exitErr.Error() + ")"
			}
			if tail := strings.TrimSpace(h.Output()); tail != "" {
				detail += ": " + tail
			}
			s.log.Error("emulator exited during init", "node_id", h.NodeID, "pid", h.PID, "err", h.exitErr)
			return errs.New(errs.KindProcessStartFailed, op, detail)
		case <-ctx.Done():
			h.stopping.Store(true)
			_ = h.cmd.Process.Kill()
			<-h.done
			s.log.Error("emulator did not become ready", "node_id", h.NodeID, "pid", h.PID)
			return errs.Wrap(errs.KindTimeout, op, ctx.Err(), "waiting for monitor %s", h.Monitor)
		case <-tick.C:
			if err := s.opts.Probe(ctx, h.Monitor); err == nil {
				return nil
			}
		}
	}
}

// wait reaps the process and reconciles the handle map.
func (s *Supervisor) wait(h *Handle, closeOut func()) {
	h.exitErr = h.cmd.Wait()
	closeOut()
	close(h.done)
	_ = os.Remove(h.Monitor)

	s.mu.Lock()
	current := s.handles[h.NodeID] == h
	if current {
		delete(s.handles, h.NodeID)
	}
	onExit := s.onExit
	s.mu.Unlock()

	if !current || h.stopping.Load() {
		return
	}
	s.log.Warn("emulator exited unexpectedly", "node_id", h.NodeID, "pid", h.PID, "err", h.exitErr)
	if onExit != nil {
		onExit(h.NodeID, h, h.exitErr)
	}
}

// Stop sends SIGTERM to the node's emulator and kills it after the grace period.
// A node without a process is a no-op.
func (s *Supervisor) Stop(nodeID string) error {
	s.mu.Lock()
	h, ok := s.handles[nodeID]
	if ok {
		delete(s.handles, nodeID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.terminate(h)
}

func (s *Supervisor) terminate(h *Handle) error {
	h.stopping.Store(true)
	if err := h.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("sigterm failed", "node_id", h.NodeID, "pid", h.PID, "err", err)
	}
	select {
	case <-h.done:
	case <-time.After(s.opts.StopGrace):
		s.log.Warn("emulator ignored sigterm, killing", "node_id", h.NodeID, "pid", h.PID)
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", h.PID, err)
		}
		<-h.done
	}
	s.log.Info("emulator stopped", "node_id", h.NodeID, "pid", h.PID)
	return nil
}

// StopAll terminates every supervised process; used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for id, h := range s.handles {
		handles = append(handles, h)
		delete(s.handles, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := s.terminate(h); err != nil {
				s.log.Error("stop on shutdown failed", "node_id", h.NodeID, "err", err)
			}
		}(h)
	}
	wg.Wait()
}

// Alive reports whether the node has a running process.
func (s *Supervisor) Alive(nodeID string) bool {
	h, ok := s.Handle(nodeID)
	return ok && !h.Exited()
}

// Handle returns the node's current process handle.
func (s *Supervisor) Handle(nodeID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[nodeID]
	return h, ok
}

func (s *Supervisor) outputFor(nodeID string) (io.Writer, func()) {
	if s.opts.LogDir == "" {
		return io.Discard, func() {}
	}
	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		s.log.Warn("emulator log dir unavailable", "dir", s.opts.LogDir, "err", err)
		return io.Discard, func() {}
	}
	path := filepath.Join(s.opts.LogDir, fmt.Sprintf("qemu-%s.log", nodeID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("emulator log unavailable", "path", path, "err", err)
		return io.Discard, func() {}
	}
	return f, func() { _ = f.Close() }
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
