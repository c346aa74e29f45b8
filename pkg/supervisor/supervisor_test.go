package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/errs"
	"nodelab/pkg/logger"
	"nodelab/pkg/model"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emulator.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func ready(context.Context, string) error { return nil }

func newSupervisor(t *testing.T, binary string, probe ProbeFunc) *Supervisor {
	t.Helper()
	s := New(Options{
		Binary:       binary,
		MonitorDir:   t.TempDir(),
		StartTimeout: 2 * time.Second,
		StopGrace:    500 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Probe:        probe,
		Logger:       logger.Discard(),
	})
	t.Cleanup(s.StopAll)
	return s
}

func standardReq(id string) StartRequest {
	return StartRequest{NodeID: id, Slot: 0, Kind: model.KindStandard, RAMMB: 256, Overlay: "/tmp/o.qcow2", Taps: []string{"tap_" + id}}
}

func TestArgsStandard(t *testing.T) {
	args := Args(StartRequest{
		NodeID: "abc", Slot: 3, Kind: model.KindStandard, RAMMB: 2048,
		Overlay: "/app/overlays/node_abc.qcow2", Taps: []string{"tap_abc"},
	}, "/tmp/qemu-abc.monitor")

	assert.Equal(t, []string{
		"-name", "Qemu Node abc",
		"-monitor", "unix:/tmp/qemu-abc.monitor,server,nowait",
		"-m", "2048",
		"-hda", "/app/overlays/node_abc.qcow2",
		"-vnc", "0.0.0.0:3",
		"-netdev", "tap,id=net0,ifname=tap_abc,script=no,downscript=no",
		"-device", "e1000,netdev=net0",
	}, args)
}

func TestArgsRouter(t *testing.T) {
	args := Args(StartRequest{
		NodeID: "r1", Slot: 2, Kind: model.KindRouter, RAMMB: 512,
		Overlay: "/o.qcow2", Taps: []string{"tap_r1_1", "tap_r1_2"},
	}, "/tmp/qemu-r1.monitor")

	assert.Contains(t, args, "none")
	assert.NotContains(t, args, "-vnc")
	assert.Contains(t, args, "tap,id=net0,ifname=tap_r1_1,script=no,downscript=no")
	assert.Contains(t, args, "tap,id=net1,ifname=tap_r1_2,script=no,downscript=no")
	assert.Contains(t, args, "e1000,netdev=net0,mac=52:54:00:ab:00:01")
	assert.Contains(t, args, "e1000,netdev=net1,mac=52:54:00:ab:00:02")
	assert.Equal(t, "telnet:0.0.0.0:5002,server,nowait", args[len(args)-1])
}

func TestMonitorPath(t *testing.T) {
	assert.Equal(t, "/tmp/qemu-n1.monitor", MonitorPath("/tmp", "n1"))
}

func TestStartRejectsWrongTapCount(t *testing.T) {
	s := newSupervisor(t, "/bin/true", ready)
	req := standardReq("n1")
	req.Kind = model.KindRouter
	_, err := s.Start(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestStartSpawnFailure(t *testing.T) {
	s := newSupervisor(t, filepath.Join(t.TempDir(), "missing-emulator"), ready)
	_, err := s.Start(context.Background(), standardReq("n1"))
	require.ErrorIs(t, err, errs.ErrProcessStartFailed)
	assert.Contains(t, err.Error(), "spawn")
	assert.False(t, s.Alive("n1"))
}

func TestStartInitFailure(t *testing.T) {
	bin := writeScript(t, `echo "could not open disk image" >&2; exit 1`)
	never := func(context.Context, string) error { return errors.New("not ready") }
	s := newSupervisor(t, bin, never)

	_, err := s.Start(context.Background(), standardReq("n1"))
	require.ErrorIs(t, err, errs.ErrProcessStartFailed)
	assert.Contains(t, err.Error(), "init")
	assert.Contains(t, err.Error(), "could not open disk image")
	assert.False(t, s.Alive("n1"))
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	never := func(context.Context, string) error { return errors.New("not ready") }
	s := newSupervisor(t, bin, never)
	s.opts.StartTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := s.Start(context.Background(), standardReq("n1"))
	require.ErrorIs(t, err, errs.ErrTimeout)
	assert.True(t, errs.IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, s.Alive("n1"))
}

func TestStartAndStop(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := newSupervisor(t, bin, ready)

	h, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)
	assert.True(t, s.Alive("n1"))
	assert.Positive(t, h.PID)
	got, ok := s.Handle("n1")
	require.True(t, ok)
	assert.Same(t, h, got)

	require.NoError(t, s.Stop("n1"))
	assert.True(t, h.Exited())
	assert.False(t, s.Alive("n1"))

	// no handle is a no-op
	require.NoError(t, s.Stop("n1"))
	require.NoError(t, s.Stop("unknown"))
}

func TestStopKillsAfterGrace(t *testing.T) {
	bin := writeScript(t, "trap '' TERM\nwhile :; do sleep 0.1; done")
	s := newSupervisor(t, bin, ready)
	s.opts.StopGrace = 200 * time.Millisecond

	h, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)
	require.NoError(t, s.Stop("n1"))
	assert.True(t, h.Exited())
}

func TestStartReplacesLiveProcess(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := newSupervisor(t, bin, ready)

	first, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)
	second, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)

	assert.True(t, first.Exited())
	assert.NotEqual(t, first.PID, second.PID)
	got, _ := s.Handle("n1")
	assert.Same(t, second, got)
}

func TestOnExitCalledForUnexpectedExit(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := newSupervisor(t, bin, ready)

	exited := make(chan string, 1)
	s.SetOnExit(func(nodeID string, _ *Handle, _ error) { exited <- nodeID })

	h, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)
	require.NoError(t, h.cmd.Process.Kill())

	select {
	case id := <-exited:
		assert.Equal(t, "n1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	assert.False(t, s.Alive("n1"))
}

func TestOnExitNotCalledForStop(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := newSupervisor(t, bin, ready)
	var calls atomic.Int32
	s.SetOnExit(func(string, *Handle, error) { calls.Add(1) })

	h, err := s.Start(context.Background(), standardReq("n1"))
	require.NoError(t, err)
	require.NoError(t, s.Stop("n1"))
	<-h.Done()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestStopAll(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := newSupervisor(t, bin, ready)
	var handles []*Handle
	for _, id := range []string{"a", "b", "c"} {
		h, err := s.Start(context.Background(), standardReq(id))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	s.StopAll()
	for _, h := range handles {
		assert.True(t, h.Exited())
	}
}

func TestDialMonitor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.sock")
	assert.Error(t, DialMonitor(context.Background(), path))

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	assert.NoError(t, DialMonitor(context.Background(), path))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "efgh", b.String())
}
