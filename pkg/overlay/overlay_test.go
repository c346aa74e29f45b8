package overlay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/errs"
	"nodelab/pkg/logger"
	"nodelab/pkg/model"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	if f.err != nil {
		return nil, []byte("boom"), f.err
	}
	return nil, nil, os.WriteFile(args[len(args)-1], []byte("qcow2"), 0o644)
}

func images(k model.Kind) string {
	if k == model.KindRouter {
		return "/images/router.qcow2"
	}
	return "/images/base.qcow2"
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-img")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCreateBuildsQemuImgInvocation(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	s := New(Options{Dir: dir, QemuImg: "qemu-img", Images: images, Runner: r, Logger: logger.Discard()})

	path, err := s.Create(context.Background(), "n1", model.KindRouter)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "node_n1.qcow2"), path)
	assert.True(t, s.Exists("n1"))

	require.Len(t, r.calls, 1)
	assert.Equal(t, "qemu-img", r.calls[0].name)
	assert.Equal(t, []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", "/images/router.qcow2", path}, r.calls[0].args)
}

func TestCreateTwiceRecreates(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	s := New(Options{Dir: dir, Images: images, Runner: r, Logger: logger.Discard()})

	_, err := s.Create(context.Background(), "n1", model.KindStandard)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("n1"), []byte("dirty"), 0o644))

	_, err = s.Create(context.Background(), "n1", model.KindStandard)
	require.NoError(t, err)
	b, err := os.ReadFile(s.Path("n1"))
	require.NoError(t, err)
	assert.Equal(t, "qcow2", string(b))
	assert.Len(t, r.calls, 2)
}

func TestCreateFailureWrapsStderr(t *testing.T) {
	script := writeScript(t, "echo 'Could not open backing file' >&2\nexit 1")
	s := New(Options{Dir: t.TempDir(), QemuImg: script, Images: images, Timeout: 5 * time.Second, Logger: logger.Discard()})

	_, err := s.Create(context.Background(), "n1", model.KindStandard)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrOverlayCreationFailed)
	assert.Contains(t, err.Error(), "exited 1")
	assert.Contains(t, err.Error(), "Could not open backing file")
}

func TestCreateWithExecRunner(t *testing.T) {
	script := writeScript(t, `for last; do :; done; : > "$last"`)
	s := New(Options{Dir: t.TempDir(), QemuImg: script, Images: images, Timeout: 5 * time.Second, Logger: logger.Discard()})

	path, err := s.Create(context.Background(), "n2", model.KindStandard)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestCreateTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5")
	s := New(Options{Dir: t.TempDir(), QemuImg: script, Images: images, Timeout: 100 * time.Millisecond, Logger: logger.Discard()})

	_, err := s.Create(context.Background(), "n3", model.KindStandard)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestRemove(t *testing.T) {
	s := New(Options{Dir: t.TempDir(), Images: images, Runner: &fakeRunner{}, Logger: logger.Discard()})
	_, err := s.Create(context.Background(), "n1", model.KindStandard)
	require.NoError(t, err)

	require.NoError(t, s.Remove("n1"))
	assert.False(t, s.Exists("n1"))
	assert.NoError(t, s.Remove("n1"))
}
