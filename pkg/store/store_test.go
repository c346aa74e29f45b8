package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/model"
)

func sampleNode(id string, created time.Time) model.Node {
	return model.Node{
		ID:        id,
		Kind:      model.KindStandard,
		Meta:      model.Metadata{Name: id},
		Overlay:   "/app/overlays/node_" + id + ".qcow2",
		Status:    model.StatusStopped,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStoreNodes(t *testing.T) {
	s := NewMemoryStore()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertNode(sampleNode("b", t0.Add(time.Second))))
	require.NoError(t, s.UpsertNode(sampleNode("a", t0)))

	list, err := s.ListNodes()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	n, ok, err := s.GetNode("b")
	require.NoError(t, err)
	require.True(t, ok)
	n.DisplaySlot = model.IntPtr(4)
	stored, _, _ := s.GetNode("b")
	assert.Nil(t, stored.DisplaySlot, "returned records must not alias stored ones")

	require.NoError(t, s.DeleteNode("b"))
	_, ok, _ = s.GetNode("b")
	assert.False(t, ok)
}

func TestMemoryStoreAuditTail(t *testing.T) {
	s := NewMemoryStore()
	for _, a := range []string{"create", "run", "stop"} {
		require.NoError(t, s.AppendAudit(model.AuditEntry{Action: a, Target: "n1"}))
	}
	tail, err := s.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "run", tail[0].Action)
	assert.Equal(t, "stop", tail[1].Action)
	assert.False(t, tail[1].Timestamp.IsZero())

	all, _ := s.ListAudit(0)
	assert.Len(t, all, 3)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nodes.json")
	fs, err := OpenFileStore(path)
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	running := sampleNode("alpha", t0)
	running.Status = model.StatusRunning
	running.DisplaySlot = model.IntPtr(0)
	running.GatewayConnectionID = model.IntPtr(12)
	require.NoError(t, fs.UpsertNode(running))
	require.NoError(t, fs.UpsertNode(sampleNode("beta", t0.Add(time.Minute))))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "[\n  {"), "file is an indented JSON array")

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	list, err := reopened.ListNodes()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, running, list[0])

	require.NoError(t, reopened.DeleteNode("alpha"))
	again, err := OpenFileStore(path)
	require.NoError(t, err)
	list, _ = again.ListNodes()
	require.Len(t, list, 1)
	assert.Equal(t, "beta", list[0].ID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreMissingAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFileStore(filepath.Join(dir, "none.json"))
	require.NoError(t, err)
	list, _ := fs.ListNodes()
	assert.Empty(t, list)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = OpenFileStore(bad)
	assert.Error(t, err)
}

func TestFileStoreWriteFailureKeepsMemoryConsistent(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.Mkdir(stateDir, 0o755))
	fs, err := OpenFileStore(filepath.Join(stateDir, "nodes.json"))
	require.NoError(t, err)
	require.NoError(t, fs.UpsertNode(sampleNode("a", time.Now())))

	// replace the state directory with a regular file so every later flush fails
	require.NoError(t, os.RemoveAll(stateDir))
	require.NoError(t, os.WriteFile(stateDir, nil, 0o644))

	err = fs.UpsertNode(sampleNode("b", time.Now()))
	require.Error(t, err)
	_, ok, _ := fs.GetNode("b")
	assert.False(t, ok)

	err = fs.DeleteNode("a")
	require.Error(t, err)
	_, ok, _ = fs.GetNode("a")
	assert.True(t, ok, "failed delete keeps the record")
}

func TestJournal(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), time.Second)
	require.NoError(t, err)
	defer j.Close()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, a := range []string{"create", "run", "stop", "wipe"} {
		require.NoError(t, j.AppendAudit(model.AuditEntry{
			Actor: "api", Action: a, Target: "n1", Detail: "slot 0", Timestamp: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	tail, err := j.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "stop", tail[0].Action)
	assert.Equal(t, "wipe", tail[1].Action)
	assert.Equal(t, t0.Add(3*time.Second), tail[1].Timestamp)
	assert.Equal(t, "slot 0", tail[1].Detail)

	all, err := j.ListAudit(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "create", all[0].Action)
}
