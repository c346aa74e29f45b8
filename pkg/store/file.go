package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nodelab/pkg/model"
)

// FileStore keeps node records in memory and rewrites a JSON array file after every mutation.
// The file is replaced atomically, so a crash leaves either the old or the new contents.
type FileStore struct {
	mu    sync.Mutex
	path  string
	nodes map[string]model.Node
}

// OpenFileStore loads path if it exists. A missing file starts an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, nodes: make(map[string]model.Node)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) == 0 {
		return fs, nil
	}
	var nodes []model.Node
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, n := range nodes {
		fs.nodes[n.ID] = n
	}
	return fs, nil
}

// Path is the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) UpsertNode(n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.nodes[n.ID]
	s.nodes[n.ID] = n.Clone()
	if err := s.flushLocked(); err != nil {
		if had {
			s.nodes[n.ID] = prev
		} else {
			delete(s.nodes, n.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeleteNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.nodes[id]
	if !had {
		return nil
	}
	delete(s.nodes, id)
	if err := s.flushLocked(); err != nil {
		s.nodes[id] = prev
		return err
	}
	return nil
}

func (s *FileStore) GetNode(id string) (model.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n.Clone(), ok, nil
}

func (s *FileStore) ListNodes() ([]model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *FileStore) snapshotLocked() []model.Node {
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sortNodes(out)
	return out
}

func (s *FileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".nodes-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
