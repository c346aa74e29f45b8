package netfabric

import (
	"fmt"
	"sync"
)

// MemLink is the recorded state of an in-memory link.
type MemLink struct {
	Kind   string // tap|bridge
	Owner  uint32
	Up     bool
	Master string
}

// MemLinks keeps links in memory. It backs the "memory" network driver used on hosts
// without CAP_NET_ADMIN, and tests.
type MemLinks struct {
	mu    sync.Mutex
	links map[string]*MemLink
	// Fail, when set, is consulted before every mutation; a non-nil result is returned as is.
	Fail func(op, name string) error
}

func NewMemLinks() *MemLinks {
	return &MemLinks{links: make(map[string]*MemLink)}
}

func (m *MemLinks) fail(op, name string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, name)
}

func (m *MemLinks) Exists(name string) (bool, error) {
	if err := m.fail("exists", name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok, nil
}

func (m *MemLinks) AddTap(name string, owner uint32) error {
	return m.add(name, &MemLink{Kind: "tap", Owner: owner})
}

func (m *MemLinks) AddBridge(name string) error {
	return m.add(name, &MemLink{Kind: "bridge"})
}

func (m *MemLinks) add(name string, l *MemLink) error {
	if err := m.fail("add", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[name]; ok {
		return fmt.Errorf("link %s: file exists", name)
	}
	m.links[name] = l
	return nil
}

func (m *MemLinks) SetUp(name string) error {
	if err := m.fail("up", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return fmt.Errorf("link %s not found", name)
	}
	l.Up = true
	return nil
}

func (m *MemLinks) SetMaster(name, bridge string) error {
	if err := m.fail("master", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return fmt.Errorf("link %s not found", name)
	}
	if br, ok := m.links[bridge]; !ok || br.Kind != "bridge" {
		return fmt.Errorf("bridge %s not found", bridge)
	}
	l.Master = bridge
	return nil
}

// Get returns a copy of the named link.
func (m *MemLinks) Get(name string) (MemLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return MemLink{}, false
	}
	return *l, true
}

// Count returns the number of links of the given kind.
func (m *MemLinks) Count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if l.Kind == kind {
			n++
		}
	}
	return n
}
