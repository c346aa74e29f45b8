package alloc

import (
	"sync"

	"nodelab/pkg/errs"
)

// MaxSlots bounds the display slot range to [0, MaxSlots).
const MaxSlots = 100

// Allocate returns the smallest slot in [0, MaxSlots) not present in used.
func Allocate(used map[int]struct{}) (int, error) {
	for i := 0; i < MaxSlots; i++ {
		if _, taken := used[i]; !taken {
			return i, nil
		}
	}
	return 0, errs.New(errs.KindResourceExhausted, "alloc.allocate", "no display slot free")
}

// Pool hands out display slots. Reserve records the slot before returning it, so two
// concurrent callers never receive the same value.
type Pool struct {
	mu   sync.Mutex
	used map[int]struct{}
}

func NewPool() *Pool {
	return &Pool{used: make(map[int]struct{})}
}

// Reserve allocates and records the smallest free slot.
func (p *Pool) Reserve() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, err := Allocate(p.used)
	if err != nil {
		return 0, err
	}
	p.used[slot] = struct{}{}
	return slot, nil
}

// Hold marks slot as taken, e.g. for records loaded from disk. It reports false if the slot
// is already held or out of range.
func (p *Pool) Hold(slot int) bool {
	if slot < 0 || slot >= MaxSlots {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.used[slot]; taken {
		return false
	}
	p.used[slot] = struct{}{}
	return true
}

// Release returns slot to the pool. Releasing a free slot is a no-op.
func (p *Pool) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, slot)
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
