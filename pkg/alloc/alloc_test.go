package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/errs"
)

func TestAllocateSmallestFree(t *testing.T) {
	slot, err := Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = Allocate(map[int]struct{}{0: {}, 1: {}, 3: {}})
	require.NoError(t, err)
	assert.Equal(t, 2, slot)
}

func TestAllocateExhausted(t *testing.T) {
	used := make(map[int]struct{}, MaxSlots)
	for i := 0; i < MaxSlots; i++ {
		used[i] = struct{}{}
	}
	_, err := Allocate(used)
	assert.ErrorIs(t, err, errs.ErrResourceExhausted)
}

func TestPoolReserveRelease(t *testing.T) {
	p := NewPool()
	a, err := p.Reserve()
	require.NoError(t, err)
	b, err := p.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	p.Release(a)
	c, err := p.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	assert.False(t, p.Hold(1))
	assert.True(t, p.Hold(7))
	assert.False(t, p.Hold(MaxSlots))
	assert.Equal(t, 3, p.InUse())
}

func TestPoolConcurrentReserveIsUnique(t *testing.T) {
	p := NewPool()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = map[int]int{}
		fails int
	)
	for i := 0; i < MaxSlots+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := p.Reserve()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
				return
			}
			seen[slot]++
		}()
	}
	wg.Wait()

	assert.Len(t, seen, MaxSlots)
	for slot, n := range seen {
		assert.Equal(t, 1, n, "slot %d handed out twice", slot)
	}
	assert.Equal(t, 10, fails)
}
