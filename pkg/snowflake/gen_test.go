package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineID(t *testing.T) {
	for _, id := range []int{0, 1, 511, 1023} {
		assert.Equal(t, id, New(id).MachineID())
	}

	assert.Panics(t, func() { New(-1) })
	assert.Panics(t, func() { New(machineMax + 1) })
}

func TestNextMonotonic(t *testing.T) {
	g := New(10)

	prev := g.Next()
	for i := 0; i < 10000; i++ {
		next := g.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNextCarriesMachineID(t *testing.T) {
	g := New(42)

	for i := 0; i < 1000; i++ {
		v := g.Next()
		assert.Equal(t, uint64(42), v>>machineShift&machineMax)
	}
}

func TestNextConcurrentUniqueness(t *testing.T) {
	g := New(1)

	const (
		goroutines = 8
		perG       = 5000
	)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint64]struct{}, goroutines*perG)
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perG)
			for j := 0; j < perG; j++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, v := range local {
				ids[v] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, goroutines*perG)
}
