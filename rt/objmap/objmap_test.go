package objmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Value int
}

func TestMapLazyPages(t *testing.T) {
	m := NewMap[record](4, 6)
	assert.Equal(t, uint32(1024), m.Capacity())
	assert.Equal(t, record{}, m.Get(500))

	m.Emplace(500, record{Name: "a", Value: 1})
	assert.Equal(t, record{Name: "a", Value: 1}, m.Get(500))
	assert.Equal(t, record{}, m.Get(501))

	m.Ref(501).Value = 7
	assert.Equal(t, 7, m.Get(501).Value)

	m.Reset(500)
	assert.Equal(t, record{}, m.Get(500))
	assert.Equal(t, record{}, m.Get(1<<20))
}

func TestMapConcurrentPageAllocation(t *testing.T) {
	m := NewMap[int](2, 8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := uint32(w); i < m.Capacity(); i += 8 {
				*m.Ref(i) = int(i)
			}
		}(w)
	}
	wg.Wait()
	for i := uint32(0); i < m.Capacity(); i++ {
		require.Equal(t, int(i), m.Get(i))
	}
}

func TestAllocatorReuse(t *testing.T) {
	a := NewAllocator(1)
	assert.Equal(t, uint32(1), a.Allocate())
	assert.Equal(t, uint32(2), a.Allocate())
	assert.Equal(t, uint32(3), a.Allocate())
	a.Free(2)
	a.Free(1)
	assert.Equal(t, uint32(2), a.Allocate())
	assert.Equal(t, uint32(1), a.Allocate())
	assert.Equal(t, uint32(4), a.Allocate())
	assert.Equal(t, uint32(5), a.Count())
	assert.Equal(t, 4, a.Live())
}
