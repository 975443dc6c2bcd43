package job

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRunsEveryItemOnce(t *testing.T) {
	s := NewSystem(4)
	defer s.Close()

	seen := make([]atomic.Int32, 1000)
	j := s.NewBatch(1000, 7, func(i uint32) { seen[i].Add(1) })
	s.Queue(j)
	s.Wait(j)
	require.True(t, j.Done())
	for i := range seen {
		require.Equal(t, int32(1), seen[i].Load(), "item %d", i)
	}
}

func TestComplexWorkgroups(t *testing.T) {
	s := NewSystem(3)
	defer s.Close()

	var mu sync.Mutex
	var total uint32
	var groups int
	j := s.NewComplex(100, 32, func(first, count uint32) {
		mu.Lock()
		defer mu.Unlock()
		assert.LessOrEqual(t, count, uint32(32))
		assert.Zero(t, first%32)
		total += count
		groups++
	})
	s.Queue(j)
	s.Wait(j)
	assert.Equal(t, uint32(100), total)
	assert.Equal(t, 4, groups)
}

func TestDependenciesOrderExecution(t *testing.T) {
	s := NewSystem(4)
	defer s.Close()

	var order []string
	var mu sync.Mutex
	log := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	a := s.NewSimple(log("a"))
	b := s.NewSimple(log("b"))
	var batchDone atomic.Int32
	c := s.NewBatch(64, 4, func(uint32) { batchDone.Add(1) })
	d := s.NewSimple(func() {
		assert.Equal(t, int32(64), batchDone.Load())
		log("d")()
	})
	s.AddDependency(b, a)
	s.AddDependency(c, b)
	s.AddDependency(d, c)

	s.Queue(d, c, b, a)
	s.WaitAll()
	assert.Equal(t, []string{"a", "b", "d"}, order)
}

func TestEmptyJobsComplete(t *testing.T) {
	s := NewSystem(1)
	defer s.Close()
	first := s.NewSimple(nil)
	empty := s.NewBatch(0, 1, func(uint32) { t.Fatal("no items") })
	s.AddDependency(empty, first)
	s.Queue(empty, first)
	s.Wait(empty)
	assert.True(t, first.Done())
}
