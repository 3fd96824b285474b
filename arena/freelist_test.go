package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFreeList(size int) *freeList {
	var m freeList
	m.init(size)
	return &m
}

func TestFreeListAllocationsAreDeterministic(t *testing.T) {
	first := newTestFreeList(1 << 20)
	second := newTestFreeList(1 << 20)

	sizes := []int{64, 4096, 256, 100000, 64, 8192}
	for _, size := range sizes {
		offsetA, okA := first.allocate(size, 64)
		offsetB, okB := second.allocate(size, 64)
		require.True(t, okA)
		require.True(t, okB)
		require.Equal(t, offsetA, offsetB)
	}
}

func TestFreeListFirstAllocationAtZero(t *testing.T) {
	m := newTestFreeList(4096)

	offset, ok := m.allocate(256, 64)
	require.True(t, ok)
	require.Equal(t, 0, offset)
	require.Equal(t, 1, m.allocCount)
	require.Equal(t, 4096-256, m.sumFree())
	require.NoError(t, m.Validate())
}

func TestFreeListRespectsAlignment(t *testing.T) {
	m := newTestFreeList(1 << 16)

	offset, ok := m.allocate(100, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	offset, ok = m.allocate(256, 256)
	require.True(t, ok)
	require.Equal(t, 0, offset%256)
	require.GreaterOrEqual(t, offset, 100)
	require.NoError(t, m.Validate())
}

func TestFreeListExhaustion(t *testing.T) {
	m := newTestFreeList(1024)

	offset, ok := m.allocate(1024, 64)
	require.True(t, ok)
	require.Equal(t, 0, offset)
	require.Equal(t, 0, m.sumFree())

	_, ok = m.allocate(1, 64)
	require.False(t, ok)

	size, err := m.free(0)
	require.NoError(t, err)
	require.Equal(t, 1024, size)
	require.Equal(t, 1024, m.sumFree())
	require.NoError(t, m.Validate())
}

func TestFreeListReusesFreedSpace(t *testing.T) {
	m := newTestFreeList(1 << 16)

	a, ok := m.allocate(4096, 64)
	require.True(t, ok)
	b, ok := m.allocate(4096, 64)
	require.True(t, ok)
	_, ok = m.allocate(4096, 64)
	require.True(t, ok)

	_, err := m.free(a)
	require.NoError(t, err)

	// The freed hole is the lowest fitting range and must be granted
	// again before the tail is touched.
	reused, ok := m.allocate(4096, 64)
	require.True(t, ok)
	require.Equal(t, a, reused)

	_, err = m.free(b)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
}

func TestFreeListCoalescesNeighbors(t *testing.T) {
	m := newTestFreeList(1 << 16)

	offsets := make([]int, 4)
	for i := range offsets {
		offset, ok := m.allocate(1024, 64)
		require.True(t, ok)
		offsets[i] = offset
	}

	// Free the middle two in both orders so the merge runs against a
	// free range below and above.
	_, err := m.free(offsets[1])
	require.NoError(t, err)
	_, err = m.free(offsets[2])
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	// The coalesced hole must satisfy a request no single freed range
	// could.
	offset, ok := m.allocate(2048, 64)
	require.True(t, ok)
	require.Equal(t, offsets[1], offset)
	require.NoError(t, m.Validate())
}

func TestFreeListFreeAll(t *testing.T) {
	m := newTestFreeList(1 << 18)

	var offsets []int
	for _, size := range []int{64, 300, 4096, 7, 65536, 128} {
		offset, ok := m.allocate(size, 64)
		require.True(t, ok)
		offsets = append(offsets, offset)
	}

	for _, offset := range offsets {
		_, err := m.free(offset)
		require.NoError(t, err)
	}

	require.Equal(t, 0, m.allocCount)
	require.Equal(t, 1<<18, m.sumFree())
	require.NoError(t, m.Validate())

	// A fully drained heap is one contiguous range again.
	offset, ok := m.allocate(1<<18, 64)
	require.True(t, ok)
	require.Equal(t, 0, offset)
}

func TestFreeListRejectsUnknownOffset(t *testing.T) {
	m := newTestFreeList(4096)

	_, err := m.free(128)
	require.Error(t, err)

	offset, ok := m.allocate(512, 64)
	require.True(t, ok)
	_, err = m.free(offset + 64)
	require.Error(t, err)

	_, err = m.free(offset)
	require.NoError(t, err)
	_, err = m.free(offset)
	require.Error(t, err)
}

func TestFreeListGrow(t *testing.T) {
	m := newTestFreeList(4096)

	offset, ok := m.allocate(4096, 64)
	require.True(t, ok)
	_, ok = m.allocate(64, 64)
	require.False(t, ok)

	require.Error(t, m.grow(4096))
	require.NoError(t, m.grow(8192))
	require.Equal(t, 4096, m.sumFree())

	grown, ok := m.allocate(4096, 64)
	require.True(t, ok)
	require.Equal(t, 4096, grown)

	_, err := m.free(offset)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
}

func TestFreeListConservation(t *testing.T) {
	m := newTestFreeList(1 << 20)

	live := make(map[int]int)
	sizes := []int{64, 100, 8192, 256, 1 << 16, 31, 4096, 777, 2048}
	for i := 0; i < 200; i++ {
		size := sizes[i%len(sizes)]
		if i%3 == 2 {
			for offset := range live {
				_, err := m.free(offset)
				require.NoError(t, err)
				delete(live, offset)
				break
			}
			continue
		}
		offset, ok := m.allocate(size, 64)
		require.True(t, ok)
		live[offset] = size
	}

	var liveBytes int
	require.NoError(t, m.visitRanges(func(offset, size int, free bool) error {
		if !free {
			liveBytes += size
		}
		return nil
	}))
	require.Equal(t, 1<<20, liveBytes+m.sumFree())
	require.NoError(t, m.Validate())
}
