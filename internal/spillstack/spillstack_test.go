package spillstack

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/scantek/bcvm/internal/bcruntime"
)

func TestStack_AllocFree(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(log, nil)
	require.True(t, s.Empty())

	a, err := s.Alloc(4)
	require.NoError(t, err)
	require.Len(t, a, 4)

	b, err := s.Alloc(9)
	require.NoError(t, err)
	require.Len(t, b, 9)

	s.Free(b)
	s.Free(a)
	require.True(t, s.Empty())
}

func TestStack_Alloc_ReusesFreedRoom(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(log, nil)

	a, err := s.Alloc(3)
	require.NoError(t, err)
	b, err := s.Alloc(5)
	require.NoError(t, err)
	s.Free(b)

	c, err := s.Alloc(7)
	require.NoError(t, err)
	s.Free(c)
	s.Free(a)
	require.True(t, s.Empty())
}

func TestStack_BlocksSurviveNestedAllocs(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(log, nil)

	a, err := s.Alloc(2)
	require.NoError(t, err)
	a[0], a[1] = 0xdead, 0xbeef

	b, err := s.Alloc(2)
	require.NoError(t, err)
	b[0], b[1] = 1, 2

	require.Equal(t, uint64(0xdead), a[0])
	require.Equal(t, uint64(0xbeef), a[1])

	s.Free(b)
	s.Free(a)
}

func TestStack_ChunkSpill(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(log, nil)

	// Two blocks fill most of the first chunk; the third forces a new one.
	a, err := s.Alloc(1000)
	require.NoError(t, err)
	b, err := s.Alloc(1000)
	require.NoError(t, err)
	a[999], b[999] = 1, 2

	c, err := s.Alloc(100)
	require.NoError(t, err)
	c[99] = 3

	require.Equal(t, uint64(1), a[999])
	require.Equal(t, uint64(2), b[999])

	s.Free(c)
	s.Free(b)
	s.Free(a)
	require.True(t, s.Empty())
}

func TestStack_Alloc_TooLarge(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := New(log, nil)

	// A block plus its trailer cell must stay below chunkCells, so
	// chunkCells-2 is the largest block that fits.
	a, err := s.Alloc(chunkCells - 2)
	require.NoError(t, err)
	s.Free(a)

	_, err = s.Alloc(chunkCells - 1)
	require.ErrorIs(t, err, bcruntime.ErrStackAllocTooLarge)
	require.NotNil(t, hook.LastEntry())
	require.Contains(t, hook.LastEntry().Message, "more than")
	require.True(t, s.Empty())
}

func TestStack_Free_WrongOrder(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := New(log, nil)

	a, err := s.Alloc(4)
	require.NoError(t, err)
	b, err := s.Alloc(4)
	require.NoError(t, err)

	// Freeing a below b is refused and leaves the stack intact.
	s.Free(a)
	require.NotNil(t, hook.LastEntry())
	require.Contains(t, hook.LastEntry().Message, "wrong free order")
	require.False(t, s.Empty())

	s.Free(b)
	s.Free(a)
	require.True(t, s.Empty())
}

func TestStack_Free_Empty(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := New(log, nil)

	s.Free(nil)
	require.NotNil(t, hook.LastEntry())
	require.Contains(t, hook.LastEntry().Message, "empty")
}

func TestStack_Destroy_WithLiveBlocks(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := New(log, nil)

	_, err := s.Alloc(1000)
	require.NoError(t, err)
	_, err = s.Alloc(2000) // second chunk
	require.NoError(t, err)

	s.Destroy()
	require.True(t, s.Empty())
}

func TestStack_Alloc_AllocatorFailure(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := New(log, func(cells int) []uint64 { return nil })

	_, err := s.Alloc(4)
	require.ErrorIs(t, err, bcruntime.ErrOutOfMemory)
	require.NotNil(t, hook.LastEntry())
	require.Contains(t, hook.LastEntry().Message, "chunk allocation failed")
	require.True(t, s.Empty())
}

func TestStack_Alloc_CustomAllocator(t *testing.T) {
	log, _ := test.NewNullLogger()
	var requests []int
	s := New(log, func(cells int) []uint64 {
		requests = append(requests, cells)
		return make([]uint64, cells)
	})

	// Both blocks fit one chunk, so the allocator is asked exactly once.
	a, err := s.Alloc(4)
	require.NoError(t, err)
	b, err := s.Alloc(4)
	require.NoError(t, err)
	require.Equal(t, []int{chunkCells}, requests)

	s.Free(b)
	s.Free(a)
	require.True(t, s.Empty())
}
