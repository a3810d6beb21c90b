// Package spillstack provides the frame allocator backing direct calls: a
// chunk list bump allocator handing out value regions in strict LIFO order.
// Allocation and free are O(1); a block's size is recorded next to the block
// itself so free needs no lookaside table.
package spillstack

import (
	"github.com/sirupsen/logrus"

	"github.com/scantek/bcvm/internal/bcruntime"
)

const (
	// ChunkSize is one chunk's payload in bytes.
	ChunkSize = 16384

	// cellSize is the allocation unit. Value cells are 64-bit, so the unit
	// doubles as the maximum alignment we ever need.
	cellSize = 8

	chunkCells = ChunkSize / cellSize
)

// Allocator obtains backing memory, a count of 64-bit cells at a time. It
// is the host-supplied allocation service of the execution context; a nil
// return reports allocation failure.
type Allocator func(cells int) []uint64

func heapAllocator(cells int) []uint64 {
	return make([]uint64, cells)
}

type chunk struct {
	prev *chunk
	used int
	data []uint64
}

// Stack is a bump-allocated chunk list. Each block is suffixed by one
// trailer cell recording the size of the block that was on top before it,
// which is what makes Free O(1) and self-checking. The trailer value always
// fits 16 bits: a block is at most one chunk, ChunkSize/cellSize cells.
//
// The zero value is not usable; construct with New.
type Stack struct {
	chunk    *chunk
	lastSize uint16 // cells occupied by the top block, trailer included
	alloc    Allocator
	log      logrus.FieldLogger
}

// New builds a stack drawing chunks from alloc. A nil alloc falls back to
// the Go heap.
func New(log logrus.FieldLogger, alloc Allocator) *Stack {
	if alloc == nil {
		alloc = heapAllocator
	}
	return &Stack{log: log, alloc: alloc}
}

// Alloc reserves a region of cells value cells on top of the stack and
// returns it. The region keeps its backing storage until the matching Free,
// so slices into it stay valid across nested allocations.
//
// Fails with ErrStackAllocTooLarge when the block, trailer included, would
// take up a whole chunk or more, and with ErrOutOfMemory when the allocator
// refuses a fresh chunk.
func (s *Stack) Alloc(cells int) ([]uint64, error) {
	total := cells + 1 // trailer cell

	if c := s.chunk; c != nil && c.used+total <= chunkCells {
		// There is still room in this chunk.
		block := c.data[c.used : c.used+total : c.used+total]
		block[total-1] = uint64(s.lastSize)
		s.lastSize = uint16(total)
		c.used += total
		return block[:cells], nil
	}

	if total >= chunkCells {
		s.log.Errorf("spillstack: attempt to allocate more than %d bytes", ChunkSize)
		return nil, bcruntime.ErrStackAllocTooLarge
	}

	// Not enough room here, open a new chunk.
	data := s.alloc(chunkCells)
	if len(data) < chunkCells {
		s.log.Error("spillstack: chunk allocation failed")
		return nil, bcruntime.ErrOutOfMemory
	}
	c := &chunk{prev: s.chunk, data: data}
	c.data[total-1] = uint64(s.lastSize)
	s.lastSize = uint16(total)
	c.used = total
	s.chunk = c
	return c.data[:cells:cells], nil
}

// Free releases the top region. block must be the exact slice returned by
// the most recent un-freed Alloc: frees are strictly LIFO, and a mismatch is
// a programming error that is logged and refused, leaving the stack intact.
func (s *Stack) Free(block []uint64) {
	c := s.chunk
	if c == nil {
		s.log.Error("spillstack: free on empty stack")
		return
	}
	top := int(s.lastSize)
	if top > c.used {
		s.log.Error("spillstack: top block size is corrupt")
		return
	}
	start := c.used - top
	if len(block) != top-1 || (len(block) > 0 && &block[0] != &c.data[start]) {
		s.log.Errorf("spillstack: wrong free order, expected block at offset %d", start)
		return
	}
	s.lastSize = uint16(c.data[c.used-1])
	c.used -= top
	if c.used == 0 {
		s.chunk = c.prev
		c.prev = nil
	}
}

// Empty reports whether no block is live.
func (s *Stack) Empty() bool {
	return s.chunk == nil
}

// Destroy releases every chunk, live blocks included. It runs on every exit
// path from an execution, error paths included, so it must not assume the
// stack was unwound.
func (s *Stack) Destroy() {
	c := s.chunk
	for c != nil {
		next := c.prev
		c.prev = nil
		c = next
	}
	s.chunk = nil
	s.lastSize = 0
}
