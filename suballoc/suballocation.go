package suballoc

import (
	"fmt"

	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// SubAllocation identifies one range of device memory handed out by an Allocator. It is a plain
// value: the zero SubAllocation is invalid, and Allocator.Free resets a handle to the zero value
// so that it cannot be freed twice.
//
// A SubAllocation remembers the block it was carved from by slot and generation. A handle whose
// block has since been released is rejected with ErrInvalidHandle rather than touching whichever
// block now occupies the slot.
type SubAllocation struct {
	memoryTypeIndex int
	blockIndex      int
	blockID         uint64
	chunkID         metadata.ChunkID

	memory    backend.DeviceMemory
	blockSize int
	offset    int
	size      int
}

// MemoryTypeIndex is the index of the memory type this allocation was made from
func (s SubAllocation) MemoryTypeIndex() int {
	return s.memoryTypeIndex
}

// Memory is the device memory block this allocation lives in
func (s SubAllocation) Memory() backend.DeviceMemory {
	return s.memory
}

// Offset is the offset of this allocation within Memory. It is a multiple of the alignment
// that was requested.
func (s SubAllocation) Offset() int {
	return s.offset
}

// Size is the number of usable bytes in this allocation, exactly as requested
func (s SubAllocation) Size() int {
	return s.size
}

// Valid is false for the zero SubAllocation and for handles that have been freed
func (s SubAllocation) Valid() bool {
	return s.chunkID != metadata.NoChunk && s.size != 0
}

func (s SubAllocation) String() string {
	if !s.Valid() {
		return "SubAllocation{invalid}"
	}

	return fmt.Sprintf("SubAllocation{type: %d, block: %d, offset: %d, size: %d}",
		s.memoryTypeIndex, s.blockIndex, s.offset, s.size)
}
