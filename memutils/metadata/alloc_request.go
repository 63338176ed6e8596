package metadata

// AllocationRequest is returned from FreeList.CreateAllocationRequest and describes where the list
// intends to place a new allocation. It can be checked or acted upon by the caller before being
// committed with FreeList.Alloc.
type AllocationRequest struct {
	// ChunkID is the free chunk the allocation will be carved from
	ChunkID ChunkID
	// Offset is the aligned offset of the allocation within the block
	Offset int
	// Size is the number of bytes the caller may use, starting at Offset
	Size int
	// Padding is the number of bytes between the start of the free chunk and Offset. They are
	// consumed along with the allocation and released when it is freed.
	Padding int
	// ChunkType is the resource class the request was created for
	ChunkType ChunkType
}

// ChunkSize is the number of bytes the allocation will take out of its free chunk
func (r AllocationRequest) ChunkSize() int {
	return r.Padding + r.Size
}

// Allocation describes a committed allocation
type Allocation struct {
	ID     ChunkID
	Offset int
	Size   int
}
