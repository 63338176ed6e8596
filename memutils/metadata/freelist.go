package metadata

import (
	"math"
	"strconv"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

var chunkAllocator = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// FreeList is the bookkeeping for a single block of device memory. It keeps the block partitioned
// into address-ordered chunks, each either free or holding one allocation, linked to their
// neighbors by id. Free chunks are merged with free neighbors as soon as they are created, so two
// free chunks are never adjacent.
//
// FreeList is not safe for concurrent use.
type FreeList struct {
	size     int
	strategy AllocationStrategy

	chunks *swiss.Map[ChunkID, *chunk]
	head   ChunkID
	nextID ChunkID

	allocatedBytes  int
	allocationCount int
	freeCount       int
}

var _ memutils.Validatable = &FreeList{}

// NewFreeList creates a FreeList for a block of the provided size, consisting of one free chunk
func NewFreeList(size int, strategy AllocationStrategy) *FreeList {
	m := &FreeList{
		strategy: strategy,
		chunks:   swiss.NewMap[ChunkID, *chunk](42),
	}
	m.Init(size)
	return m
}

// Init discards all chunks and resets the FreeList to a single free chunk covering size bytes
func (m *FreeList) Init(size int) {
	m.Clear()
	m.size = size

	if size <= 0 {
		return
	}

	m.head = m.newChunkID()
	first := chunkAllocator.Get().(*chunk)
	*first = chunk{offset: 0, size: size, chunkType: ChunkFree}
	m.chunks.Put(m.head, first)
	m.freeCount = 1
}

// Clear releases every chunk
func (m *FreeList) Clear() {
	m.chunks.Iter(func(_ ChunkID, c *chunk) bool {
		chunkAllocator.Put(c)
		return false
	})
	m.chunks.Clear()
	m.head = NoChunk
	m.nextID = NoChunk
	m.allocatedBytes = 0
	m.allocationCount = 0
	m.freeCount = 0
}

func (m *FreeList) Size() int                    { return m.size }
func (m *FreeList) Strategy() AllocationStrategy { return m.strategy }

// Allocated is the number of bytes held by chunks that are not free, including alignment padding
func (m *FreeList) Allocated() int       { return m.allocatedBytes }
func (m *FreeList) SumFreeSize() int     { return m.size - m.allocatedBytes }
func (m *FreeList) IsEmpty() bool        { return m.allocationCount == 0 }
func (m *FreeList) AllocationCount() int { return m.allocationCount }
func (m *FreeList) FreeRegionsCount() int {
	return m.freeCount
}

func (m *FreeList) newChunkID() ChunkID {
	m.nextID++
	return m.nextID
}

func (m *FreeList) idsExhausted() bool {
	return m.nextID == math.MaxUint64
}

func (m *FreeList) getChunk(id ChunkID) *chunk {
	c, ok := m.chunks.Get(id)
	if !ok {
		panic("free list links refer to chunk " + strconv.FormatUint(uint64(id), 10) + ", which does not exist")
	}
	return c
}

// Chunk returns a snapshot of the chunk with the provided id
func (m *FreeList) Chunk(id ChunkID) (Chunk, bool) {
	c, ok := m.chunks.Get(id)
	if !ok {
		return Chunk{}, false
	}
	return c.snapshot(id), true
}

// VisitAllChunks calls the provided method for every chunk in address order, stopping at the first
// error returned
func (m *FreeList) VisitAllChunks(visit func(c Chunk) error) error {
	for id := m.head; id != NoChunk; {
		c := m.getChunk(id)
		next := c.next

		err := visit(c.snapshot(id))
		if err != nil {
			return err
		}

		id = next
	}

	return nil
}

// Chunks returns a snapshot of every chunk in address order
func (m *FreeList) Chunks() []Chunk {
	chunks := make([]Chunk, 0, m.chunks.Count())
	_ = m.VisitAllChunks(func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks
}

// CreateAllocationRequest searches the free chunks for room to hold size bytes at the requested
// alignment. The returned request can be committed with Alloc, so long as the FreeList is not
// modified in between. If no free chunk can hold the request, the bool return is false.
//
// granularity is the page size that resources of conflicting types may not share. Alignment and
// granularity of 0 are treated as 1; any other value must be a power of two.
func (m *FreeList) CreateAllocationRequest(size, alignment int, chunkType ChunkType, granularity int) (AllocationRequest, bool, error) {
	if size <= 0 {
		return AllocationRequest{}, false, errors.Errorf("allocation size must be positive, but was %d", size)
	}
	if chunkType == ChunkFree {
		return AllocationRequest{}, false, errors.New("cannot allocate a chunk of type Free")
	}

	alignment = max(alignment, 1)
	granularity = max(granularity, 1)

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return AllocationRequest{}, false, err
	}
	err = memutils.CheckPow2(granularity, "granularity")
	if err != nil {
		return AllocationRequest{}, false, err
	}

	if size > m.SumFreeSize() || m.idsExhausted() {
		return AllocationRequest{}, false, nil
	}

	var best AllocationRequest
	bestChunkSize := 0
	found := false

	for id := m.head; id != NoChunk; {
		c := m.getChunk(id)
		next := c.next

		if c.chunkType == ChunkFree && c.size >= size {
			request, ok := m.checkCandidate(id, c, size, alignment, chunkType, granularity)
			if ok {
				if m.strategy != AllocationStrategyBestFit || request.ChunkSize() == c.size {
					return request, true, nil
				}

				if !found || c.size < bestChunkSize {
					best = request
					bestChunkSize = c.size
					found = true
				}
			}
		}

		id = next
	}

	return best, found, nil
}

func (m *FreeList) checkCandidate(id ChunkID, c *chunk, size, alignment int, chunkType ChunkType, granularity int) (AllocationRequest, bool) {
	offset := memutils.AlignUp(c.offset, uint(alignment))

	if c.prev != NoChunk {
		prev := m.getChunk(c.prev)
		if chunkTypesConflict(prev.chunkType, chunkType) &&
			memutils.OnSamePage(prev.offset, prev.size, offset, uint(granularity)) {
			offset = memutils.AlignUp(offset, uint(granularity))
		}
	}

	if offset+size > c.offset+c.size {
		return AllocationRequest{}, false
	}

	if c.next != NoChunk {
		next := m.getChunk(c.next)
		if chunkTypesConflict(chunkType, next.chunkType) &&
			memutils.OnSamePage(offset, size, next.offset, uint(granularity)) {
			return AllocationRequest{}, false
		}
	}

	return AllocationRequest{
		ChunkID:   id,
		Offset:    offset,
		Size:      size,
		Padding:   offset - c.offset,
		ChunkType: chunkType,
	}, true
}

// Alloc commits a request created by CreateAllocationRequest. Every allocation receives a fresh id,
// so the id of a freed allocation never names a live chunk again. If the request fills its free
// chunk exactly, the chunk is retagged in place under the new id. Otherwise a new chunk is carved
// from the front of the free chunk, which shrinks to cover what is left.
func (m *FreeList) Alloc(req AllocationRequest) (ChunkID, error) {
	c, ok := m.chunks.Get(req.ChunkID)
	if !ok {
		return NoChunk, errors.Errorf("allocation request refers to chunk %d, which does not exist", req.ChunkID)
	}
	if c.chunkType != ChunkFree {
		return NoChunk, errors.Errorf("allocation request refers to chunk %d, which is not free", req.ChunkID)
	}
	if req.ChunkType == ChunkFree {
		return NoChunk, errors.New("cannot allocate a chunk of type Free")
	}
	if req.Padding < 0 || req.Size <= 0 || c.offset+req.Padding != req.Offset || req.ChunkSize() > c.size {
		return NoChunk, errors.Errorf("allocation request at offset %d with size %d does not fit chunk %d", req.Offset, req.Size, req.ChunkID)
	}

	if m.idsExhausted() {
		return NoChunk, errors.New("free list has run out of chunk ids")
	}

	chunkSize := req.ChunkSize()
	allocID := m.newChunkID()

	if chunkSize == c.size {
		c.chunkType = req.ChunkType
		m.freeCount--
		m.rekey(req.ChunkID, allocID, c)
	} else {
		carved := chunkAllocator.Get().(*chunk)
		*carved = chunk{
			offset:    c.offset,
			size:      chunkSize,
			chunkType: req.ChunkType,
			prev:      c.prev,
			next:      req.ChunkID,
		}

		if c.prev != NoChunk {
			m.getChunk(c.prev).next = allocID
		} else {
			m.head = allocID
		}

		c.prev = allocID
		c.offset += chunkSize
		c.size -= chunkSize

		m.chunks.Put(allocID, carved)
	}

	m.allocatedBytes += chunkSize
	m.allocationCount++

	memutils.DebugValidate(m)
	return allocID, nil
}

// rekey moves c from oldID to newID and relinks its neighbors
func (m *FreeList) rekey(oldID, newID ChunkID, c *chunk) {
	if c.prev != NoChunk {
		m.getChunk(c.prev).next = newID
	} else {
		m.head = newID
	}
	if c.next != NoChunk {
		m.getChunk(c.next).prev = newID
	}

	m.chunks.Delete(oldID)
	m.chunks.Put(newID, c)
}

// Allocate is CreateAllocationRequest followed by Alloc. The bool return is false if there was
// no room.
func (m *FreeList) Allocate(size, alignment int, chunkType ChunkType, granularity int) (Allocation, bool, error) {
	req, found, err := m.CreateAllocationRequest(size, alignment, chunkType, granularity)
	if err != nil || !found {
		return Allocation{}, false, err
	}

	id, err := m.Alloc(req)
	if err != nil {
		return Allocation{}, false, err
	}

	return Allocation{ID: id, Offset: req.Offset, Size: req.Size}, true, nil
}

// Free returns a chunk to the free list and merges it with its successor and then its predecessor,
// whichever of them are free
func (m *FreeList) Free(id ChunkID) error {
	c, ok := m.chunks.Get(id)
	if !ok {
		return errors.Errorf("attempted to free chunk %d, which does not exist", id)
	}
	if c.chunkType == ChunkFree {
		return errors.Errorf("attempted to free chunk %d, which is already free", id)
	}

	m.allocatedBytes -= c.size
	m.allocationCount--
	m.freeCount++
	c.chunkType = ChunkFree

	if c.next != NoChunk {
		next := m.getChunk(c.next)
		if next.chunkType == ChunkFree {
			m.absorbNext(id, c)
		}
	}

	if c.prev != NoChunk {
		prevID := c.prev
		prev := m.getChunk(prevID)
		if prev.chunkType == ChunkFree {
			m.absorbNext(prevID, prev)
		}
	}

	memutils.DebugValidate(m)
	return nil
}

// absorbNext merges the chunk following c into c and releases its id
func (m *FreeList) absorbNext(id ChunkID, c *chunk) {
	nextID := c.next
	next := m.getChunk(nextID)

	c.size += next.size
	c.next = next.next
	if next.next != NoChunk {
		m.getChunk(next.next).prev = id
	}

	m.chunks.Delete(nextID)
	chunkAllocator.Put(next)
	m.freeCount--
}

// Validate checks that the chunks exactly partition the block, that their links agree with each
// other, that no two free chunks are neighbors, and that the running counters are correct
func (m *FreeList) Validate() error {
	if m.size <= 0 {
		if m.chunks.Count() != 0 {
			return errors.Wrapf(memutils.InvariantError, "empty free list has %d chunks", m.chunks.Count())
		}
		return nil
	}

	expectedOffset := 0
	prevID := NoChunk
	prevFree := false
	visited := 0
	allocated := 0
	allocCount := 0
	freeCount := 0

	for id := m.head; id != NoChunk; {
		c, ok := m.chunks.Get(id)
		if !ok {
			return errors.Wrapf(memutils.InvariantError, "chunk %d is linked but does not exist", id)
		}
		if c.prev != prevID {
			return errors.Wrapf(memutils.InvariantError, "chunk %d links back to %d, expected %d", id, c.prev, prevID)
		}
		if c.offset != expectedOffset {
			return errors.Wrapf(memutils.InvariantError, "chunk %d starts at %d, expected %d", id, c.offset, expectedOffset)
		}
		if c.size <= 0 {
			return errors.Wrapf(memutils.InvariantError, "chunk %d has size %d", id, c.size)
		}

		isFree := c.chunkType == ChunkFree
		if isFree && prevFree {
			return errors.Wrapf(memutils.InvariantError, "free chunks %d and %d are adjacent", prevID, id)
		}

		if isFree {
			freeCount++
		} else {
			allocated += c.size
			allocCount++
		}

		visited++
		if visited > m.chunks.Count() {
			return errors.Wrap(memutils.InvariantError, "chunk links form a cycle")
		}

		expectedOffset += c.size
		prevFree = isFree
		prevID = id
		id = c.next
	}

	if expectedOffset != m.size {
		return errors.Wrapf(memutils.InvariantError, "chunks cover %d bytes of a %d byte block", expectedOffset, m.size)
	}
	if visited != m.chunks.Count() {
		return errors.Wrapf(memutils.InvariantError, "%d chunks are linked but %d exist", visited, m.chunks.Count())
	}
	if allocated != m.allocatedBytes {
		return errors.Wrapf(memutils.InvariantError, "allocated bytes are %d but counted %d", m.allocatedBytes, allocated)
	}
	if allocCount != m.allocationCount || freeCount != m.freeCount {
		return errors.Wrapf(memutils.InvariantError, "counted %d allocations and %d free regions, expected %d and %d",
			allocCount, freeCount, m.allocationCount, m.freeCount)
	}

	return nil
}

func (m *FreeList) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.allocatedBytes
}

func (m *FreeList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	_ = m.VisitAllChunks(func(c Chunk) error {
		if c.IsFree() {
			stats.AddUnusedRange(c.Size)
		} else {
			stats.AddAllocation(c.Size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with summary information about this block
func (m *FreeList) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.SumFreeSize())
	json.Name("Allocations").Int(m.allocationCount)
	json.Name("UnusedRanges").Int(m.freeCount)
	json.Name("Strategy").String(m.strategy.String())
}

// PrintDetailedMap writes the summary from BlockJsonData followed by every chunk in address order
func (m *FreeList) PrintDetailedMap(json *jwriter.ObjectState) {
	m.BlockJsonData(json)

	arrayState := json.Name("Chunks").Array()
	defer arrayState.End()

	_ = m.VisitAllChunks(func(c Chunk) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Id").Int(int(c.ID))
		obj.Name("Offset").Int(c.Offset)
		obj.Name("Type").String(c.Type.String())
		obj.Name("Size").Int(c.Size)
		return nil
	})
}
