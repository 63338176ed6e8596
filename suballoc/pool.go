package suballoc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
	"github.com/vkngwrapper/suballoc/suballoc/internal/utils"
)

// newBlockSizeShiftCount is the number of times the preferred block size is halved when the
// driver refuses a new block, before falling back to a block of exactly the requested size
const newBlockSizeShiftCount = 4

// memoryPool is the ordered list of blocks for a single memory type. Slots in blocks are nil after
// their block has been released and are reused by the next block that is created, so a block's
// index is stable for as long as it lives.
type memoryPool struct {
	mutex        utils.OptionalMutex
	logger       *slog.Logger
	deviceMemory *device.DeviceMemoryProperties

	memoryTypeIndex    int
	heapIndex          int
	preferredBlockSize int
	dedicatedThreshold int
	granularity        int
	strategy           metadata.AllocationStrategy

	blocks      []*memoryBlock
	nextBlockID uint64
}

func (p *memoryPool) Init(
	useMutex bool,
	logger *slog.Logger,
	deviceMemory *device.DeviceMemoryProperties,
	memoryTypeIndex int,
	preferredBlockSize int,
	dedicatedThreshold int,
	granularity int,
	strategy metadata.AllocationStrategy,
) {
	p.mutex = utils.OptionalMutex{UseMutex: useMutex}
	p.logger = logger
	p.deviceMemory = deviceMemory
	p.memoryTypeIndex = memoryTypeIndex
	p.heapIndex = deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	p.preferredBlockSize = preferredBlockSize
	p.dedicatedThreshold = dedicatedThreshold
	p.granularity = granularity
	p.strategy = strategy
}

func (p *memoryPool) MemoryTypeIndex() int    { return p.memoryTypeIndex }
func (p *memoryPool) PreferredBlockSize() int { return p.preferredBlockSize }

// BlockCount is the number of live blocks in the pool
func (p *memoryPool) BlockCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.liveBlockCount()
}

func (p *memoryPool) liveBlockCount() int {
	count := 0
	for _, block := range p.blocks {
		if block != nil {
			count++
		}
	}
	return count
}

// sharedBlockCount is the number of live blocks that are not dedicated to a single allocation
func (p *memoryPool) sharedBlockCount() int {
	count := 0
	for _, block := range p.blocks {
		if block != nil && !block.dedicated {
			count++
		}
	}
	return count
}

// Allocate places an allocation of size bytes in an existing block if one has room, then in a new
// block of the preferred size, halving that size each time the driver refuses it, and finally in a
// block of exactly the requested size
func (p *memoryPool) Allocate(size, alignment int, chunkType metadata.ChunkType, dedicated bool, outAlloc *SubAllocation) error {
	heapSize := p.deviceMemory.HeapSize(p.heapIndex)
	if size > heapSize {
		return errors.Mark(
			errors.Newf("requested allocation of %d bytes is larger than heap %d, which holds %d bytes", size, p.heapIndex, heapSize),
			ErrDeviceOutOfMemory)
	}

	dedicated = dedicated || size > p.dedicatedThreshold

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !dedicated {
		for blockIndex, block := range p.blocks {
			if block == nil || block.dedicated {
				continue
			}

			success, err := p.allocFromBlock(blockIndex, block, size, alignment, chunkType, outAlloc)
			if err != nil {
				return err
			} else if success {
				p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Uint64("block.id", block.id))
				return nil
			}
		}

		for shift := 0; shift < newBlockSizeShiftCount; shift++ {
			blockSize := p.preferredBlockSize >> shift
			if blockSize < size {
				break
			}

			blockIndex, block, err := p.createBlock(blockSize, false)
			if backend.IsOutOfMemory(err) {
				p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Driver refused new block",
					slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
					slog.Int("size", blockSize))
				continue
			} else if err != nil {
				return p.blockError(err, blockSize)
			}

			return p.allocFromNewBlock(blockIndex, block, size, alignment, chunkType, outAlloc)
		}
	}

	blockIndex, block, err := p.createBlock(size, dedicated)
	if backend.IsOutOfMemory(err) {
		return errors.Mark(
			errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", size, p.memoryTypeIndex),
			ErrDeviceOutOfMemory)
	} else if err != nil {
		return p.blockError(err, size)
	}

	return p.allocFromNewBlock(blockIndex, block, size, alignment, chunkType, outAlloc)
}

func (p *memoryPool) blockError(err error, blockSize int) error {
	if backend.IsTooManyAllocations(err) {
		return errors.Mark(
			errors.Wrapf(err, "failed to allocate a %d byte block from memory type %d", blockSize, p.memoryTypeIndex),
			ErrTooManyAllocations)
	}
	return err
}

func (p *memoryPool) allocFromNewBlock(blockIndex int, block *memoryBlock, size, alignment int, chunkType metadata.ChunkType, outAlloc *SubAllocation) error {
	success, err := p.allocFromBlock(blockIndex, block, size, alignment, chunkType, outAlloc)
	if err != nil {
		return err
	} else if !success {
		return errors.Newf("allocation of %d bytes did not fit in new block %d of %d bytes", size, block.id, block.Size())
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Uint64("block.id", block.id),
		slog.Int("size", block.Size()),
		slog.Bool("dedicated", block.dedicated))
	return nil
}

func (p *memoryPool) createBlock(blockSize int, dedicated bool) (int, *memoryBlock, error) {
	memory, err := p.deviceMemory.AllocateDeviceMemory(p.memoryTypeIndex, blockSize)
	if err != nil {
		return -1, nil, err
	}

	p.nextBlockID++
	block := newMemoryBlock(p.logger, p.nextBlockID, p.memoryTypeIndex, memory, dedicated, p.strategy)

	for blockIndex := range p.blocks {
		if p.blocks[blockIndex] == nil {
			p.blocks[blockIndex] = block
			return blockIndex, block, nil
		}
	}

	p.blocks = append(p.blocks, block)
	return len(p.blocks) - 1, block, nil
}

func (p *memoryPool) allocFromBlock(blockIndex int, block *memoryBlock, size, alignment int, chunkType metadata.ChunkType, outAlloc *SubAllocation) (bool, error) {
	if block.metadata.SumFreeSize() < size {
		return false, nil
	}

	request, success, err := block.metadata.CreateAllocationRequest(size, alignment, chunkType, p.granularity)
	if err != nil || !success {
		return false, err
	}

	chunkID, err := block.metadata.Alloc(request)
	if err != nil {
		return false, err
	}
	memutils.DebugValidate(block)

	*outAlloc = SubAllocation{
		memoryTypeIndex: p.memoryTypeIndex,
		blockIndex:      blockIndex,
		blockID:         block.id,
		chunkID:         chunkID,
		memory:          block.memory.DeviceMemory(),
		blockSize:       block.Size(),
		offset:          request.Offset,
		size:            request.Size,
	}

	p.deviceMemory.AddAllocation(p.heapIndex, request.ChunkSize())
	return true, nil
}

// findBlock returns the block the allocation was carved from, and the chunk holding it. It must
// be called with the pool's mutex held.
func (p *memoryPool) findBlock(alloc *SubAllocation) (*memoryBlock, metadata.Chunk, error) {
	if alloc.blockIndex < 0 || alloc.blockIndex >= len(p.blocks) {
		return nil, metadata.Chunk{}, errors.Wrapf(ErrInvalidHandle, "block index %d is out of range", alloc.blockIndex)
	}

	block := p.blocks[alloc.blockIndex]
	if block == nil || block.id != alloc.blockID {
		return nil, metadata.Chunk{}, errors.Wrapf(ErrInvalidHandle, "block %d has been released", alloc.blockID)
	}

	chunk, ok := block.metadata.Chunk(alloc.chunkID)
	if !ok || chunk.IsFree() || alloc.offset < chunk.Offset || alloc.offset+alloc.size > chunk.End() {
		return nil, metadata.Chunk{}, errors.Wrapf(ErrInvalidHandle, "block %d holds no allocation at offset %d", alloc.blockID, alloc.offset)
	}

	return block, chunk, nil
}

// Free returns the allocation's chunk to its block. A block left empty is released to the driver
// if it was dedicated or if the pool has other shared blocks.
func (p *memoryPool) Free(alloc *SubAllocation) error {
	blockToDelete, err := p.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Uint64("block.id", blockToDelete.id))
		err = blockToDelete.Destroy(p.deviceMemory)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	return nil
}

func (p *memoryPool) freeWithLock(alloc *SubAllocation) (blockToDelete *memoryBlock, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, chunk, err := p.findBlock(alloc)
	if err != nil {
		return nil, err
	}

	err = block.metadata.Free(chunk.ID)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing chunk %d in metadata: %+v", chunk.ID, err))
	}
	memutils.DebugValidate(block)
	p.deviceMemory.RemoveAllocation(p.heapIndex, chunk.Size)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", p.memoryTypeIndex))

	if block.metadata.IsEmpty() && (block.dedicated || p.sharedBlockCount() > 1) {
		p.blocks[alloc.blockIndex] = nil
		return block, nil
	}

	return nil, nil
}

// Map maps the allocation's block, if it is not already mapped, and returns the address of the
// start of the allocation
func (p *memoryPool) Map(alloc *SubAllocation) (unsafe.Pointer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, _, err := p.findBlock(alloc)
	if err != nil {
		return nil, err
	}

	data, err := block.memory.Map(1)
	if err != nil {
		return nil, err
	}

	return unsafe.Add(data, alloc.offset), nil
}

func (p *memoryPool) Unmap(alloc *SubAllocation) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, _, err := p.findBlock(alloc)
	if err != nil {
		return err
	}

	return block.memory.Unmap(1)
}

// Bind binds the resource to the allocation's memory at the allocation's offset
func (p *memoryPool) Bind(alloc *SubAllocation, resource backend.Resource) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, _, err := p.findBlock(alloc)
	if err != nil {
		return err
	}

	return block.memory.Bind(resource, alloc.offset)
}

func (p *memoryPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		if block != nil {
			block.metadata.AddStatistics(stats)
		}
	}
}

func (p *memoryPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		if block != nil {
			block.metadata.AddDetailedStatistics(stats)
		}
	}
}

func (p *memoryPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for blockIndex, block := range p.blocks {
		if block == nil {
			continue
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "memory type %d block index %d failed validation", p.memoryTypeIndex, blockIndex)
		}
	}

	return nil
}

func (p *memoryPool) PrintDetailedMap(json *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		if block == nil {
			continue
		}

		blockObj := json.Name(strconv.FormatUint(block.id, 10)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		blockObj.Name("Dedicated").Bool(block.dedicated)
		block.metadata.PrintDetailedMap(&blockObj)

		blockObj.End()
	}
}

// Destroy releases every block in the pool. Allocations that were still live are logged and
// reported in the returned error.
func (p *memoryPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var result error
	for blockIndex, block := range p.blocks {
		if block == nil {
			continue
		}

		err := block.Destroy(p.deviceMemory)
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
		p.blocks[blockIndex] = nil
	}

	return result
}
