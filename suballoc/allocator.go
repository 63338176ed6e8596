package suballoc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
)

// Allocator carves buffers and images out of large blocks of device memory, one pool of blocks
// per memory type. All methods are safe for concurrent use unless the allocator was created with
// AllocatorCreateExternallySynchronized.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	backend     backend.Backend
	createFlags CreateFlags

	preferredLargeHeapBlockSize   int
	preferredHostVisibleBlockSize int

	deviceMemory *device.DeviceMemoryProperties
	pools        []*memoryPool
}

// FindMemoryTypeIndex returns the first memory type index that is present in memoryTypeBits and
// has all of the requested property flags
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, flags core1_0.MemoryPropertyFlags) (int, error) {
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		if memoryTypeBits&(uint32(1)<<typeIndex) == 0 {
			continue
		}

		if a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags&flags == flags {
			return typeIndex, nil
		}
	}

	return -1, errors.Wrapf(ErrNoCompatibleMemoryType, "no memory type in bits %#x has flags %s", memoryTypeBits, flags)
}

// findMemoryTypeForUsage picks the memory type for a request, trying the usage's required and
// preferred flags together before settling for the required flags alone
func (a *Allocator) findMemoryTypeForUsage(memoryTypeBits uint32, usage MemoryUsage) (int, error) {
	required, preferred, err := usage.Flags(a.deviceMemory.IsIntegratedGPU())
	if err != nil {
		return -1, err
	}

	typeIndex, err := a.FindMemoryTypeIndex(memoryTypeBits, required|preferred)
	if err == nil || preferred == 0 {
		return typeIndex, err
	}

	return a.FindMemoryTypeIndex(memoryTypeBits, required)
}

// Allocate obtains memory for a buffer or image and binds the resource to it. Linear resources
// and optimally-tiled images are kept apart by the device's buffer-image granularity.
//
// If binding fails, the memory is released and the allocator panics, unless it was created with
// AllocatorCreateRecoverableBindFailure, in which case an error marked with ErrBindFailure is
// returned.
//
// resource - The buffer or image to obtain memory for
//
// usage - How the memory will be accessed
//
// outAlloc - A pointer to an invalid SubAllocation, which will be filled in on success
func (a *Allocator) Allocate(resource backend.Resource, usage MemoryUsage, outAlloc *SubAllocation) error {
	a.logger.Debug("Allocator::Allocate")

	if resource == nil {
		return errors.New("attempted to allocate memory for a nil resource")
	}

	memoryRequirements, err := a.backend.Requirements(resource)
	if err != nil {
		return errors.Wrap(err, "failed to query memory requirements")
	}

	chunkType := metadata.ChunkImage
	if resource.Linear() {
		chunkType = metadata.ChunkLinear
	}

	err = a.AllocateMemory(memoryRequirements, usage, chunkType, outAlloc)
	if err != nil {
		return err
	}

	err = a.pools[outAlloc.memoryTypeIndex].Bind(outAlloc, resource)
	if err != nil {
		return a.bindFailure(err, outAlloc)
	}

	return nil
}

func (a *Allocator) bindFailure(bindErr error, alloc *SubAllocation) error {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to bind resource memory",
		slog.String("allocation", alloc.String()),
		slog.Any("error", bindErr),
	)

	err := errors.Mark(errors.Wrapf(bindErr, "failed to bind resource to %s", alloc.String()), ErrBindFailure)

	freeErr := a.Free(alloc)
	if freeErr != nil {
		err = errors.CombineErrors(err, freeErr)
	}

	if a.createFlags&AllocatorCreateRecoverableBindFailure == 0 {
		panic(fmt.Sprintf("%+v", err))
	}

	return err
}

// AllocateMemory obtains memory that satisfies the provided requirements without binding anything
// to it
//
// memoryRequirements - The size, alignment, and memory type bits the memory must satisfy
//
// usage - How the memory will be accessed
//
// chunkType - Whether the memory will hold a linear resource or an optimally-tiled image
//
// outAlloc - A pointer to an invalid SubAllocation, which will be filled in on success
func (a *Allocator) AllocateMemory(memoryRequirements backend.MemoryRequirements, usage MemoryUsage, chunkType metadata.ChunkType, outAlloc *SubAllocation) error {
	a.logger.Debug("Allocator::AllocateMemory")

	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil sub-allocation")
	}
	if outAlloc.Valid() {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "attempted to allocate into a live sub-allocation",
			slog.String("allocation", outAlloc.String()))
		return errors.Wrapf(ErrInvalidHandle, "attempted to allocate into %s, which is still live", outAlloc.String())
	}
	if memoryRequirements.Size <= 0 {
		return errors.Newf("allocation size must be positive, but was %d", memoryRequirements.Size)
	}
	if chunkType == metadata.ChunkFree {
		return errors.New("attempted to allocate memory for a chunk of type Free")
	}
	if memoryRequirements.Alignment > 1 {
		err := memutils.CheckPow2(memoryRequirements.Alignment, "alignment")
		if err != nil {
			return err
		}
	}

	memoryTypeIndex, err := a.findMemoryTypeForUsage(memoryRequirements.MemoryTypeBits, usage)
	if err != nil {
		return err
	}

	dedicated := memoryRequirements.RequiresDedicated ||
		(memoryRequirements.PrefersDedicated && a.createFlags&AllocatorCreateHonorPrefersDedicated != 0)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Allocating memory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("size", memoryRequirements.Size),
		slog.Int("alignment", memoryRequirements.Alignment),
		slog.String("usage", usage.String()),
		slog.String("type", chunkType.String()),
	)

	return a.pools[memoryTypeIndex].Allocate(
		memoryRequirements.Size,
		memoryRequirements.Alignment,
		chunkType,
		dedicated,
		outAlloc,
	)
}

// AllocateSlice allocates and binds memory for each resource in turn. If any allocation fails,
// the allocations already made by this call are freed and the error is returned.
func (a *Allocator) AllocateSlice(resources []backend.Resource, usage MemoryUsage, allocations []SubAllocation) error {
	a.logger.Debug("Allocator::AllocateSlice")

	if len(resources) != len(allocations) {
		return errors.Newf("attempted to allocate %d resources into %d sub-allocations", len(resources), len(allocations))
	}

	for allocIndex := range resources {
		err := a.Allocate(resources[allocIndex], usage, &allocations[allocIndex])
		if err != nil {
			return a.rollbackSlice(allocations[:allocIndex], err)
		}
	}

	return nil
}

// AllocateMemorySlice fills every entry of allocations with memory satisfying the same
// requirements. If any allocation fails, the allocations already made by this call are freed
// and the error is returned.
func (a *Allocator) AllocateMemorySlice(memoryRequirements backend.MemoryRequirements, usage MemoryUsage, chunkType metadata.ChunkType, allocations []SubAllocation) error {
	a.logger.Debug("Allocator::AllocateMemorySlice")

	for allocIndex := range allocations {
		err := a.AllocateMemory(memoryRequirements, usage, chunkType, &allocations[allocIndex])
		if err != nil {
			return a.rollbackSlice(allocations[:allocIndex], err)
		}
	}

	return nil
}

func (a *Allocator) rollbackSlice(allocations []SubAllocation, err error) error {
	for allocIndex := range allocations {
		freeErr := a.Free(&allocations[allocIndex])
		if freeErr != nil {
			err = errors.CombineErrors(err, freeErr)
		}
	}

	return err
}

// Free returns an allocation's memory to its block and resets the handle to the zero value.
// Freeing the zero SubAllocation does nothing. Freeing a handle whose memory was already
// released returns ErrInvalidHandle.
func (a *Allocator) Free(alloc *SubAllocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil || !alloc.Valid() {
		a.logger.Warn("attempted to free an invalid sub-allocation")
		memutils.DebugPanicf("attempted to free an invalid sub-allocation")
		return nil
	}

	pool, err := a.poolFor(alloc)
	if err != nil {
		return err
	}

	err = pool.Free(alloc)
	if err != nil {
		return err
	}

	*alloc = SubAllocation{}
	return nil
}

// FreeSlice frees every valid allocation in the slice
func (a *Allocator) FreeSlice(allocations []SubAllocation) error {
	a.logger.Debug("Allocator::FreeSlice")

	var result error
	for allocIndex := range allocations {
		if !allocations[allocIndex].Valid() {
			continue
		}

		err := a.Free(&allocations[allocIndex])
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result
}

// Reallocate frees alloc, if it is valid, and allocates fresh memory for the resource into it
func (a *Allocator) Reallocate(resource backend.Resource, usage MemoryUsage, alloc *SubAllocation) error {
	a.logger.Debug("Allocator::Reallocate")

	if alloc == nil {
		return errors.New("attempted to reallocate a nil sub-allocation")
	}

	if alloc.Valid() {
		err := a.Free(alloc)
		if err != nil {
			return err
		}
	}

	return a.Allocate(resource, usage, alloc)
}

func (a *Allocator) poolFor(alloc *SubAllocation) (*memoryPool, error) {
	if alloc == nil || !alloc.Valid() {
		return nil, errors.Wrap(ErrInvalidHandle, "sub-allocation is not live")
	}
	if alloc.memoryTypeIndex < 0 || alloc.memoryTypeIndex >= len(a.pools) {
		return nil, errors.Wrapf(ErrInvalidHandle, "memory type %d does not belong to this allocator", alloc.memoryTypeIndex)
	}

	return a.pools[alloc.memoryTypeIndex], nil
}

// Validate checks the bookkeeping of every block in every pool
func (a *Allocator) Validate() error {
	for _, pool := range a.pools {
		err := pool.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// Destroy releases every block the allocator holds. Allocations that were never freed are
// logged with [UNRELEASED MEMORY] and reported in the returned error. The allocator must not be
// used afterward.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var result error
	for _, pool := range a.pools {
		err := pool.Destroy()
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result
}
