package suballoc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
)

// Map returns a host pointer to the start of the allocation. The whole block is mapped the first
// time any allocation in it is mapped, and stays mapped until every Map has been matched with an
// Unmap.
func (a *Allocator) Map(alloc *SubAllocation) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Map")

	pool, err := a.poolFor(alloc)
	if err != nil {
		return nil, err
	}

	if !a.deviceMemory.IsMemoryTypeHostVisible(alloc.memoryTypeIndex) {
		return nil, errors.Newf("attempted to map memory type %d, which is not host visible", alloc.memoryTypeIndex)
	}

	return pool.Map(alloc)
}

// Unmap releases a reference taken by Map
func (a *Allocator) Unmap(alloc *SubAllocation) error {
	a.logger.Debug("Allocator::Unmap")

	pool, err := a.poolFor(alloc)
	if err != nil {
		return err
	}

	return pool.Unmap(alloc)
}

// Flush makes host writes to the allocation visible to the device. It does nothing for
// host-coherent memory. The allocation must be mapped.
func (a *Allocator) Flush(alloc *SubAllocation) error {
	a.logger.Debug("Allocator::Flush")

	return a.flushOrInvalidate(alloc, device.CacheOperationFlush)
}

// Invalidate makes device writes to the allocation visible to the host. It does nothing for
// host-coherent memory. The allocation must be mapped.
func (a *Allocator) Invalidate(alloc *SubAllocation) error {
	a.logger.Debug("Allocator::Invalidate")

	return a.flushOrInvalidate(alloc, device.CacheOperationInvalidate)
}

func (a *Allocator) flushOrInvalidate(alloc *SubAllocation, operation device.CacheOperation) error {
	_, err := a.poolFor(alloc)
	if err != nil {
		return err
	}

	return a.deviceMemory.FlushOrInvalidate(
		alloc.memoryTypeIndex,
		alloc.memory,
		alloc.blockSize,
		alloc.offset,
		alloc.size,
		operation,
	)
}

// WriteMapped copies data to the start of the allocation, mapping and flushing as necessary
func (a *Allocator) WriteMapped(alloc *SubAllocation, data []byte) (err error) {
	a.logger.Debug("Allocator::WriteMapped")

	if alloc == nil || !alloc.Valid() {
		return errors.Wrap(ErrInvalidHandle, "attempted to write to an invalid sub-allocation")
	}
	if len(data) > alloc.size {
		return errors.Newf("attempted to write %d bytes to an allocation of %d bytes", len(data), alloc.size)
	}

	ptr, err := a.Map(alloc)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := a.Unmap(alloc)
		if err == nil {
			err = unmapErr
		}
	}()

	copy(unsafe.Slice((*byte)(ptr), len(data)), data)

	return a.Flush(alloc)
}

// WriteMappedFrame writes data to the allocation that belongs to the provided frame, for
// resources that are duplicated once per frame in flight
func (a *Allocator) WriteMappedFrame(allocs []SubAllocation, frame int, data []byte) error {
	if len(allocs) == 0 {
		return errors.New("attempted to write a frame to an empty slice of sub-allocations")
	}
	if frame < 0 {
		return errors.Newf("frame index %d may not be negative", frame)
	}

	return a.WriteMapped(&allocs[frame%len(allocs)], data)
}
