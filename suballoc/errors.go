package suballoc

import "github.com/cockroachdb/errors"

var (
	// ErrNoCompatibleMemoryType is returned when no memory type accepted by the resource offers
	// the property flags its MemoryUsage requires
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrDeviceOutOfMemory is returned when the driver rejected every block size the allocator
	// tried, or the request is larger than its heap
	ErrDeviceOutOfMemory = errors.New("device out of memory")
	// ErrTooManyAllocations is returned when a new block was needed but the device already holds
	// as many memory allocations as it supports
	ErrTooManyAllocations = errors.New("too many device memory allocations")
	// ErrBindFailure is returned when binding a resource to its memory failed and the allocator
	// was created with AllocatorCreateRecoverableBindFailure. Otherwise, bind failures panic.
	ErrBindFailure = errors.New("failed to bind resource memory")
	// ErrInvalidHandle is returned when a SubAllocation does not refer to a live allocation, or
	// an allocation was requested into a SubAllocation that is still live
	ErrInvalidHandle = errors.New("invalid sub-allocation handle")
)
