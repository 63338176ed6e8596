// Package backend describes the driver surface that the sub-allocator consumes. Production code
// uses backend/vulkan; tests and simulations use backend/fake.
package backend

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
)

//go:generate mockgen -source backend.go -destination ./mocks/backend.go -package mocks

// DeviceMemory is an opaque handle to one allocation obtained from the driver. It must be
// comparable, as allocators use it to tell blocks apart.
type DeviceMemory any

// Resource is a buffer or image that memory can be bound to
type Resource interface {
	// Linear is true for buffers and linearly-tiled images, and false for images whose
	// tiling is opaque. The two may not share a page of buffer-image granularity.
	Linear() bool
}

// MemoryRequirements is what the driver reports for a Resource
type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
	// RequiresDedicated is true when the driver demands the resource have a device memory
	// allocation of its own
	RequiresDedicated bool
	// PrefersDedicated is true when the driver suggests, but does not demand, a dedicated allocation
	PrefersDedicated bool
}

// DeviceProperties are the device limits that affect sub-allocation
type DeviceProperties struct {
	BufferImageGranularity   int
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
	IntegratedGPU            bool
}

// Backend is the set of driver calls the sub-allocator makes. Implementations must be safe for
// concurrent use.
type Backend interface {
	// DeviceProperties is queried once when an allocator is created
	DeviceProperties() (DeviceProperties, error)
	// MemoryProperties is queried once when an allocator is created
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	// AllocateMemory obtains a new block from the driver. When the driver has run out of memory,
	// the error returned is marked with ErrOutOfDeviceMemory.
	AllocateMemory(size int, memoryTypeIndex int) (DeviceMemory, error)
	FreeMemory(memory DeviceMemory)

	Requirements(resource Resource) (MemoryRequirements, error)
	Bind(resource Resource, memory DeviceMemory, offset int) error

	MapMemory(memory DeviceMemory, offset, size int) (unsafe.Pointer, error)
	UnmapMemory(memory DeviceMemory)
	FlushRange(memory DeviceMemory, offset, size int) error
	InvalidateRange(memory DeviceMemory, offset, size int) error
}
