// Package fake is an in-process backend.Backend that hands out Go byte slices as device memory.
// It enforces the same rules a Vulkan driver would (heap capacity, allocation count, single
// mapping per memory object, atom-aligned flush ranges) and lets tests inject out-of-memory
// failures at chosen sizes.
package fake

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils"
)

// Memory is the backend.DeviceMemory handed out by Backend
type Memory struct {
	id              int
	memoryTypeIndex int
	size            int

	data   []byte
	mapped bool
}

func (m *Memory) ID() int              { return m.id }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *Memory) Size() int            { return m.size }

// Bytes returns the backing storage of this memory. It is allocated lazily on first map.
func (m *Memory) Bytes() []byte { return m.data }

// Resource is a buffer or image with fixed requirements
type Resource struct {
	Reqs     backend.MemoryRequirements
	IsLinear bool
	// BindError, if set, is returned from Backend.Bind
	BindError error

	mutex       sync.Mutex
	boundMemory backend.DeviceMemory
	boundOffset int
}

var _ backend.Resource = &Resource{}

// NewBuffer creates a linear resource with the provided requirements
func NewBuffer(reqs backend.MemoryRequirements) *Resource {
	return &Resource{Reqs: reqs, IsLinear: true}
}

// NewImage creates an optimally-tiled image resource with the provided requirements
func NewImage(reqs backend.MemoryRequirements) *Resource {
	return &Resource{Reqs: reqs}
}

func (r *Resource) Linear() bool { return r.IsLinear }

// Binding returns the memory and offset this resource was last bound to
func (r *Resource) Binding() (backend.DeviceMemory, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.boundMemory, r.boundOffset
}

// Options configures a Backend
type Options struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	BufferImageGranularity   int
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
	IntegratedGPU            bool

	// FailAllocation, if set, is consulted before every allocation. Returning true makes the
	// allocation fail as out of memory.
	FailAllocation func(size, memoryTypeIndex int) bool
}

// Backend is a thread-safe backend.Backend over host memory
type Backend struct {
	options Options

	mutex       sync.Mutex
	nextID      int
	live        map[*Memory]struct{}
	heapUsage   []int
	allocations []int
	flushes     int
	invalidates int
}

var _ backend.Backend = &Backend{}

// New creates a Backend. Zero granularity, atom size and allocation count are replaced with 1, 1
// and 4096.
func New(options Options) *Backend {
	if options.BufferImageGranularity == 0 {
		options.BufferImageGranularity = 1
	}
	if options.NonCoherentAtomSize == 0 {
		options.NonCoherentAtomSize = 1
	}
	if options.MaxMemoryAllocationCount == 0 {
		options.MaxMemoryAllocationCount = 4096
	}

	return &Backend{
		options:   options,
		live:      make(map[*Memory]struct{}),
		heapUsage: make([]int, len(options.MemoryHeaps)),
	}
}

// RejectSizes returns a FailAllocation function that fails every allocation of one of the
// provided sizes
func RejectSizes(sizes ...int) func(size, memoryTypeIndex int) bool {
	rejected := make(map[int]struct{}, len(sizes))
	for _, size := range sizes {
		rejected[size] = struct{}{}
	}

	return func(size, _ int) bool {
		_, ok := rejected[size]
		return ok
	}
}

// SetFailAllocation replaces the allocation failure hook
func (b *Backend) SetFailAllocation(fail func(size, memoryTypeIndex int) bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.options.FailAllocation = fail
}

func (b *Backend) DeviceProperties() (backend.DeviceProperties, error) {
	return backend.DeviceProperties{
		BufferImageGranularity:   b.options.BufferImageGranularity,
		NonCoherentAtomSize:      b.options.NonCoherentAtomSize,
		MaxMemoryAllocationCount: b.options.MaxMemoryAllocationCount,
		IntegratedGPU:            b.options.IntegratedGPU,
	}, nil
}

func (b *Backend) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: append([]core1_0.MemoryType(nil), b.options.MemoryTypes...),
		MemoryHeaps: append([]core1_0.MemoryHeap(nil), b.options.MemoryHeaps...),
	}
}

func (b *Backend) AllocateMemory(size int, memoryTypeIndex int) (backend.DeviceMemory, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(b.options.MemoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}
	if size <= 0 {
		return nil, errors.Newf("allocation size must be positive, but was %d", size)
	}

	b.allocations = append(b.allocations, size)

	if b.options.FailAllocation != nil && b.options.FailAllocation(size, memoryTypeIndex) {
		return nil, backend.MarkOutOfMemory(errors.Newf("injected failure allocating %d bytes from memory type %d", size, memoryTypeIndex))
	}

	if len(b.live) >= b.options.MaxMemoryAllocationCount {
		return nil, backend.MarkTooManyAllocations(errors.Newf("exceeded the device limit of %d allocations", b.options.MaxMemoryAllocationCount))
	}

	heapIndex := b.options.MemoryTypes[memoryTypeIndex].HeapIndex
	if b.heapUsage[heapIndex]+size > b.options.MemoryHeaps[heapIndex].Size {
		return nil, backend.MarkOutOfMemory(errors.Newf("heap %d cannot fit %d more bytes", heapIndex, size))
	}

	b.nextID++
	memory := &Memory{
		id:              b.nextID,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
	}
	b.live[memory] = struct{}{}
	b.heapUsage[heapIndex] += size

	return memory, nil
}

func (b *Backend) lookup(memory backend.DeviceMemory) (*Memory, error) {
	mem, ok := memory.(*Memory)
	if !ok || mem == nil {
		return nil, errors.Newf("%T is not memory from the fake backend", memory)
	}
	if _, live := b.live[mem]; !live {
		return nil, errors.Newf("memory %d is not live", mem.id)
	}

	return mem, nil
}

func (b *Backend) FreeMemory(memory backend.DeviceMemory) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	mem, err := b.lookup(memory)
	if err != nil {
		panic(err)
	}

	delete(b.live, mem)
	b.heapUsage[b.options.MemoryTypes[mem.memoryTypeIndex].HeapIndex] -= mem.size
	mem.mapped = false
	mem.data = nil
}

func (b *Backend) Requirements(resource backend.Resource) (backend.MemoryRequirements, error) {
	res, ok := resource.(*Resource)
	if !ok {
		return backend.MemoryRequirements{}, errors.Newf("%T is not a fake resource", resource)
	}

	return res.Reqs, nil
}

func (b *Backend) Bind(resource backend.Resource, memory backend.DeviceMemory, offset int) error {
	res, ok := resource.(*Resource)
	if !ok {
		return errors.Newf("%T is not a fake resource", resource)
	}
	if res.BindError != nil {
		return res.BindError
	}

	b.mutex.Lock()
	mem, err := b.lookup(memory)
	b.mutex.Unlock()
	if err != nil {
		return err
	}

	if res.Reqs.Alignment > 1 && offset%res.Reqs.Alignment != 0 {
		return errors.Newf("offset %d does not satisfy alignment %d", offset, res.Reqs.Alignment)
	}
	if offset < 0 || offset+res.Reqs.Size > mem.size {
		return errors.Newf("resource of %d bytes at offset %d overruns memory of %d bytes", res.Reqs.Size, offset, mem.size)
	}

	res.mutex.Lock()
	defer res.mutex.Unlock()

	res.boundMemory = memory
	res.boundOffset = offset
	return nil
}

func (b *Backend) MapMemory(memory backend.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	mem, err := b.lookup(memory)
	if err != nil {
		return nil, err
	}

	flags := b.options.MemoryTypes[mem.memoryTypeIndex].PropertyFlags
	if flags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, errors.Newf("memory type %d is not host visible", mem.memoryTypeIndex)
	}
	if mem.mapped {
		return nil, errors.Newf("memory %d is already mapped", mem.id)
	}
	if offset < 0 || offset+size > mem.size || size <= 0 {
		return nil, errors.Newf("map range %d+%d is outside memory of %d bytes", offset, size, mem.size)
	}

	if mem.data == nil {
		mem.data = make([]byte, mem.size)
	}
	mem.mapped = true

	return unsafe.Pointer(&mem.data[offset]), nil
}

func (b *Backend) UnmapMemory(memory backend.DeviceMemory) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	mem, err := b.lookup(memory)
	if err != nil {
		panic(err)
	}
	if !mem.mapped {
		panic(errors.Newf("memory %d is not mapped", mem.id))
	}

	mem.mapped = false
}

func (b *Backend) checkRange(memory backend.DeviceMemory, offset, size int) error {
	mem, err := b.lookup(memory)
	if err != nil {
		return err
	}
	if !mem.mapped {
		return errors.Newf("memory %d is not mapped", mem.id)
	}

	atom := uint(b.options.NonCoherentAtomSize)
	if memutils.AlignDown(offset, atom) != offset {
		return errors.Newf("range offset %d is not a multiple of the atom size %d", offset, atom)
	}
	if offset+size != mem.size && memutils.AlignDown(size, atom) != size {
		return errors.Newf("range size %d is not a multiple of the atom size %d", size, atom)
	}
	if offset < 0 || size <= 0 || offset+size > mem.size {
		return errors.Newf("range %d+%d is outside memory of %d bytes", offset, size, mem.size)
	}

	return nil
}

func (b *Backend) FlushRange(memory backend.DeviceMemory, offset, size int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.checkRange(memory, offset, size)
	if err != nil {
		return err
	}

	b.flushes++
	return nil
}

func (b *Backend) InvalidateRange(memory backend.DeviceMemory, offset, size int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.checkRange(memory, offset, size)
	if err != nil {
		return err
	}

	b.invalidates++
	return nil
}

// LiveAllocations is the number of memory objects currently allocated
func (b *Backend) LiveAllocations() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.live)
}

// AllocationSizes is the size of every allocation attempted, successful or not, in order
func (b *Backend) AllocationSizes() []int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return append([]int(nil), b.allocations...)
}

// HeapUsage is the number of bytes currently allocated from the heap
func (b *Backend) HeapUsage(heapIndex int) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.heapUsage[heapIndex]
}

// CacheOperations returns the number of successful flush and invalidate calls
func (b *Backend) CacheOperations() (flushes, invalidates int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.flushes, b.invalidates
}

// IsMapped reports whether the memory is currently mapped
func (b *Backend) IsMapped(memory backend.DeviceMemory) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	mem, err := b.lookup(memory)
	return err == nil && mem.mapped
}
