package device

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils"
)

type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory backend.DeviceMemory, size int)
	Free(memoryTypeIndex int, memory backend.DeviceMemory, size int)
}

// DeviceMemoryProperties is the memory type table read from the backend at startup, along with
// per-heap accounting of everything allocated through it
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of sub-allocations that have been handed out from blocks
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of sub-allocations that have been handed out from blocks, including padding
	allocationBytes [common.MaxMemoryHeaps]int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	backend          backend.Backend
	deviceProperties backend.DeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	be backend.Backend,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,
		backend:         be,
	}

	var err error
	deviceProperties.deviceProperties, err = be.DeviceProperties()
	if err != nil {
		return nil, err
	}

	deviceProperties.memoryProperties = be.MemoryProperties()
	if deviceProperties.memoryProperties == nil {
		return nil, errors.New("backend did not report any memory properties")
	}

	if deviceProperties.deviceProperties.BufferImageGranularity < 1 {
		deviceProperties.deviceProperties.BufferImageGranularity = 1
	}
	if deviceProperties.deviceProperties.NonCoherentAtomSize < 1 {
		deviceProperties.deviceProperties.NonCoherentAtomSize = 1
	}

	err = memutils.CheckPow2(deviceProperties.deviceProperties.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceProperties.deviceProperties.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := deviceProperties.MemoryHeapCount()
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("backend reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range deviceProperties.memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but there are %d heaps", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("suballoc.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of memory heaps")
	}

	deviceProperties.heapLimits = make([]int, heapCount)
	copy(deviceProperties.heapLimits, heapSizeLimits)

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) DeviceProperties() backend.DeviceProperties {
	return m.deviceProperties
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// HeapSize is the usable size of a heap: its reported size, or its limit if one was set and
// is smaller
func (m *DeviceMemoryProperties) HeapSize(heapIndex int) int {
	heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
	limit := m.heapLimits[heapIndex]
	if limit > 0 && limit < heapSize {
		return limit
	}
	return heapSize
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	return m.deviceProperties.BufferImageGranularity
}

func (m *DeviceMemoryProperties) NonCoherentAtomSize() int {
	return m.deviceProperties.NonCoherentAtomSize
}

func (m *DeviceMemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.IntegratedGPU
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return backend.MarkOutOfMemory(errors.Newf("allocating %d bytes would exceed the %d byte limit of heap %d", allocationSize, maxAllocatable, heapIndex))
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory obtains a new block from the backend, enforcing the device allocation
// count and any heap limit
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.deviceProperties.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, backend.MarkTooManyAllocations(errors.Newf("exceeded the device limit of %d memory allocations", maxCount))
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if m.heapLimits[heapIndex] == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		err = m.addBlockAllocationWithBudget(heapIndex, size, m.HeapSize(heapIndex))
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	memory, err := m.backend.AllocateMemory(size, memoryTypeIndex)
	if err != nil {
		return nil, err
	}

	mem = newSynchronizedMemory(m.backend, memory, size, m.useMutex)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return mem, nil
}

// FreeDeviceMemory returns a block to the backend. It returns the number of map references that
// were still outstanding.
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryTypeIndex int, memory *SynchronizedMemory) int {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory.DeviceMemory(), memory.Size())
	}

	leakedReferences := memory.FreeMemory()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, memory.Size())
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))

	return leakedReferences
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills budgets with the usage of consecutive heaps, starting at firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		if m.heapLimits[heapIndex] > 0 {
			budgets[i].Budget = m.HeapSize(heapIndex)
		} else {
			budgets[i].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
		}
	}
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = make(map[CacheOperation]string)

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[CacheOperationFlush] = "CacheOperationFlush"
	cacheOperationMapping[CacheOperationInvalidate] = "CacheOperationInvalidate"
}

// FlushOrInvalidate widens [offset, offset+size) to whole non-coherent atoms, clamps it to the
// memory object, and issues the cache operation. Coherent memory is left alone.
func (m *DeviceMemoryProperties) FlushOrInvalidate(memoryTypeIndex int, memory backend.DeviceMemory, memorySize, offset, size int, operation CacheOperation) error {
	if size <= 0 || !m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		return nil
	}

	atomSize := uint(m.deviceProperties.NonCoherentAtomSize)
	start := memutils.AlignDown(offset, atomSize)
	end := memutils.AlignUp(offset+size, atomSize)
	if end > memorySize {
		end = memorySize
	}

	switch operation {
	case CacheOperationFlush:
		return m.backend.FlushRange(memory, start, end-start)
	case CacheOperationInvalidate:
		return m.backend.InvalidateRange(memory, start, end-start)
	}

	return errors.Newf("attempted to carry out invalid cache operation %d", operation)
}

// AllocationCount is the number of device memory blocks currently allocated
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
