package device

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/suballoc/internal/utils"
)

// SynchronizedMemory is one block of device memory together with its mapping state. The whole
// block is mapped when the first reference is taken and unmapped when the last is released.
type SynchronizedMemory struct {
	// Mapping data
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   backend.DeviceMemory
	size     int
	backend  backend.Backend
}

func newSynchronizedMemory(be backend.Backend, memory backend.DeviceMemory, size int, useMutex bool) *SynchronizedMemory {
	return &SynchronizedMemory{
		memory: memory,
		size:   size,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		backend: be,
	}
}

func (m *SynchronizedMemory) DeviceMemory() backend.DeviceMemory {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.size
}

func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// Bind binds the resource to this memory at the provided offset
func (m *SynchronizedMemory) Bind(resource backend.Resource, offset int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.backend.Bind(resource, m.memory, offset)
}

// Map adds references to the block's mapping and returns the address of the start of the block
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references <= 0 {
		return nil, errors.Errorf("attempted to map memory with %d references", references)
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, nil
	}

	mappedData, err := m.backend.MapMemory(m.memory, 0, m.size)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap releases references to the block's mapping, unmapping it when none remain
func (m *SynchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return errors.New("attempted to unmap device memory that is not mapped")
	}
	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.backend.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

// FreeMemory drops any outstanding mapping and returns the memory to the driver. It returns
// the number of map references that were still held.
func (m *SynchronizedMemory) FreeMemory() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	leaked := m.mapReferences
	if m.mapReferences > 0 {
		m.backend.UnmapMemory(m.memory)
		m.mapReferences = 0
		m.mapData = nil
	}

	m.backend.FreeMemory(m.memory)
	return leaked
}
