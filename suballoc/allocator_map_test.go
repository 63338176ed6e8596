package suballoc

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/backend/fake"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

func mappedBytes(alloc SubAllocation, length int) []byte {
	data := alloc.Memory().(*fake.Memory).Bytes()
	return data[alloc.Offset() : alloc.Offset()+length]
}

func TestMap_SharesBlockMapping(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	allocs := make([]SubAllocation, 2)
	require.NoError(t, allocator.AllocateMemorySlice(requirements(100, 1, hostLocalBits), MemoryUsageHostLocal, metadata.ChunkLinear, allocs))
	require.Equal(t, allocs[0].Memory(), allocs[1].Memory())

	first, err := allocator.Map(&allocs[0])
	require.NoError(t, err)
	second, err := allocator.Map(&allocs[1])
	require.NoError(t, err)

	require.Equal(t, uintptr(allocs[1].Offset()-allocs[0].Offset()), uintptr(second)-uintptr(first))
	require.True(t, be.IsMapped(allocs[0].Memory()))

	require.NoError(t, allocator.Unmap(&allocs[0]))
	require.True(t, be.IsMapped(allocs[0].Memory()))

	require.NoError(t, allocator.Unmap(&allocs[1]))
	require.False(t, be.IsMapped(allocs[0].Memory()))

	require.Error(t, allocator.Unmap(&allocs[1]))
}

func TestMap_RejectsBadAllocations(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var deviceLocal SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &deviceLocal))

	_, err := allocator.Map(&deviceLocal)
	require.Error(t, err)

	var invalid SubAllocation
	_, err = allocator.Map(&invalid)
	require.True(t, errors.Is(err, ErrInvalidHandle))
	require.True(t, errors.Is(allocator.Unmap(&invalid), ErrInvalidHandle))
	require.True(t, errors.Is(allocator.Flush(&invalid), ErrInvalidHandle))
}

func TestWriteMapped(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{NonCoherentAtomSize: 64}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 16, hostCachedBits), MemoryUsageHostCached, metadata.ChunkLinear, &alloc))
	require.Equal(t, 2, alloc.MemoryTypeIndex())

	payload := []byte("vertex data")
	require.NoError(t, allocator.WriteMapped(&alloc, payload))

	require.Equal(t, payload, mappedBytes(alloc, len(payload)))
	require.False(t, be.IsMapped(alloc.Memory()))

	flushes, invalidates := be.CacheOperations()
	require.Equal(t, 1, flushes)
	require.Zero(t, invalidates)

	err := allocator.WriteMapped(&alloc, make([]byte, 101))
	require.Error(t, err)

	var invalid SubAllocation
	require.True(t, errors.Is(allocator.WriteMapped(&invalid, payload), ErrInvalidHandle))
}

func TestWriteMapped_KeepsExistingMapping(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, hostLocalBits), MemoryUsageHostLocal, metadata.ChunkLinear, &alloc))

	ptr, err := allocator.Map(&alloc)
	require.NoError(t, err)

	require.NoError(t, allocator.WriteMapped(&alloc, []byte{1, 2, 3}))
	require.True(t, be.IsMapped(alloc.Memory()))
	require.Equal(t, []byte{1, 2, 3}, unsafe.Slice((*byte)(ptr), 3))

	require.NoError(t, allocator.Unmap(&alloc))
}

func TestFlush_CoherentIsNoOp(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{NonCoherentAtomSize: 64}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, hostLocalBits), MemoryUsageHostLocal, metadata.ChunkLinear, &alloc))

	// Not even mapped, which a real flush would require
	require.NoError(t, allocator.Flush(&alloc))
	require.NoError(t, allocator.Invalidate(&alloc))

	flushes, invalidates := be.CacheOperations()
	require.Zero(t, flushes)
	require.Zero(t, invalidates)
}

func TestInvalidate(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{NonCoherentAtomSize: 64}, smallBlocks(0))

	allocs := make([]SubAllocation, 2)
	require.NoError(t, allocator.AllocateMemorySlice(requirements(100, 1, hostCachedBits), MemoryUsageHostCached, metadata.ChunkLinear, allocs))

	// The second allocation begins mid-atom, so the range is widened in both directions
	require.Equal(t, 100, allocs[1].Offset())

	_, err := allocator.Map(&allocs[1])
	require.NoError(t, err)
	require.NoError(t, allocator.Invalidate(&allocs[1]))
	require.NoError(t, allocator.Flush(&allocs[1]))
	require.NoError(t, allocator.Unmap(&allocs[1]))

	flushes, invalidates := be.CacheOperations()
	require.Equal(t, 1, flushes)
	require.Equal(t, 1, invalidates)

	// Non-coherent memory must be mapped to be invalidated
	require.Error(t, allocator.Invalidate(&allocs[1]))
}

func TestWriteMappedFrame(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	allocs := make([]SubAllocation, 3)
	require.NoError(t, allocator.AllocateMemorySlice(requirements(64, 64, hostLocalBits), MemoryUsageHostToDevice, metadata.ChunkLinear, allocs))

	require.NoError(t, allocator.WriteMappedFrame(allocs, 4, []byte("frame four")))
	require.Equal(t, []byte("frame four"), mappedBytes(allocs[1], 10))
	require.Equal(t, make([]byte, 10), mappedBytes(allocs[0], 10))
	require.Equal(t, make([]byte, 10), mappedBytes(allocs[2], 10))

	require.Error(t, allocator.WriteMappedFrame(nil, 0, []byte("frame")))
	require.Error(t, allocator.WriteMappedFrame(allocs, -1, []byte("frame")))
}
