package suballoc

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/backend/fake"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

func TestFindMemoryTypeIndex(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, CreateOptions{})

	testCases := map[string]struct {
		bits     uint32
		flags    core1_0.MemoryPropertyFlags
		expected int
	}{
		"FirstMatchWins": {
			bits:     allTypeBits,
			flags:    core1_0.MemoryPropertyDeviceLocal,
			expected: 0,
		},
		"BitsExcludeFirstMatch": {
			bits:     hostCachedBits | lazyBits,
			flags:    core1_0.MemoryPropertyDeviceLocal,
			expected: 3,
		},
		"Superset": {
			bits:     allTypeBits,
			flags:    core1_0.MemoryPropertyHostVisible,
			expected: 1,
		},
		"NoFlags": {
			bits:     hostCachedBits,
			expected: 2,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			typeIndex, err := allocator.FindMemoryTypeIndex(testCase.bits, testCase.flags)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, typeIndex)
		})
	}

	_, err := allocator.FindMemoryTypeIndex(deviceLocalBits, core1_0.MemoryPropertyHostVisible)
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))

	_, err = allocator.FindMemoryTypeIndex(0, 0)
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))
}

func TestAllocateMemory_PreferredFlagsFallBack(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var cached, coherent SubAllocation
	err := allocator.AllocateMemory(requirements(100, 1, allTypeBits), MemoryUsageHostCached, metadata.ChunkLinear, &cached)
	require.NoError(t, err)
	require.Equal(t, 2, cached.MemoryTypeIndex())

	// Without the cached type, any host-visible type will do
	err = allocator.AllocateMemory(requirements(100, 1, deviceLocalBits|hostLocalBits), MemoryUsageHostCached, metadata.ChunkLinear, &coherent)
	require.NoError(t, err)
	require.Equal(t, 1, coherent.MemoryTypeIndex())
}

func TestAllocateMemory_IntegratedDeviceLocal(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{IntegratedGPU: true}, smallBlocks(0))

	var alloc SubAllocation
	err := allocator.AllocateMemory(requirements(100, 1, hostLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.MemoryTypeIndex())
}

func TestAllocateMemory_NoCompatibleMemoryType(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var alloc SubAllocation
	err := allocator.AllocateMemory(requirements(100, 1, deviceLocalBits|hostCachedBits), MemoryUsageLazilyAllocated, metadata.ChunkLinear, &alloc)
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))
	require.False(t, alloc.Valid())
	require.Empty(t, be.AllocationSizes())

	err = allocator.AllocateMemory(requirements(100, 1, allTypeBits), MemoryUsage(99), metadata.ChunkLinear, &alloc)
	require.Error(t, err)
}

func TestAllocateMemory_BadRequests(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var alloc SubAllocation
	require.Error(t, allocator.AllocateMemory(requirements(0, 1, allTypeBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Error(t, allocator.AllocateMemory(requirements(100, 1, allTypeBits), MemoryUsageDeviceLocal, metadata.ChunkFree, &alloc))
	require.Error(t, allocator.AllocateMemory(requirements(100, 3, allTypeBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Error(t, allocator.AllocateMemory(requirements(100, 1, allTypeBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, nil))
	require.False(t, alloc.Valid())
}

func TestAllocateMemory_IntoLiveHandle(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	before := alloc

	err := allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc)
	require.True(t, errors.Is(err, ErrInvalidHandle))
	require.Equal(t, before, alloc)
	require.Len(t, be.AllocationSizes(), 1)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)
}

func TestAllocateMemory_AlignedAndDisjoint(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{BufferImageGranularity: 256}, smallBlocks(0))
	rng := rand.New(rand.NewSource(7))

	allocs := make([]SubAllocation, 300)
	for allocIndex := range allocs {
		alignment := 1 << rng.Intn(10)
		size := 1 + rng.Intn(20000)
		chunkType := metadata.ChunkLinear
		if rng.Intn(2) == 0 {
			chunkType = metadata.ChunkImage
		}

		err := allocator.AllocateMemory(requirements(size, alignment, deviceLocalBits), MemoryUsageDeviceLocal, chunkType, &allocs[allocIndex])
		require.NoError(t, err)
		require.Zero(t, allocs[allocIndex].Offset()%alignment)
		require.Equal(t, size, allocs[allocIndex].Size())
		require.LessOrEqual(t, allocs[allocIndex].Offset()+size, testBlockSize)
	}

	requireDisjoint(t, allocs)
	require.NoError(t, allocator.Validate())

	// Free a random half and fill the holes again
	for allocIndex := range allocs {
		if rng.Intn(2) == 0 {
			require.NoError(t, allocator.Free(&allocs[allocIndex]))
		}
	}
	require.NoError(t, allocator.Validate())

	for allocIndex := range allocs {
		if allocs[allocIndex].Valid() {
			continue
		}

		alignment := 1 << rng.Intn(10)
		err := allocator.AllocateMemory(requirements(1+rng.Intn(20000), alignment, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkImage, &allocs[allocIndex])
		require.NoError(t, err)
		require.Zero(t, allocs[allocIndex].Offset()%alignment)
	}

	requireDisjoint(t, allocs)
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.FreeSlice(allocs))
}

func TestAllocateMemory_GranularityBoundary(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{BufferImageGranularity: 1024}, smallBlocks(0))

	var linear, image, secondImage, secondLinear SubAllocation
	reqs := requirements(100, 1, deviceLocalBits)

	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &linear))
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkImage, &image))
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkImage, &secondImage))

	require.Equal(t, 0, linear.Offset())
	require.Equal(t, 1024, image.Offset())
	require.Equal(t, 1124, secondImage.Offset())

	// The free range after the second image starts on its page, so a linear resource is pushed
	// to the next page
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &secondLinear))
	require.Equal(t, 2048, secondLinear.Offset())
	require.Equal(t, linear.Memory(), secondLinear.Memory())
}

// bestFitLayout frees three holes of 100, 30 and 50 bytes, separated by live allocations
func bestFitLayout(t *testing.T, allocator *Allocator) []SubAllocation {
	allocs := make([]SubAllocation, 6)
	for allocIndex, size := range []int{100, 10, 30, 10, 50, 10} {
		require.NoError(t, allocator.AllocateMemory(requirements(size, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &allocs[allocIndex]))
	}
	require.Equal(t, 150, allocs[4].Offset())

	for _, allocIndex := range []int{0, 2, 4} {
		require.NoError(t, allocator.Free(&allocs[allocIndex]))
	}

	return allocs
}

func TestAllocateMemory_BestFit(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(AllocatorCreateBestFit))
	bestFitLayout(t, allocator)

	var exact, loose SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(30, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &exact))
	require.Equal(t, 110, exact.Offset())

	require.NoError(t, allocator.AllocateMemory(requirements(40, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &loose))
	require.Equal(t, 150, loose.Offset())
}

func TestAllocateMemory_FirstFit(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))
	bestFitLayout(t, allocator)

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(40, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Equal(t, 0, alloc.Offset())
}

func TestFree_MergesBackToSingleRange(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	allocs := make([]SubAllocation, 3)
	require.NoError(t, allocator.AllocateMemorySlice(requirements(1000, 16, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, allocs))

	for _, allocIndex := range []int{1, 0, 2} {
		require.NoError(t, allocator.Free(&allocs[allocIndex]))
		require.False(t, allocs[allocIndex].Valid())
		require.NoError(t, allocator.Validate())
	}

	chunks := allocator.pools[0].blocks[0].metadata.Chunks()
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Offset)
	require.Equal(t, testBlockSize, chunks[0].Size)
	require.True(t, chunks[0].IsFree())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.MemoryTypes[0].BlockCount)
	require.Equal(t, 1, stats.MemoryTypes[0].UnusedRangeCount)
	require.Zero(t, stats.MemoryTypes[0].AllocationCount)
}

func TestAllocateMemory_GrowthBackoff(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{
		FailAllocation: fake.RejectSizes(testBlockSize, testBlockSize/2),
	}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(1000, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Equal(t, []int{testBlockSize, testBlockSize / 2, testBlockSize / 4}, be.AllocationSizes())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, testBlockSize/4, stats.MemoryTypes[0].BlockBytes)
}

func TestAllocateMemory_ExactSizeFallback(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{
		FailAllocation: fake.RejectSizes(testBlockSize, testBlockSize/2, testBlockSize/4, testBlockSize/8),
	}, smallBlocks(0))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(1000, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Equal(t, []int{testBlockSize, testBlockSize / 2, testBlockSize / 4, testBlockSize / 8, 1000}, be.AllocationSizes())
}

func TestAllocateMemory_SkipsBlockSizesBelowRequest(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{
		FailAllocation: fake.RejectSizes(testBlockSize),
	}, smallBlocks(0))

	size := testBlockSize/2 + 1
	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(size, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	require.Equal(t, []int{testBlockSize, size}, be.AllocationSizes())
}

func TestAllocateMemory_OutOfMemory(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{
		FailAllocation: func(size, memoryTypeIndex int) bool { return true },
	}, smallBlocks(0))

	var alloc SubAllocation
	err := allocator.AllocateMemory(requirements(1000, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc)
	require.True(t, errors.Is(err, ErrDeviceOutOfMemory))
	require.False(t, alloc.Valid())
	require.Len(t, be.AllocationSizes(), newBlockSizeShiftCount+1)
	require.Zero(t, allocator.BlockCount(0))

	// The driver recovers
	be.SetFailAllocation(nil)
	require.NoError(t, allocator.AllocateMemory(requirements(1000, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
}

func TestAllocateMemory_LargerThanHeap(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var alloc SubAllocation
	err := allocator.AllocateMemory(requirements(2*1024*1024*1024, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc)
	require.True(t, errors.Is(err, ErrDeviceOutOfMemory))
	require.Empty(t, be.AllocationSizes())
}

func TestAllocateMemory_HeapSizeLimit(t *testing.T) {
	limit := 2 * 1024 * 1024
	be, allocator := readyAllocator(t, fake.Options{}, CreateOptions{
		HeapSizeLimits: []int{limit, 0},
	})

	// The limited heap counts as small, so its blocks are an eighth of the limit
	blockSize := limit / 8
	require.Equal(t, blockSize, allocator.pools[0].PreferredBlockSize())

	allocs := make([]SubAllocation, 8)
	require.NoError(t, allocator.AllocateMemorySlice(requirements(blockSize, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, allocs))
	require.Equal(t, 8, allocator.BlockCount(0))

	var overflow SubAllocation
	err := allocator.AllocateMemory(requirements(1, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &overflow)
	require.True(t, errors.Is(err, ErrDeviceOutOfMemory))
	require.Len(t, be.AllocationSizes(), 8)

	err = allocator.AllocateMemory(requirements(limit+1, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &overflow)
	require.True(t, errors.Is(err, ErrDeviceOutOfMemory))

	budgets := make([]Budget, 1)
	allocator.HeapBudgets(0, budgets)
	require.Equal(t, limit, budgets[0].Budget)
	require.Equal(t, limit, budgets[0].Usage)
}

func TestFree_PoolRetention(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var first, second SubAllocation
	reqs := requirements(testBlockSize, 1, deviceLocalBits)
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &first))
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &second))
	require.NotEqual(t, first.Memory(), second.Memory())
	require.Equal(t, 2, allocator.BlockCount(0))

	// Another block remains, so the empty one goes back to the driver
	require.NoError(t, allocator.Free(&first))
	require.Equal(t, 1, allocator.BlockCount(0))
	require.Equal(t, 1, be.LiveAllocations())

	// The last block is kept
	require.NoError(t, allocator.Free(&second))
	require.Equal(t, 1, allocator.BlockCount(0))
	require.Equal(t, 1, be.LiveAllocations())

	var reuse SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &reuse))
	require.Len(t, be.AllocationSizes(), 2)
}

func TestFree_StaleHandleAfterSlotReuse(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var first, second, third SubAllocation
	reqs := requirements(testBlockSize, 1, deviceLocalBits)
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &first))
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &second))

	stale := first
	require.NoError(t, allocator.Free(&first))

	// The new block takes over the released slot
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &third))
	require.Equal(t, stale.blockIndex, third.blockIndex)

	err := allocator.Free(&stale)
	require.True(t, errors.Is(err, ErrInvalidHandle))
	require.True(t, stale.Valid())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(&second))
	require.NoError(t, allocator.Free(&third))
}

func TestFree_StaleHandleAfterExactFitReuse(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var a, b, c SubAllocation
	reqs := requirements(256, 1, deviceLocalBits)
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &a))
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &b))

	stale := a
	require.NoError(t, allocator.Free(&a))

	// c fills the hole left by a exactly
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &c))
	require.Equal(t, stale.Offset(), c.Offset())
	require.Equal(t, stale.Memory(), c.Memory())

	err := allocator.Free(&stale)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(&c))
	require.NoError(t, allocator.Free(&b))
}

func TestFree_PoolRetentionIgnoresDedicatedBlocks(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var shared, dedicated SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &shared))
	reqs := requirements(100, 1, deviceLocalBits)
	reqs.RequiresDedicated = true
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &dedicated))
	require.Equal(t, 2, allocator.BlockCount(0))

	// The dedicated block does not count as another block to fall back on
	require.NoError(t, allocator.Free(&shared))
	require.Equal(t, 2, allocator.BlockCount(0))

	require.NoError(t, allocator.Free(&dedicated))
	require.Equal(t, 1, allocator.BlockCount(0))
	require.Equal(t, 1, be.LiveAllocations())
}

func TestFree_InvalidHandles(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	// The zero handle is ignored
	var zero SubAllocation
	require.NoError(t, allocator.Free(&zero))
	require.NoError(t, allocator.Free(nil))

	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &alloc))
	copied := alloc

	require.NoError(t, allocator.Free(&alloc))
	require.Equal(t, SubAllocation{}, alloc)

	err := allocator.Free(&copied)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	foreign := SubAllocation{memoryTypeIndex: 12, chunkID: 1, size: 1}
	err = allocator.Free(&foreign)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	outOfRange := SubAllocation{memoryTypeIndex: 0, blockIndex: 5, chunkID: 1, size: 1}
	err = allocator.Free(&outOfRange)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Zero(t, stats.Total.AllocationCount)
}

func TestAllocateMemory_Dedicated(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	var dedicated, shared SubAllocation
	reqs := requirements(4096, 1, deviceLocalBits)
	reqs.RequiresDedicated = true
	require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkImage, &dedicated))

	// Shared requests never land in a dedicated block
	require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &shared))
	require.NotEqual(t, dedicated.Memory(), shared.Memory())
	require.Equal(t, []int{4096, testBlockSize}, be.AllocationSizes())

	require.NoError(t, allocator.Free(&dedicated))
	require.Equal(t, 1, allocator.BlockCount(0))
	require.Equal(t, 1, be.LiveAllocations())
}

func TestAllocateMemory_PrefersDedicated(t *testing.T) {
	testCases := map[string]struct {
		Flags     CreateFlags
		Dedicated bool
	}{
		"Shared":    {Flags: 0, Dedicated: false},
		"Dedicated": {Flags: AllocatorCreateHonorPrefersDedicated, Dedicated: true},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(testCase.Flags))

			var shared, preferring SubAllocation
			require.NoError(t, allocator.AllocateMemory(requirements(100, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, &shared))

			reqs := requirements(100, 1, deviceLocalBits)
			reqs.PrefersDedicated = true
			require.NoError(t, allocator.AllocateMemory(reqs, MemoryUsageDeviceLocal, metadata.ChunkLinear, &preferring))

			require.Equal(t, testCase.Dedicated, shared.Memory() != preferring.Memory())
			require.NoError(t, allocator.Free(&preferring))
			require.NoError(t, allocator.Free(&shared))
		})
	}
}

func TestAllocateMemory_DedicatedThreshold(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{}, CreateOptions{})

	size := hostVisibleDedicatedThreshold + 1
	var alloc SubAllocation
	require.NoError(t, allocator.AllocateMemory(requirements(size, 1, hostLocalBits), MemoryUsageHostLocal, metadata.ChunkLinear, &alloc))
	require.Equal(t, []int{size}, be.AllocationSizes())

	// Even as the only block of its pool, a dedicated block is released
	require.NoError(t, allocator.Free(&alloc))
	require.Zero(t, allocator.BlockCount(1))
	require.Zero(t, be.LiveAllocations())
}

func TestAllocate_BindsResource(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{BufferImageGranularity: 4096}, smallBlocks(0))

	buffer := fake.NewBuffer(requirements(256, 64, deviceLocalBits))
	image := fake.NewImage(requirements(256, 256, deviceLocalBits))

	var bufferAlloc, imageAlloc SubAllocation
	require.NoError(t, allocator.Allocate(buffer, MemoryUsageDeviceLocal, &bufferAlloc))
	require.NoError(t, allocator.Allocate(image, MemoryUsageDeviceLocal, &imageAlloc))

	memory, offset := buffer.Binding()
	require.Equal(t, bufferAlloc.Memory(), memory)
	require.Equal(t, bufferAlloc.Offset(), offset)

	memory, offset = image.Binding()
	require.Equal(t, imageAlloc.Memory(), memory)
	require.Equal(t, imageAlloc.Offset(), offset)

	// The image is linear-incompatible, so it starts on the next granularity page
	require.Equal(t, 4096, imageAlloc.Offset())

	require.Error(t, allocator.Allocate(nil, MemoryUsageDeviceLocal, &bufferAlloc))
}

func TestAllocate_BindFailurePanics(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	buffer := fake.NewBuffer(requirements(256, 64, deviceLocalBits))
	buffer.BindError = errors.New("device lost")

	var alloc SubAllocation
	require.Panics(t, func() {
		_ = allocator.Allocate(buffer, MemoryUsageDeviceLocal, &alloc)
	})
	require.False(t, alloc.Valid())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Zero(t, stats.Total.AllocationCount)
}

func TestAllocate_RecoverableBindFailure(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(AllocatorCreateRecoverableBindFailure))

	buffer := fake.NewBuffer(requirements(256, 64, deviceLocalBits))
	buffer.BindError = errors.New("device lost")

	var alloc SubAllocation
	err := allocator.Allocate(buffer, MemoryUsageDeviceLocal, &alloc)
	require.True(t, errors.Is(err, ErrBindFailure))
	require.False(t, alloc.Valid())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Zero(t, stats.Total.AllocationCount)

	buffer.BindError = nil
	require.NoError(t, allocator.Allocate(buffer, MemoryUsageDeviceLocal, &alloc))
}

func TestAllocateSlice_RollsBack(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	resources := []backend.Resource{
		fake.NewBuffer(requirements(256, 64, deviceLocalBits)),
		fake.NewBuffer(requirements(256, 64, deviceLocalBits)),
		fake.NewBuffer(requirements(256, 64, 0)),
	}
	allocs := make([]SubAllocation, len(resources))

	err := allocator.AllocateSlice(resources, MemoryUsageDeviceLocal, allocs)
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))
	for _, alloc := range allocs {
		require.False(t, alloc.Valid())
	}

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Zero(t, stats.Total.AllocationCount)

	require.Error(t, allocator.AllocateSlice(resources, MemoryUsageDeviceLocal, allocs[:1]))

	require.NoError(t, allocator.AllocateSlice(resources[:2], MemoryUsageDeviceLocal, allocs[:2]))
	requireDisjoint(t, allocs)
	require.NoError(t, allocator.FreeSlice(allocs))
}

func TestAllocateMemorySlice_RollsBack(t *testing.T) {
	be, allocator := readyAllocator(t, fake.Options{MaxMemoryAllocationCount: 2}, smallBlocks(0))

	// Each allocation fills a block, and the device only allows two
	allocs := make([]SubAllocation, 3)
	err := allocator.AllocateMemorySlice(requirements(testBlockSize, 1, deviceLocalBits), MemoryUsageDeviceLocal, metadata.ChunkLinear, allocs)
	require.True(t, errors.Is(err, ErrTooManyAllocations))
	require.False(t, errors.Is(err, ErrDeviceOutOfMemory))
	for _, alloc := range allocs {
		require.False(t, alloc.Valid())
	}

	// One block is kept for reuse
	require.Equal(t, 1, be.LiveAllocations())
}

func TestReallocate(t *testing.T) {
	_, allocator := readyAllocator(t, fake.Options{}, smallBlocks(0))

	buffer := fake.NewBuffer(requirements(256, 64, deviceLocalBits))
	var alloc SubAllocation
	require.NoError(t, allocator.Reallocate(buffer, MemoryUsageDeviceLocal, &alloc))
	require.True(t, alloc.Valid())

	buffer.Reqs.Size = 4096
	require.NoError(t, allocator.Reallocate(buffer, MemoryUsageDeviceLocal, &alloc))
	require.Equal(t, 4096, alloc.Size())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)
	require.Equal(t, 4096, stats.Total.AllocationBytes)

	require.Error(t, allocator.Reallocate(buffer, MemoryUsageDeviceLocal, nil))
}
