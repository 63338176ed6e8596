package suballoc

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateBestFit makes every block place allocations in the smallest free range that
	// fits them, rather than the first one
	AllocatorCreateBestFit
	// AllocatorCreateRecoverableBindFailure makes a failure to bind a resource to its memory return
	// ErrBindFailure rather than panicking. The allocation is released either way.
	AllocatorCreateRecoverableBindFailure
	// AllocatorCreateHonorPrefersDedicated gives a block of its own to resources whose driver
	// suggests a dedicated allocation. Without it, only resources that require one get their own
	// block.
	AllocatorCreateHonorPrefersDedicated
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateBestFit.Register("AllocatorCreateBestFit")
	AllocatorCreateRecoverableBindFailure.Register("AllocatorCreateRecoverableBindFailure")
	AllocatorCreateHonorPrefersDedicated.Register("AllocatorCreateHonorPrefersDedicated")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 64Mb.
	defaultLargeHeapBlockSize int = 64 * 1024 * 1024
	// defaultHostVisibleBlockSize is the value that is used as the PreferredHostVisibleBlockSize when
	// none is provided via CreateOptions. It is equal to 16Mb.
	defaultHostVisibleBlockSize int = 16 * 1024 * 1024

	// Requests larger than these get a block of their own
	hostVisibleDedicatedThreshold int = 16 * 1024 * 1024
	deviceDedicatedThreshold      int = 64 * 1024 * 1024

	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use for memory types that are not host
	// visible
	PreferredLargeHeapBlockSize int
	// PreferredHostVisibleBlockSize is the block size to use for host-visible memory types
	PreferredHostVisibleBlockSize int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the backend.
	// Each entry must be either the maximum number of bytes that should be allocated from the
	// corresponding heap, or 0 indicating no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return ErrDeviceOutOfMemory when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// logger - Receives debug traces of allocator activity and reports of misuse
//
// be - The device memory backend that blocks will be obtained from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, be backend.Backend, options CreateOptions) (*Allocator, error) {
	if be == nil {
		return nil, errors.New("attempted to create an allocator with a nil backend")
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:    useMutex,
		logger:      logger,
		backend:     be,
		createFlags: options.Flags,
	}

	allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	if allocator.preferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}
	allocator.preferredHostVisibleBlockSize = options.PreferredHostVisibleBlockSize
	if allocator.preferredHostVisibleBlockSize == 0 {
		allocator.preferredHostVisibleBlockSize = defaultHostVisibleBlockSize
	}
	if allocator.preferredLargeHeapBlockSize < 0 || allocator.preferredHostVisibleBlockSize < 0 {
		return nil, errors.New("preferred block sizes may not be negative")
	}

	var err error
	allocator.deviceMemory, err = device.NewDeviceMemoryProperties(
		useMutex,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		be,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	if typeCount > common.MaxMemoryTypes {
		return nil, errors.Newf("backend reported %d memory types, but at most %d are supported", typeCount, common.MaxMemoryTypes)
	}

	strategy := metadata.AllocationStrategyFirstFit
	if options.Flags&AllocatorCreateBestFit != 0 {
		strategy = metadata.AllocationStrategyBestFit
	}

	// Initialize memory pools
	allocator.pools = make([]*memoryPool, typeCount)
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		dedicatedThreshold := deviceDedicatedThreshold
		if allocator.deviceMemory.IsMemoryTypeHostVisible(typeIndex) {
			dedicatedThreshold = hostVisibleDedicatedThreshold
		}

		allocator.pools[typeIndex] = &memoryPool{}
		allocator.pools[typeIndex].Init(
			useMutex,
			logger,
			allocator.deviceMemory,
			typeIndex,
			allocator.calculatePreferredBlockSize(typeIndex),
			dedicatedThreshold,
			allocator.deviceMemory.CalculateBufferImageGranularity(),
			strategy,
		)
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.HeapSize(heapIndex)
	rawSize := a.preferredLargeHeapBlockSize
	if a.deviceMemory.IsMemoryTypeHostVisible(memTypeIndex) {
		rawSize = a.preferredHostVisibleBlockSize
	}
	if heapSize <= smallHeapMaxSize {
		rawSize = min(rawSize, heapSize/8)
	}

	return memutils.AlignUp(rawSize, 32)
}
