package main

import (
	"math/bits"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend/fake"
	"github.com/vkngwrapper/suballoc/suballoc"
	"golang.org/x/exp/slices"
)

// Profile describes a simulated device, the allocator settings to run against it, and the
// workload to run
type Profile struct {
	Device    DeviceProfile    `toml:"device"`
	Heaps     []HeapProfile    `toml:"heaps"`
	Types     []TypeProfile    `toml:"types"`
	Allocator AllocatorProfile `toml:"allocator"`
	Failures  FailureProfile   `toml:"failures"`
	Workload  WorkloadProfile  `toml:"workload"`
}

type DeviceProfile struct {
	BufferImageGranularity   int  `toml:"buffer_image_granularity"`
	NonCoherentAtomSize      int  `toml:"non_coherent_atom_size"`
	MaxMemoryAllocationCount int  `toml:"max_memory_allocation_count"`
	IntegratedGPU            bool `toml:"integrated_gpu"`
}

type HeapProfile struct {
	Size        int  `toml:"size"`
	DeviceLocal bool `toml:"device_local"`
}

type TypeProfile struct {
	Heap  int      `toml:"heap"`
	Flags []string `toml:"flags"`
}

type AllocatorProfile struct {
	LargeHeapBlockSize   int   `toml:"large_heap_block_size"`
	HostVisibleBlockSize int   `toml:"host_visible_block_size"`
	HeapSizeLimits       []int `toml:"heap_size_limits"`
	BestFit              bool  `toml:"best_fit"`
}

// FailureProfile injects out-of-memory failures into the fake driver
type FailureProfile struct {
	// RejectSizes lists block sizes the driver always refuses
	RejectSizes []int `toml:"reject_sizes"`
	// Rate is the chance that any other block allocation is refused
	Rate float64 `toml:"rate"`
}

type WorkloadProfile struct {
	Workers      int      `toml:"workers"`
	Iterations   int      `toml:"iterations"`
	MinSize      int      `toml:"min_size"`
	MaxSize      int      `toml:"max_size"`
	MaxAlignment int      `toml:"max_alignment"`
	ImageRatio   float64  `toml:"image_ratio"`
	FreeRatio    float64  `toml:"free_ratio"`
	WriteBytes   int      `toml:"write_bytes"`
	Usages       []string `toml:"usages"`
}

const defaultProfile = `# A discrete GPU with a large device-local heap and a smaller host heap

[device]
buffer_image_granularity = 1024
non_coherent_atom_size = 64
max_memory_allocation_count = 4096
integrated_gpu = false

[[heaps]]
size = 2147483648
device_local = true

[[heaps]]
size = 536870912
device_local = false

[[types]]
heap = 0
flags = ["DeviceLocal"]

[[types]]
heap = 1
flags = ["HostVisible", "HostCoherent"]

[[types]]
heap = 1
flags = ["HostVisible", "HostCached"]

[[types]]
heap = 0
flags = ["DeviceLocal", "LazilyAllocated"]

[allocator]
large_heap_block_size = 16777216
host_visible_block_size = 4194304
heap_size_limits = []
best_fit = false

[failures]
reject_sizes = []
rate = 0.0

[workload]
workers = 8
iterations = 2000
min_size = 256
max_size = 262144
max_alignment = 4096
image_ratio = 0.3
free_ratio = 0.4
write_bytes = 64
usages = ["DeviceLocal", "HostLocal", "HostToDevice", "HostCached"]
`

var memoryPropertyNames = map[string]core1_0.MemoryPropertyFlags{
	"DeviceLocal":     core1_0.MemoryPropertyDeviceLocal,
	"HostVisible":     core1_0.MemoryPropertyHostVisible,
	"HostCoherent":    core1_0.MemoryPropertyHostCoherent,
	"HostCached":      core1_0.MemoryPropertyHostCached,
	"LazilyAllocated": core1_0.MemoryPropertyLazilyAllocated,
}

// DefaultProfile returns the built-in profile
func DefaultProfile() (*Profile, error) {
	tree, err := toml.Load(defaultProfile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse the default profile")
	}

	return unmarshalProfile(tree)
}

// LoadProfile reads a profile from a TOML file. An empty path loads the built-in profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile()
	}

	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load TOML: %s", path)
	}

	return unmarshalProfile(tree)
}

func unmarshalProfile(tree *toml.Tree) (*Profile, error) {
	profile := &Profile{}
	err := tree.Unmarshal(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal TOML")
	}

	err = profile.Validate()
	if err != nil {
		return nil, err
	}

	return profile, nil
}

func (p *Profile) Validate() error {
	if len(p.Heaps) == 0 {
		return errors.New("profile has no heaps")
	}
	if len(p.Types) == 0 {
		return errors.New("profile has no memory types")
	}
	if len(p.Types) > common.MaxMemoryTypes {
		return errors.Newf("profile has %d memory types, but at most %d are supported", len(p.Types), common.MaxMemoryTypes)
	}

	for heapIndex, heap := range p.Heaps {
		if heap.Size <= 0 {
			return errors.Newf("heap %d has size %d", heapIndex, heap.Size)
		}
	}

	for typeIndex, memoryType := range p.Types {
		if memoryType.Heap < 0 || memoryType.Heap >= len(p.Heaps) {
			return errors.Newf("memory type %d refers to heap %d, but there are %d heaps", typeIndex, memoryType.Heap, len(p.Heaps))
		}

		_, err := memoryType.PropertyFlags()
		if err != nil {
			return errors.Wrapf(err, "memory type %d", typeIndex)
		}
	}

	workload := p.Workload
	if workload.Workers <= 0 || workload.Iterations <= 0 {
		return errors.Newf("workload needs at least one worker and one iteration, but has %d and %d", workload.Workers, workload.Iterations)
	}
	if workload.MinSize <= 0 || workload.MaxSize < workload.MinSize {
		return errors.Newf("workload sizes %d-%d are not a valid range", workload.MinSize, workload.MaxSize)
	}
	if workload.MaxAlignment <= 0 || bits.OnesCount(uint(workload.MaxAlignment)) != 1 {
		return errors.Newf("workload max_alignment %d is not a power of two", workload.MaxAlignment)
	}
	if len(workload.Usages) == 0 {
		return errors.New("workload has no usages")
	}

	_, err := p.MemoryUsages()
	return err
}

func (t TypeProfile) PropertyFlags() (core1_0.MemoryPropertyFlags, error) {
	var flags core1_0.MemoryPropertyFlags
	for _, name := range t.Flags {
		flag, ok := memoryPropertyNames[name]
		if !ok {
			return 0, errors.Newf("unknown memory property %q", name)
		}
		flags |= flag
	}

	return flags, nil
}

func (p *Profile) MemoryUsages() ([]suballoc.MemoryUsage, error) {
	usages := make([]suballoc.MemoryUsage, 0, len(p.Workload.Usages))
	for _, name := range p.Workload.Usages {
		usage, err := suballoc.ParseMemoryUsage(name)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	return usages, nil
}

// HostVisibleTypes reports, for each memory type, whether the simulation can write to it
func (p *Profile) HostVisibleTypes() []bool {
	hostVisible := make([]bool, len(p.Types))
	for typeIndex, memoryType := range p.Types {
		flags, _ := memoryType.PropertyFlags()
		hostVisible[typeIndex] = flags&core1_0.MemoryPropertyHostVisible != 0
	}

	return hostVisible
}

// BackendOptions builds the fake driver. Random failures draw from rng, which the fake backend
// only consults while holding its own lock.
func (p *Profile) BackendOptions(rng *rand.Rand) fake.Options {
	options := fake.Options{
		BufferImageGranularity:   p.Device.BufferImageGranularity,
		NonCoherentAtomSize:      p.Device.NonCoherentAtomSize,
		MaxMemoryAllocationCount: p.Device.MaxMemoryAllocationCount,
		IntegratedGPU:            p.Device.IntegratedGPU,
	}

	for _, heap := range p.Heaps {
		var flags core1_0.MemoryHeapFlags
		if heap.DeviceLocal {
			flags = core1_0.MemoryHeapDeviceLocal
		}
		options.MemoryHeaps = append(options.MemoryHeaps, core1_0.MemoryHeap{Size: heap.Size, Flags: flags})
	}

	for _, memoryType := range p.Types {
		flags, _ := memoryType.PropertyFlags()
		options.MemoryTypes = append(options.MemoryTypes, core1_0.MemoryType{PropertyFlags: flags, HeapIndex: memoryType.Heap})
	}

	if len(p.Failures.RejectSizes) > 0 || p.Failures.Rate > 0 {
		rejectSize := fake.RejectSizes(p.Failures.RejectSizes...)
		rate := p.Failures.Rate

		options.FailAllocation = func(size, memoryTypeIndex int) bool {
			return rejectSize(size, memoryTypeIndex) || (rate > 0 && rng.Float64() < rate)
		}
	}

	return options
}

func (p *Profile) CreateOptions() suballoc.CreateOptions {
	options := suballoc.CreateOptions{
		PreferredLargeHeapBlockSize:   p.Allocator.LargeHeapBlockSize,
		PreferredHostVisibleBlockSize: p.Allocator.HostVisibleBlockSize,
	}
	if len(p.Allocator.HeapSizeLimits) > 0 {
		options.HeapSizeLimits = append([]int(nil), p.Allocator.HeapSizeLimits...)
	}
	if p.Allocator.BestFit {
		options.Flags |= suballoc.AllocatorCreateBestFit
	}

	return options
}

// rejectedSizes is the sorted list of sizes the profile's driver refuses, for reporting
func (p *Profile) rejectedSizes() []int {
	sizes := append([]int(nil), p.Failures.RejectSizes...)
	slices.Sort(sizes)
	return sizes
}
