package suballoc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage describes how a resource's memory will be accessed, and is translated into the
// memory property flags used to pick a memory type
type MemoryUsage uint32

const (
	// MemoryUsageDeviceLocal is memory only the device touches. On integrated GPUs any memory
	// type will do.
	MemoryUsageDeviceLocal MemoryUsage = iota
	// MemoryUsageHostLocal is host-visible, host-coherent memory such as staging buffers
	MemoryUsageHostLocal
	// MemoryUsageHostToDevice is host-visible memory written by the host and read by the device
	MemoryUsageHostToDevice
	// MemoryUsageHostCached is host-visible memory read back by the host. Cached memory types
	// are used when one is available.
	MemoryUsageHostCached
	// MemoryUsageLazilyAllocated is memory for transient attachments
	MemoryUsageLazilyAllocated
)

var memoryUsageMapping = make(map[MemoryUsage]string)

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}

func init() {
	memoryUsageMapping[MemoryUsageDeviceLocal] = "MemoryUsageDeviceLocal"
	memoryUsageMapping[MemoryUsageHostLocal] = "MemoryUsageHostLocal"
	memoryUsageMapping[MemoryUsageHostToDevice] = "MemoryUsageHostToDevice"
	memoryUsageMapping[MemoryUsageHostCached] = "MemoryUsageHostCached"
	memoryUsageMapping[MemoryUsageLazilyAllocated] = "MemoryUsageLazilyAllocated"
}

// ParseMemoryUsage accepts either the full name of a usage ("MemoryUsageHostCached") or the name
// without its prefix ("HostCached")
func ParseMemoryUsage(name string) (MemoryUsage, error) {
	for usage, usageName := range memoryUsageMapping {
		if name == usageName || "MemoryUsage"+name == usageName {
			return usage, nil
		}
	}

	return 0, errors.Newf("unknown memory usage %q", name)
}

type usageFlags struct {
	required  core1_0.MemoryPropertyFlags
	preferred core1_0.MemoryPropertyFlags
}

var usageTable = map[MemoryUsage]usageFlags{
	MemoryUsageDeviceLocal: {
		required: core1_0.MemoryPropertyDeviceLocal,
	},
	MemoryUsageHostLocal: {
		required: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
	},
	MemoryUsageHostToDevice: {
		required: core1_0.MemoryPropertyHostVisible,
	},
	MemoryUsageHostCached: {
		required:  core1_0.MemoryPropertyHostVisible,
		preferred: core1_0.MemoryPropertyHostCached,
	},
	MemoryUsageLazilyAllocated: {
		required: core1_0.MemoryPropertyLazilyAllocated,
	},
}

// Flags returns the memory property flags a memory type must have for this usage, and the flags
// it should have if any compatible type offers them
func (u MemoryUsage) Flags(integratedGPU bool) (required, preferred core1_0.MemoryPropertyFlags, err error) {
	flags, ok := usageTable[u]
	if !ok {
		return 0, 0, errors.Newf("unknown memory usage %d", u)
	}

	if u == MemoryUsageDeviceLocal && integratedGPU {
		// All memory is device memory
		return 0, flags.preferred, nil
	}

	return flags.required, flags.preferred, nil
}
