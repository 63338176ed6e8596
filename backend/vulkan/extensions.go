package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	khr_get_memory_requirements2_shim "github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2/shim"
)

// MemoryRequirements2 is the subset of khr_get_memory_requirements2 (or core 1.1) used to ask
// the driver whether a resource wants a dedicated allocation
type MemoryRequirements2 interface {
	BufferMemoryRequirements2(o core1_1.BufferMemoryRequirementsInfo2, out *core1_1.MemoryRequirements2) error
	ImageMemoryRequirements2(o core1_1.ImageMemoryRequirementsInfo2, out *core1_1.MemoryRequirements2) error
}

type ExtensionData struct {
	DedicatedAllocations  bool
	GetMemoryRequirements MemoryRequirements2
}

func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	device11 := core1_1.PromoteDevice(device)
	if device11 != nil {
		// Core 1.1 active - that means we can use khr_get_memory_requirements2 and
		// khr_dedicated_allocation
		data.DedicatedAllocations = true
		data.GetMemoryRequirements = device11
		return data
	}

	// khr_get_memory_requirements2 if core 1.1 is not active
	if device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) {
		extension := khr_get_memory_requirements2.CreateExtensionFromDevice(device)
		data.GetMemoryRequirements = khr_get_memory_requirements2_shim.NewShim(extension, device)
	}

	// khr_dedicated_allocation can only be queried through khr_get_memory_requirements2
	if data.GetMemoryRequirements != nil && device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	return data
}
