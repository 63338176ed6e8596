// Package vulkan implements backend.Backend over a vkngwrapper device
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/suballoc/backend"
)

// Options configures a Backend
type Options struct {
	// AllocationCallbacks are passed to vkAllocateMemory and vkFreeMemory
	AllocationCallbacks *driver.AllocationCallbacks
	// ExtensionData overrides the extension detection New would otherwise carry out
	ExtensionData *ExtensionData
}

// Backend issues memory calls against a single logical device
type Backend struct {
	device              core1_0.Device
	physicalDevice      core1_0.PhysicalDevice
	allocationCallbacks *driver.AllocationCallbacks
	extensionData       *ExtensionData
}

var _ backend.Backend = &Backend{}

func New(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Backend, error) {
	if device == nil {
		return nil, errors.New("attempted to create a backend with a nil device")
	}
	if physicalDevice == nil {
		return nil, errors.New("attempted to create a backend with a nil physical device")
	}

	extensionData := options.ExtensionData
	if extensionData == nil {
		extensionData = NewExtensionData(device)
	}

	return &Backend{
		device:              device,
		physicalDevice:      physicalDevice,
		allocationCallbacks: options.AllocationCallbacks,
		extensionData:       extensionData,
	}, nil
}

func (b *Backend) DeviceProperties() (backend.DeviceProperties, error) {
	properties, err := b.physicalDevice.Properties()
	if err != nil {
		return backend.DeviceProperties{}, err
	}
	if properties.Limits == nil {
		return backend.DeviceProperties{}, errors.New("physical device did not report any limits")
	}

	return backend.DeviceProperties{
		BufferImageGranularity:   properties.Limits.BufferImageGranularity,
		NonCoherentAtomSize:      properties.Limits.NonCoherentAtomSize,
		MaxMemoryAllocationCount: properties.Limits.MaxMemoryAllocationCount,
		IntegratedGPU:            properties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU,
	}, nil
}

func (b *Backend) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return b.physicalDevice.MemoryProperties()
}

func translateResult(res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
		return backend.MarkOutOfMemory(err)
	} else if res == core1_0.VKErrorTooManyObjects {
		return backend.MarkTooManyAllocations(err)
	}
	return err
}

func deviceMemory(memory backend.DeviceMemory) (core1_0.DeviceMemory, error) {
	mem, ok := memory.(core1_0.DeviceMemory)
	if !ok || mem == nil {
		return nil, errors.Newf("%T is not a vulkan device memory", memory)
	}
	return mem, nil
}

func (b *Backend) AllocateMemory(size int, memoryTypeIndex int) (backend.DeviceMemory, error) {
	memory, res, err := b.device.AllocateMemory(b.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, translateResult(res, errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", size, memoryTypeIndex))
	}

	return memory, nil
}

func (b *Backend) FreeMemory(memory backend.DeviceMemory) {
	mem, err := deviceMemory(memory)
	if err != nil {
		panic(err)
	}

	mem.Free(b.allocationCallbacks)
}

func (b *Backend) Requirements(resource backend.Resource) (backend.MemoryRequirements, error) {
	var memReqs core1_0.MemoryRequirements
	var requiresDedicated, prefersDedicated bool
	var err error

	switch res := resource.(type) {
	case Buffer:
		requiresDedicated, prefersDedicated, err = b.bufferMemoryRequirements(res.Buffer, &memReqs)
	case Image:
		requiresDedicated, prefersDedicated, err = b.imageMemoryRequirements(res.Image, &memReqs)
	default:
		return backend.MemoryRequirements{}, errors.Newf("%T is not a vulkan buffer or image", resource)
	}
	if err != nil {
		return backend.MemoryRequirements{}, err
	}

	return backend.MemoryRequirements{
		Size:              memReqs.Size,
		Alignment:         memReqs.Alignment,
		MemoryTypeBits:    memReqs.MemoryTypeBits,
		RequiresDedicated: requiresDedicated,
		PrefersDedicated:  prefersDedicated,
	}, nil
}

func (b *Backend) bufferMemoryRequirements(buffer core1_0.Buffer, memoryRequirements *core1_0.MemoryRequirements) (requiresDedicated, prefersDedicated bool, err error) {
	if buffer == nil {
		return false, false, errors.New("attempted to get requirements for a nil buffer")
	}

	if b.extensionData.DedicatedAllocations && b.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err = b.extensionData.GetMemoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{
				Buffer: buffer,
			},
			&memReqs)
		if err != nil {
			return false, false, err
		}

		*memoryRequirements = memReqs.MemoryRequirements
		return dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	*memoryRequirements = *buffer.MemoryRequirements()
	return false, false, nil
}

func (b *Backend) imageMemoryRequirements(image core1_0.Image, memoryRequirements *core1_0.MemoryRequirements) (requiresDedicated, prefersDedicated bool, err error) {
	if image == nil {
		return false, false, errors.New("attempted to get requirements for a nil image")
	}

	if b.extensionData.DedicatedAllocations && b.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err = b.extensionData.GetMemoryRequirements.ImageMemoryRequirements2(
			core1_1.ImageMemoryRequirementsInfo2{
				Image: image,
			},
			&memReqs)
		if err != nil {
			return false, false, err
		}

		*memoryRequirements = memReqs.MemoryRequirements
		return dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	*memoryRequirements = *image.MemoryRequirements()
	return false, false, nil
}

func (b *Backend) Bind(resource backend.Resource, memory backend.DeviceMemory, offset int) error {
	mem, err := deviceMemory(memory)
	if err != nil {
		return err
	}

	switch res := resource.(type) {
	case Buffer:
		_, err = res.BindBufferMemory(mem, offset)
	case Image:
		_, err = res.BindImageMemory(mem, offset)
	default:
		return errors.Newf("%T is not a vulkan buffer or image", resource)
	}

	return err
}

func (b *Backend) MapMemory(memory backend.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	mem, err := deviceMemory(memory)
	if err != nil {
		return nil, err
	}

	ptr, _, err := mem.Map(offset, size, 0)
	return ptr, err
}

func (b *Backend) UnmapMemory(memory backend.DeviceMemory) {
	mem, err := deviceMemory(memory)
	if err != nil {
		panic(err)
	}

	mem.Unmap()
}

func (b *Backend) FlushRange(memory backend.DeviceMemory, offset, size int) error {
	mem, err := deviceMemory(memory)
	if err != nil {
		return err
	}

	_, err = b.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: mem,
			Offset: offset,
			Size:   size,
		},
	})
	return err
}

func (b *Backend) InvalidateRange(memory backend.DeviceMemory, offset, size int) error {
	mem, err := deviceMemory(memory)
	if err != nil {
		return err
	}

	_, err = b.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: mem,
			Offset: offset,
			Size:   size,
		},
	})
	return err
}
