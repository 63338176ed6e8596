package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/suballoc/backend"
)

// Buffer adapts a core1_0.Buffer to backend.Resource
type Buffer struct {
	core1_0.Buffer
}

var _ backend.Resource = Buffer{}

func (b Buffer) Linear() bool { return true }

// Image adapts a core1_0.Image to backend.Resource. Tiling must be the tiling the image was
// created with, as linearly-tiled images may share pages with buffers.
type Image struct {
	core1_0.Image
	Tiling core1_0.ImageTiling
}

var _ backend.Resource = Image{}

func (i Image) Linear() bool { return i.Tiling == core1_0.ImageTilingLinear }
