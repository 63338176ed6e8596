package metadata

import "fmt"

// ChunkType tags a chunk as free or as holding a particular class of resource. Linear and image
// resources must not share a page of buffer-image granularity.
type ChunkType uint32

const (
	ChunkFree ChunkType = iota
	// ChunkLinear covers buffers and linearly-tiled images
	ChunkLinear
	// ChunkImage covers optimally-tiled images, whose layout is opaque to the host
	ChunkImage
)

var chunkTypeMapping = map[ChunkType]string{
	ChunkFree:   "Free",
	ChunkLinear: "Linear",
	ChunkImage:  "Image",
}

func (t ChunkType) String() string {
	str, ok := chunkTypeMapping[t]
	if !ok {
		return fmt.Sprintf("ChunkType(%d)", uint32(t))
	}
	return str
}

// chunkTypesConflict reports whether two resources of these types would need a granularity
// boundary between them if they were neighbors
func chunkTypesConflict(first, second ChunkType) bool {
	return (first == ChunkLinear && second == ChunkImage) ||
		(first == ChunkImage && second == ChunkLinear)
}

// ChunkID identifies a chunk within a single FreeList. Ids are handed out in increasing order
// and never reused by the same FreeList.
type ChunkID uint64

// NoChunk is the zero ChunkID. It never identifies a live chunk and marks a missing neighbor.
const NoChunk ChunkID = 0

// Chunk is a snapshot of one contiguous range of a block
type Chunk struct {
	ID     ChunkID
	Offset int
	Size   int
	Type   ChunkType
	Prev   ChunkID
	Next   ChunkID
}

func (c Chunk) IsFree() bool {
	return c.Type == ChunkFree
}

func (c Chunk) End() int {
	return c.Offset + c.Size
}

type chunk struct {
	offset    int
	size      int
	chunkType ChunkType
	prev      ChunkID
	next      ChunkID
}

func (c *chunk) snapshot(id ChunkID) Chunk {
	return Chunk{
		ID:     id,
		Offset: c.offset,
		Size:   c.size,
		Type:   c.chunkType,
		Prev:   c.prev,
		Next:   c.next,
	}
}
