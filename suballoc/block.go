package suballoc

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
)

type memoryBlock struct {
	id              uint64
	memory          *device.SynchronizedMemory
	memoryTypeIndex int
	dedicated       bool
	logger          *slog.Logger

	metadata *metadata.FreeList
}

func newMemoryBlock(
	logger *slog.Logger,
	id uint64,
	memoryTypeIndex int,
	memory *device.SynchronizedMemory,
	dedicated bool,
	strategy metadata.AllocationStrategy,
) *memoryBlock {
	return &memoryBlock{
		id:              id,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		dedicated:       dedicated,
		logger:          logger,
		metadata:        metadata.NewFreeList(memory.Size(), strategy),
	}
}

func (b *memoryBlock) Size() int {
	return b.metadata.Size()
}

// Destroy returns the block's memory to the driver. Any allocation still live in the block is
// logged, and an error is returned after the memory has been released.
func (b *memoryBlock) Destroy(deviceMemory *device.DeviceMemoryProperties) error {
	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing device memory handle")
	}

	var err error
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		visitErr := b.metadata.VisitAllChunks(func(c metadata.Chunk) error {
			if c.IsFree() {
				return nil
			}

			b.logUnreleasedMemory(c)
			return nil
		})
		if visitErr != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", visitErr))
		}

		err = errors.Newf("%d allocations were not freed before the destruction of memory block %d", b.metadata.AllocationCount(), b.id)
	}

	leaked := deviceMemory.FreeDeviceMemory(b.memoryTypeIndex, b.memory)
	if leaked > 0 {
		b.logger.LogAttrs(context.Background(), slog.LevelWarn, "[UNRELEASED MEMORY] block freed while still mapped",
			slog.Uint64("block", b.id),
			slog.Int("memoryType", b.memoryTypeIndex),
			slog.Int("references", leaked),
		)
	}

	b.memory = nil
	return err
}

func (b *memoryBlock) logUnreleasedMemory(c metadata.Chunk) {
	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Uint64("block", b.id),
		slog.Int("memoryType", b.memoryTypeIndex),
		slog.Int("offset", c.Offset),
		slog.Int("size", c.Size),
		slog.String("type", c.Type.String()),
	)
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.metadata.Size() != b.memory.Size() {
		return errors.Newf("memory block metadata covers %d bytes, but its memory is %d bytes",
			b.metadata.Size(), b.memory.Size())
	}

	return b.metadata.Validate()
}
