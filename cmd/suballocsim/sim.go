package main

import (
	"bytes"
	"context"
	"log/slog"
	"math/bits"
	"math/rand"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/backend"
	"github.com/vkngwrapper/suballoc/backend/fake"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"github.com/vkngwrapper/suballoc/suballoc"
	"golang.org/x/sync/errgroup"
)

// Counters are the operations carried out by every worker in a run
type Counters struct {
	Allocations atomic.Int64
	Frees       atomic.Int64
	Writes      atomic.Int64
	OutOfMemory atomic.Int64
}

// Result is the state of the allocator when every worker finished, before anything was freed
type Result struct {
	Seed     int64
	Workers  int
	Counters Counters

	LiveAllocations int
	Stats           suballoc.AllocatorStatistics
	Budgets         []suballoc.Budget
	DetailedMap     string
	BlockCounts     []int
}

// rangeAudit tracks the live byte ranges of every memory object, and fails when two live
// allocations share a byte
type rangeAudit struct {
	mutex  sync.Mutex
	ranges map[backend.DeviceMemory]map[int]int
}

func newRangeAudit() *rangeAudit {
	return &rangeAudit{ranges: make(map[backend.DeviceMemory]map[int]int)}
}

func (a *rangeAudit) Insert(alloc *suballoc.SubAllocation) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	ranges, ok := a.ranges[alloc.Memory()]
	if !ok {
		ranges = make(map[int]int)
		a.ranges[alloc.Memory()] = ranges
	}

	end := alloc.Offset() + alloc.Size()
	for offset, otherEnd := range ranges {
		if alloc.Offset() < otherEnd && offset < end {
			return errors.Newf("%s overlaps the live range %d-%d", alloc.String(), offset, otherEnd)
		}
	}

	ranges[alloc.Offset()] = end
	return nil
}

func (a *rangeAudit) Remove(alloc *suballoc.SubAllocation) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	ranges := a.ranges[alloc.Memory()]
	delete(ranges, alloc.Offset())
	if len(ranges) == 0 {
		delete(a.ranges, alloc.Memory())
	}
}

func (a *rangeAudit) Len() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	count := 0
	for _, ranges := range a.ranges {
		count += len(ranges)
	}
	return count
}

type heldAllocation struct {
	alloc    suballoc.SubAllocation
	contents []byte
}

type simulation struct {
	logger      *slog.Logger
	profile     *Profile
	allocator   *suballoc.Allocator
	audit       *rangeAudit
	usages      []suballoc.MemoryUsage
	hostVisible []bool
	typeBits    uint32
	counters    *Counters
}

// Simulate runs the profile's workload against a fake device and reports what the allocator
// held at the end. Every allocation is freed and the allocator destroyed before it returns; any
// memory left behind with the driver is an error.
func Simulate(ctx context.Context, logger *slog.Logger, profile *Profile, seed int64) (*Result, error) {
	usages, err := profile.MemoryUsages()
	if err != nil {
		return nil, err
	}

	be := fake.New(profile.BackendOptions(rand.New(rand.NewSource(seed))))
	allocator, err := suballoc.New(logger, be, profile.CreateOptions())
	if err != nil {
		return nil, err
	}

	result := &Result{
		Seed:    seed,
		Workers: profile.Workload.Workers,
	}

	sim := &simulation{
		logger:      logger,
		profile:     profile,
		allocator:   allocator,
		audit:       newRangeAudit(),
		usages:      usages,
		hostVisible: profile.HostVisibleTypes(),
		typeBits:    uint32(1<<len(profile.Types)) - 1,
		counters:    &result.Counters,
	}

	held := make([][]heldAllocation, profile.Workload.Workers)
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < profile.Workload.Workers; worker++ {
		group.Go(func() error {
			rng := rand.New(rand.NewSource(seed + int64(worker) + 1))

			var err error
			held[worker], err = sim.work(groupCtx, rng)
			return err
		})
	}

	err = group.Wait()
	if err == nil {
		err = allocator.Validate()
	}

	result.LiveAllocations = sim.audit.Len()
	allocator.CalculateStatistics(&result.Stats)
	result.Budgets = make([]suballoc.Budget, len(profile.Heaps))
	allocator.HeapBudgets(0, result.Budgets)
	result.DetailedMap = allocator.BuildStatsString(true)
	for typeIndex := range profile.Types {
		result.BlockCounts = append(result.BlockCounts, allocator.BlockCount(typeIndex))
	}

	for _, allocations := range held {
		for allocIndex := range allocations {
			freeErr := sim.free(&allocations[allocIndex])
			if freeErr != nil {
				err = errors.CombineErrors(err, freeErr)
			}
		}
	}

	destroyErr := allocator.Destroy()
	if destroyErr != nil {
		err = errors.CombineErrors(err, destroyErr)
	}
	if be.LiveAllocations() != 0 {
		err = errors.CombineErrors(err, errors.Newf("%d device memory objects were leaked", be.LiveAllocations()))
	}

	return result, err
}

// work runs one worker's share of the workload and returns what it still holds. On error, the
// allocations held so far are returned as well so they can be released.
func (s *simulation) work(ctx context.Context, rng *rand.Rand) ([]heldAllocation, error) {
	workload := s.profile.Workload
	maxAlignmentShift := bits.TrailingZeros(uint(workload.MaxAlignment))
	var held []heldAllocation

	for iteration := 0; iteration < workload.Iterations; iteration++ {
		if ctx.Err() != nil {
			return held, ctx.Err()
		}

		if len(held) > 0 && rng.Float64() < workload.FreeRatio {
			var err error
			held, err = s.freeRandom(rng, held)
			if err != nil {
				return held, err
			}
			continue
		}

		chunkType := metadata.ChunkLinear
		if rng.Float64() < workload.ImageRatio {
			chunkType = metadata.ChunkImage
		}

		reqs := backend.MemoryRequirements{
			Size:           workload.MinSize + rng.Intn(workload.MaxSize-workload.MinSize+1),
			Alignment:      1 << rng.Intn(maxAlignmentShift+1),
			MemoryTypeBits: s.typeBits,
		}
		usage := s.usages[rng.Intn(len(s.usages))]

		entry := heldAllocation{}
		err := s.allocator.AllocateMemory(reqs, usage, chunkType, &entry.alloc)
		if errors.Is(err, suballoc.ErrDeviceOutOfMemory) || errors.Is(err, suballoc.ErrTooManyAllocations) {
			s.counters.OutOfMemory.Add(1)
			s.logger.Debug("allocation refused", slog.Int("size", reqs.Size), slog.String("usage", usage.String()))

			if len(held) > 0 {
				held, err = s.freeRandom(rng, held)
				if err != nil {
					return held, err
				}
			}
			continue
		} else if err != nil {
			return held, err
		}
		s.counters.Allocations.Add(1)

		err = s.audit.Insert(&entry.alloc)
		if err != nil {
			return append(held, entry), err
		}

		if s.hostVisible[entry.alloc.MemoryTypeIndex()] && workload.WriteBytes > 0 {
			entry.contents = make([]byte, min(workload.WriteBytes, reqs.Size))
			rng.Read(entry.contents)

			err = s.allocator.WriteMapped(&entry.alloc, entry.contents)
			if err != nil {
				return append(held, entry), err
			}
			s.counters.Writes.Add(1)
		}

		held = append(held, entry)
	}

	return held, nil
}

func (s *simulation) freeRandom(rng *rand.Rand, held []heldAllocation) ([]heldAllocation, error) {
	victim := rng.Intn(len(held))

	err := s.free(&held[victim])
	if err != nil {
		return held, err
	}

	held[victim] = held[len(held)-1]
	return held[:len(held)-1], nil
}

// free checks that an allocation still holds what was written to it, then frees it
func (s *simulation) free(entry *heldAllocation) error {
	if len(entry.contents) > 0 {
		ptr, err := s.allocator.Map(&entry.alloc)
		if err != nil {
			return err
		}

		intact := bytes.Equal(entry.contents, unsafe.Slice((*byte)(ptr), len(entry.contents)))
		err = s.allocator.Unmap(&entry.alloc)
		if err != nil {
			return err
		}
		if !intact {
			return errors.Newf("%s was overwritten by another allocation", entry.alloc.String())
		}
	}

	s.audit.Remove(&entry.alloc)
	err := s.allocator.Free(&entry.alloc)
	if err != nil {
		return err
	}

	s.counters.Frees.Add(1)
	return nil
}
