package suballoc

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/suballoc/internal/device"
)

// Budget is the current usage of a single memory heap
type Budget = device.Budget

// AllocatorStatistics holds detailed statistics for every memory type and heap, and for the
// allocator as a whole
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// BlockCount is the number of live blocks held for the memory type
func (a *Allocator) BlockCount(memoryTypeIndex int) int {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.pools) {
		return 0
	}

	return a.pools[memoryTypeIndex].BlockCount()
}

// CalculateStatistics visits every block and fills stats. It is more expensive than HeapBudgets,
// which reads running counters.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Total.Clear()
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	for typeIndex, pool := range a.pools {
		pool.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for typeIndex := range a.pools {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// HeapBudgets fills budgets with the usage of consecutive heaps, beginning with firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) {
	a.logger.Debug("Allocator::HeapBudgets")

	count := min(len(budgets), a.deviceMemory.MemoryHeapCount()-firstHeap)
	if firstHeap < 0 || count <= 0 {
		return
	}

	a.deviceMemory.HeapBudgets(firstHeap, budgets[:count])
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing every heap and memory type. With
// detailedMap set, it also lists every chunk of every block.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	root := writer.Object()

	deviceObj := root.Name("Device").Object()
	deviceProperties := a.deviceMemory.DeviceProperties()
	deviceObj.Name("BufferImageGranularity").Int(a.deviceMemory.CalculateBufferImageGranularity())
	deviceObj.Name("NonCoherentAtomSize").Int(a.deviceMemory.NonCoherentAtomSize())
	deviceObj.Name("MaxMemoryAllocationCount").Int(deviceProperties.MaxMemoryAllocationCount)
	deviceObj.Name("IntegratedGPU").Bool(a.deviceMemory.IsIntegratedGPU())
	deviceObj.Name("Flags").String(a.createFlags.String())
	deviceObj.End()

	totalObj := root.Name("Total").Object()
	printStatistics(&totalObj, &stats.Total)
	totalObj.End()

	heapsObj := root.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heapObj := heapsObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()

		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)
		heapObj.Name("Size").Int(a.deviceMemory.HeapSize(heapIndex))
		heapObj.Name("Flags").String(heap.Flags.String())

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		printStatistics(&statsObj, &stats.MemoryHeaps[heapIndex])
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := range a.pools {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())
			typeObj.Name("PreferredBlockSize").Int(a.pools[typeIndex].PreferredBlockSize())

			typeStatsObj := typeObj.Name("Stats").Object()
			printStatistics(&typeStatsObj, &stats.MemoryTypes[typeIndex])
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		mapObj := root.Name("DefaultPools").Object()
		for typeIndex, pool := range a.pools {
			poolObj := mapObj.Name("Type " + strconv.Itoa(typeIndex)).Object()

			blocksObj := poolObj.Name("Blocks").Object()
			pool.PrintDetailedMap(&blocksObj)
			blocksObj.End()

			poolObj.End()
		}
		mapObj.End()
	}

	root.End()

	return string(writer.Bytes())
}
