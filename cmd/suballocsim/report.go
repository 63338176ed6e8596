package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/vkngwrapper/suballoc/memutils"
)

// humanSize formats a byte count with a binary unit
func humanSize(size int) string {
	val := float64(size)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for val >= 1024 && i < len(units)-1 {
		val /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", val, units[i])
}

func largestFree(stats *memutils.DetailedStatistics) string {
	if stats.UnusedRangeCount == 0 {
		return "-"
	}
	return humanSize(stats.UnusedRangeSizeMax)
}

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.On}},
	})))
}

// writeReport prints the run counters followed by one table row per memory type and per heap
func writeReport(w io.Writer, profile *Profile, result *Result) error {
	fmt.Fprintf(w, "seed %d, %d workers: %d allocations, %d frees, %d writes, %d refused, %d live at finish\n",
		result.Seed,
		result.Workers,
		result.Counters.Allocations.Load(),
		result.Counters.Frees.Load(),
		result.Counters.Writes.Load(),
		result.Counters.OutOfMemory.Load(),
		result.LiveAllocations,
	)
	if rejected := profile.rejectedSizes(); len(rejected) > 0 {
		sizes := make([]string, 0, len(rejected))
		for _, size := range rejected {
			sizes = append(sizes, humanSize(size))
		}
		fmt.Fprintf(w, "driver refuses blocks of %s\n", strings.Join(sizes, ", "))
	}

	types := newTable(w)
	types.Header([]string{"TYPE", "FLAGS", "HEAP", "BLOCKS", "BLOCK BYTES", "ALLOCATIONS", "ALLOCATED", "FREE RANGES", "LARGEST FREE"})

	for typeIndex, memoryType := range profile.Types {
		stats := &result.Stats.MemoryTypes[typeIndex]
		err := types.Append([]string{
			strconv.Itoa(typeIndex),
			strings.Join(memoryType.Flags, "\n"),
			strconv.Itoa(memoryType.Heap),
			strconv.Itoa(stats.BlockCount),
			humanSize(stats.BlockBytes),
			strconv.Itoa(stats.AllocationCount),
			humanSize(stats.AllocationBytes),
			strconv.Itoa(stats.UnusedRangeCount),
			largestFree(stats),
		})
		if err != nil {
			return err
		}
	}

	err := types.Render()
	if err != nil {
		return err
	}

	heaps := newTable(w)
	heaps.Header([]string{"HEAP", "SIZE", "BUDGET", "USAGE", "ALLOCATED"})

	for heapIndex, heap := range profile.Heaps {
		budget := result.Budgets[heapIndex]
		err = heaps.Append([]string{
			strconv.Itoa(heapIndex),
			humanSize(heap.Size),
			humanSize(budget.Budget),
			humanSize(budget.Usage),
			humanSize(budget.Statistics.AllocationBytes),
		})
		if err != nil {
			return err
		}
	}

	return heaps.Render()
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
}

// writeJSON prints the run as a single JSON document. With detailedMap set, the allocator's own
// detailed map is printed on the following line.
func writeJSON(w io.Writer, profile *Profile, result *Result, detailedMap bool) error {
	writer := jwriter.NewWriter()
	root := writer.Object()

	runObj := root.Name("Run").Object()
	runObj.Name("Seed").Int(int(result.Seed))
	runObj.Name("Workers").Int(result.Workers)
	runObj.Name("Allocations").Int(int(result.Counters.Allocations.Load()))
	runObj.Name("Frees").Int(int(result.Counters.Frees.Load()))
	runObj.Name("Writes").Int(int(result.Counters.Writes.Load()))
	runObj.Name("OutOfMemory").Int(int(result.Counters.OutOfMemory.Load()))
	runObj.Name("LiveAllocations").Int(result.LiveAllocations)
	runObj.End()

	typesArr := root.Name("MemoryTypes").Array()
	for typeIndex, memoryType := range profile.Types {
		typeObj := typesArr.Object()
		typeObj.Name("Index").Int(typeIndex)
		typeObj.Name("Heap").Int(memoryType.Heap)
		typeObj.Name("LiveBlocks").Int(result.BlockCounts[typeIndex])
		writeStatistics(&typeObj, &result.Stats.MemoryTypes[typeIndex])
		typeObj.End()
	}
	typesArr.End()

	heapsArr := root.Name("MemoryHeaps").Array()
	for heapIndex := range profile.Heaps {
		heapObj := heapsArr.Object()
		heapObj.Name("Index").Int(heapIndex)
		heapObj.Name("BudgetBytes").Int(result.Budgets[heapIndex].Budget)
		heapObj.Name("UsageBytes").Int(result.Budgets[heapIndex].Usage)
		writeStatistics(&heapObj, &result.Stats.MemoryHeaps[heapIndex])
		heapObj.End()
	}
	heapsArr.End()

	totalObj := root.Name("Total").Object()
	writeStatistics(&totalObj, &result.Stats.Total)
	totalObj.End()

	root.End()

	err := writer.Error()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(writer.Bytes()))
	if err != nil || !detailedMap {
		return err
	}

	_, err = fmt.Fprintln(w, result.DetailedMap)
	return err
}
