package metadata

// AllocationStrategy selects how a FreeList picks among the free chunks that can hold a request
type AllocationStrategy uint32

const (
	// AllocationStrategyFirstFit accepts the lowest-addressed free chunk that can hold the request
	// and stops searching. This is the default, and it keeps allocation cheap.
	AllocationStrategyFirstFit AllocationStrategy = iota
	// AllocationStrategyBestFit scans every free chunk and chooses the smallest one that can hold
	// the request, ties going to the lowest address. It costs a full scan per allocation but leaves
	// large free ranges intact for large requests.
	AllocationStrategyBestFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyFirstFit: "FirstFit",
	AllocationStrategyBestFit:  "BestFit",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
