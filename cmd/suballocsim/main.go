// Command suballocsim replays randomized concurrent workloads against the sub-allocator on a
// simulated device and reports how memory ended up laid out.
package main

func main() {
	Execute()
}
