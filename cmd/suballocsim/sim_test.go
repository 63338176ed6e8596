package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSimulate_DefaultProfile(t *testing.T) {
	profile, err := DefaultProfile()
	require.NoError(t, err)
	profile.Workload.Workers = 4
	profile.Workload.Iterations = 300

	result, err := Simulate(context.Background(), testLogger(), profile, 42)
	require.NoError(t, err)

	allocations := result.Counters.Allocations.Load()
	require.Positive(t, allocations)
	require.Positive(t, result.Counters.Writes.Load())
	require.Zero(t, result.Counters.OutOfMemory.Load())
	// Everything is freed before Simulate returns
	require.Equal(t, allocations, result.Counters.Frees.Load())

	require.Positive(t, result.LiveAllocations)
	require.Equal(t, result.LiveAllocations, result.Stats.Total.AllocationCount)
	require.Len(t, result.BlockCounts, len(profile.Types))
	require.Len(t, result.Budgets, len(profile.Heaps))
	require.Contains(t, result.DetailedMap, "DefaultPools")
}

func TestSimulate_OutOfMemory(t *testing.T) {
	profile, err := LoadProfile(writeProfile(t, tinyProfile))
	require.NoError(t, err)

	result, err := Simulate(context.Background(), testLogger(), profile, 7)
	require.NoError(t, err)

	require.Positive(t, result.Counters.OutOfMemory.Load())
	require.Positive(t, result.Counters.Allocations.Load())
	require.LessOrEqual(t, result.Stats.Total.BlockBytes, 1024*1024)
}

func TestSimulate_DriverRefusesEverything(t *testing.T) {
	profile, err := DefaultProfile()
	require.NoError(t, err)
	profile.Workload.Workers = 2
	profile.Workload.Iterations = 50
	profile.Failures.Rate = 1

	result, err := Simulate(context.Background(), testLogger(), profile, 1)
	require.NoError(t, err)

	require.Zero(t, result.Counters.Allocations.Load())
	require.Equal(t, int64(100), result.Counters.OutOfMemory.Load())
	require.Zero(t, result.Stats.Total.BlockCount)
}

func TestSimulate_SingleWorkerIsDeterministic(t *testing.T) {
	profile, err := DefaultProfile()
	require.NoError(t, err)
	profile.Workload.Workers = 1
	profile.Workload.Iterations = 500
	profile.Allocator.BestFit = true

	first, err := Simulate(context.Background(), testLogger(), profile, 99)
	require.NoError(t, err)
	second, err := Simulate(context.Background(), testLogger(), profile, 99)
	require.NoError(t, err)

	require.Equal(t, first.Counters.Allocations.Load(), second.Counters.Allocations.Load())
	require.Equal(t, first.Stats, second.Stats)
	require.Equal(t, first.DetailedMap, second.DetailedMap)
}

func TestSimulate_Cancelled(t *testing.T) {
	profile, err := DefaultProfile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Simulate(ctx, testLogger(), profile, 1)
	require.ErrorIs(t, err, context.Canceled)
}
