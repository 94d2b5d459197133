package queue

import (
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// memoryPerWorkerGB is the working-set estimate for one concurrent
	// handler, dominated by payload buffers and HTTP machinery.
	memoryPerWorkerGB = 0.5
	// memoryBufferGB is reserved for the rest of the process and host.
	memoryBufferGB = 1.0
	// maxRecommendedWorkers caps the sizing heuristic.
	maxRecommendedWorkers = 32
)

// safeWorkerCount clamps the configured worker count to what available
// memory can sustain. When memory stats are unavailable the configured
// value is trusted as-is.
func safeWorkerCount(configured int) int {
	v, err := mem.VirtualMemory()
	if err != nil {
		return configured
	}

	availableGB := float64(v.Available) / 1024 / 1024 / 1024
	recommended := recommendedWorkerCount(availableGB)
	if configured > recommended {
		return recommended
	}
	return configured
}

// recommendedWorkerCount derives a worker ceiling from available memory
func recommendedWorkerCount(availableGB float64) int {
	if availableGB <= memoryBufferGB {
		return 1 // Always allow at least one worker
	}

	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxRecommendedWorkers {
		return maxRecommendedWorkers
	}
	return recommended
}
