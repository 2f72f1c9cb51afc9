package worker

import (
	"math"
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// Resources is the process resource snapshot carried in heartbeats.
type Resources struct {
	MemMB      float64 `json:"mem_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// cpuMetric is the runtime's cumulative on-CPU time for this process.
const cpuMetric = "/cpu/classes/total:cpu-seconds"

// resourceSampler derives CPU utilization from the growth of the runtime's
// cumulative CPU counter between samples.
type resourceSampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		lastWall: time.Now(),
		lastCPU:  processCPUSeconds(),
	}
}

// Sample returns current memory use and CPU utilization since the previous
// sample. The first sample after construction reports near-zero CPU.
func (s *resourceSampler) Sample() Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	res := Resources{
		MemMB: round1(float64(ms.HeapAlloc) / (1 << 20)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cpu := processCPUSeconds()
	wall := now.Sub(s.lastWall).Seconds()
	if wall > 0 && cpu >= s.lastCPU {
		res.CPUPercent = round1((cpu - s.lastCPU) / wall * 100)
	}
	s.lastWall = now
	s.lastCPU = cpu
	return res
}

func processCPUSeconds() float64 {
	samples := []metrics.Sample{{Name: cpuMetric}}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return samples[0].Value.Float64()
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
