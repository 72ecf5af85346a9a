package device

import (
	"math"
	"runtime"

	"github.com/pbnjay/memory"

	"powerlink/models"
)

// Sample reports current load. RAM is the share of physical memory in use,
// in percent. CPU is the number of goroutines per core, a cheap proxy for
// how busy this process is. GPU is not measured.
func Sample() models.PerformanceSample {
	return sample(memory.TotalMemory(), memory.FreeMemory(), runtime.NumGoroutine(), runtime.NumCPU())
}

func sample(total, free uint64, goroutines, cpus int) models.PerformanceSample {
	var out models.PerformanceSample
	if total > 0 && free <= total {
		out.RAM = math.Round(float64(total-free)/float64(total)*1000) / 10
	}
	if cpus > 0 {
		out.CPU = math.Round(float64(goroutines)/float64(cpus)*10) / 10
	}
	return out
}
