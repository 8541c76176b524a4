package worker

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"taskmesh/internal/domain"
)

// SampleLoad reports the one-minute load average per CPU and the share of
// memory obtained from the OS that the Go heap is using.
func SampleLoad() domain.Load {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	l := domain.Load{CPU: loadAverage() / float64(runtime.NumCPU())}
	if ms.Sys > 0 {
		l.Memory = float64(ms.HeapInuse) / float64(ms.Sys)
	}
	return l
}

// loadAverage reads /proc/loadavg; elsewhere it reports zero.
func loadAverage() float64 {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
