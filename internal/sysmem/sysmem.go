// Package sysmem samples the memory statistics that drive worker count
// estimation: how much the system has left and how much one flow process
// currently occupies.
package sysmem

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// Stats is one snapshot of the numbers the estimator needs, in megabytes.
type Stats struct {
	// AvailableMB is the memory still available on the host.
	AvailableMB float64

	// ProcessMB is the resident set size of the current process, used as
	// the per-worker memory assumption.
	ProcessMB float64
}

// Sampler produces memory snapshots. The pool takes a Sampler rather than
// reading the OS directly so the estimator stays testable.
type Sampler interface {
	Sample() (Stats, error)
}

type systemSampler struct{}

// System returns a Sampler backed by live host statistics.
func System() Sampler {
	return systemSampler{}
}

func (systemSampler) Sample() (Stats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read system memory: %w", err)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open current process: %w", err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read process memory: %w", err)
	}

	return Stats{
		AvailableMB: float64(vm.Available) / bytesPerMB,
		ProcessMB:   float64(info.RSS) / bytesPerMB,
	}, nil
}

// Fixed returns a Sampler that always reports the given snapshot.
func Fixed(stats Stats) Sampler {
	return fixedSampler{stats: stats}
}

type fixedSampler struct {
	stats Stats
}

func (f fixedSampler) Sample() (Stats, error) {
	return f.stats, nil
}
