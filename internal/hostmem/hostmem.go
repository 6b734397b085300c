// Package hostmem reads aggregate memory figures for the hypervisor host.
package hostmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ritikr000/VM-Generator/internal/models"
)

// ErrHostMemoryUnavailable is returned when host memory cannot be read.
var ErrHostMemoryUnavailable = errors.New("host memory unavailable")

const bytesPerMiB = 1 << 20

// Probe reads host memory. It keeps no cache; every Read hits the host.
type Probe struct {
	virtualMemory func(context.Context) (*mem.VirtualMemoryStat, error)
}

// New returns a Probe backed by gopsutil.
func New() *Probe {
	return &Probe{virtualMemory: mem.VirtualMemoryWithContext}
}

// Read returns total, used and free memory in MiB. Used is derived from
// Total - Available, so Used + Free never exceeds Total.
func (p *Probe) Read(ctx context.Context) (models.HostMemory, error) {
	vm, err := p.virtualMemory(ctx)
	if err != nil {
		return models.HostMemory{}, fmt.Errorf("%w: %w", ErrHostMemoryUnavailable, err)
	}
	if vm == nil || vm.Total == 0 {
		return models.HostMemory{}, fmt.Errorf("%w: host reported zero total memory", ErrHostMemoryUnavailable)
	}
	return fromStat(vm), nil
}

func fromStat(vm *mem.VirtualMemoryStat) models.HostMemory {
	total := vm.Total
	available := min(vm.Available, total)
	free := min(vm.Free, available)
	return models.HostMemory{
		TotalMB: total / bytesPerMiB,
		UsedMB:  (total - available) / bytesPerMiB,
		FreeMB:  free / bytesPerMiB,
	}
}
