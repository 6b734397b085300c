package models

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// UnknownOSType is reported for live domains that have no declared record.
const UnknownOSType = "Unknown"

// VMRecord is the declared state of a VM, written once after it has been
// provisioned successfully.
type VMRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OSType    string    `json:"os_type"`
	MemoryMB  int       `json:"memory_mb"`
	CPUs      int       `json:"cpus"`
	CreatedAt time.Time `json:"created_at"`
}

// DomainStatus is the run state of a hypervisor domain.
type DomainStatus string

const (
	StatusRunning DomainStatus = "Running"
	StatusShutoff DomainStatus = "Shutoff"
)

// LiveDomain is the observed state of a single hypervisor domain. It is
// rebuilt on every inspection and never persisted.
type LiveDomain struct {
	Name      string       `json:"name"`
	Status    DomainStatus `json:"status"`
	MemoryMB  int          `json:"memory_mb"`
	CPUs      int          `json:"cpus"`
	IPAddress string       `json:"ip_address,omitempty"`
}

// ReconciledEntry joins a live domain with the OS type of its declared record.
type ReconciledEntry struct {
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	OSType    string       `json:"os_type"`
	Status    DomainStatus `json:"status"`
	MemoryMB  int          `json:"memory_mb"`
	CPUs      int          `json:"cpus"`
	IPAddress string       `json:"ip_address"`
}

// HostMemory holds aggregate host memory figures in mebibytes.
type HostMemory struct {
	TotalMB uint64 `json:"total_mb"`
	UsedMB  uint64 `json:"used_mb"`
	FreeMB  uint64 `json:"free_mb"`
}

func (m HostMemory) String() string {
	const mib = 1 << 20
	return fmt.Sprintf("%s used, %s free of %s",
		humanize.IBytes(m.UsedMB*mib),
		humanize.IBytes(m.FreeMB*mib),
		humanize.IBytes(m.TotalMB*mib),
	)
}

// Listing is the reconciled view returned by GET /view-database.
type Listing struct {
	Entries    []ReconciledEntry `json:"entries"`
	HostMemory HostMemory        `json:"host_memory"`
	Warnings   []string          `json:"warnings,omitempty"`
}
