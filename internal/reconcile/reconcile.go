// Package reconcile joins declared VM records with the live hypervisor state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ritikr000/VM-Generator/internal/models"
)

// NoAddress is shown for domains whose address could not be discovered.
const NoAddress = "N/A"

type recordLister interface {
	List(ctx context.Context) ([]*models.VMRecord, error)
}

type domainLister interface {
	ListLiveDomains(ctx context.Context) ([]models.LiveDomain, error)
}

type memoryReader interface {
	Read(ctx context.Context) (models.HostMemory, error)
}

// View builds reconciled listings. It holds no state between calls.
type View struct {
	records recordLister
	domains domainLister
	memory  memoryReader
	logger  *slog.Logger
}

// NewView returns a View over the given sources.
func NewView(records recordLister, domains domainLister, memory memoryReader, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{records: records, domains: domains, memory: memory, logger: logger}
}

// Build returns one entry per live domain, in hypervisor order, with the OS
// type taken from the declared record of the same name. An unreachable
// hypervisor yields an empty listing with a warning; store and host memory
// failures fail the call.
func (v *View) Build(ctx context.Context) (*models.Listing, error) {
	records, err := v.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	osByName := make(map[string]string, len(records))
	for _, r := range records {
		osByName[r.Name] = r.OSType
	}

	listing := &models.Listing{Entries: []models.ReconciledEntry{}}

	domains, err := v.domains.ListLiveDomains(ctx)
	if err != nil {
		v.logger.Warn("hypervisor inspection failed", "error", err)
		listing.Warnings = append(listing.Warnings, err.Error())
		domains = nil
	}
	for i, d := range domains {
		osType, ok := osByName[d.Name]
		if !ok {
			osType = models.UnknownOSType
		}
		ip := d.IPAddress
		if ip == "" {
			ip = NoAddress
		}
		listing.Entries = append(listing.Entries, models.ReconciledEntry{
			Index:     i + 1,
			Name:      d.Name,
			OSType:    osType,
			Status:    d.Status,
			MemoryMB:  d.MemoryMB,
			CPUs:      d.CPUs,
			IPAddress: ip,
		})
	}

	mem, err := v.memory.Read(ctx)
	if err != nil {
		return nil, err
	}
	listing.HostMemory = mem
	return listing, nil
}
