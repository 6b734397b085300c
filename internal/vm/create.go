// Package vm coordinates VM creation: catalog lookup, provisioning and the
// declared record, serialised per VM name.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ritikr000/VM-Generator/internal/db"
	"github.com/ritikr000/VM-Generator/internal/metrics"
	"github.com/ritikr000/VM-Generator/internal/models"
	"github.com/ritikr000/VM-Generator/internal/provision"
)

// ErrInvalidParameter is returned when memory or cpus are not positive
// integers.
var ErrInvalidParameter = errors.New("invalid parameter")

// DefaultConcurrency caps simultaneous provisioning runs.
const DefaultConcurrency = 2

// CreateRequest carries the raw request parameters.
type CreateRequest struct {
	Name   string
	Memory string
	CPUs   string
	OSType string
}

// imageCatalog resolves OS identifiers to media paths.
type imageCatalog interface {
	Resolve(osID string) (string, error)
}

// provisioner runs the external provisioning tool.
type provisioner interface {
	Provision(ctx context.Context, p provision.Params) error
}

// recordStore holds declared VM records.
type recordStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Insert(ctx context.Context, r *models.VMRecord) error
}

// Service creates VMs. Requests for the same name are serialised; at most
// Concurrency provisioning runs execute at once.
type Service struct {
	catalog     imageCatalog
	provisioner provisioner
	store       recordStore
	logger      *slog.Logger

	names *keyLock
	slots *semaphore.Weighted
	now   func() time.Time
}

// NewService wires a Service. concurrency <= 0 selects DefaultConcurrency.
func NewService(c imageCatalog, p provisioner, s recordStore, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:     c,
		provisioner: p,
		store:       s,
		logger:      logger,
		names:       newKeyLock(),
		slots:       semaphore.NewWeighted(int64(concurrency)),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions the VM described by req and records it. No record is
// written unless provisioning succeeds, and an unsupported OS never reaches
// the provisioner.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.VMRecord, error) {
	name := strings.TrimSpace(req.Name)
	if err := missing(req); err != nil {
		return nil, err
	}
	memory, err := positiveInt("memory", req.Memory)
	if err != nil {
		return nil, err
	}
	cpus, err := positiveInt("cpus", req.CPUs)
	if err != nil {
		return nil, err
	}

	mediaPath, err := s.catalog.Resolve(req.OSType)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("vm_name", name, "os_type", req.OSType)

	unlock, err := s.names.Lock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("waiting for vm name %q: %w", name, err)
	}
	defer unlock()

	exists, err := s.store.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check existing record: %w", err)
	}
	if exists {
		logger.Warn("vm already recorded")
		return nil, fmt.Errorf("%w: %q", db.ErrDuplicateName, name)
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a provisioning slot: %w", err)
	}
	defer s.slots.Release(1)

	done := metrics.ProvisionStarted()
	err = s.provisioner.Provision(ctx, provision.Params{
		Name:      name,
		MemoryMB:  memory,
		CPUs:      cpus,
		OSType:    req.OSType,
		MediaPath: mediaPath,
	})
	if err != nil {
		done(outcome(err))
		return nil, err
	}

	rec := &models.VMRecord{
		ID:        uuid.New().String(),
		Name:      name,
		OSType:    req.OSType,
		MemoryMB:  memory,
		CPUs:      cpus,
		CreatedAt: s.now(),
	}
	// The VM exists now; record it even if the caller has gone away.
	if err := s.store.Insert(context.WithoutCancel(ctx), rec); err != nil {
		done(metrics.OutcomeStoreFailed)
		logger.Error("vm provisioned but record not stored", "error", err)
		return nil, fmt.Errorf("store record: %w", err)
	}
	done(metrics.OutcomeSuccess)
	logger.Info("vm created", "id", rec.ID, "memory_mb", memory, "cpus", cpus)
	return rec, nil
}

func missing(req CreateRequest) error {
	var fields []string
	if strings.TrimSpace(req.Name) == "" {
		fields = append(fields, "vm_name")
	}
	if strings.TrimSpace(req.Memory) == "" {
		fields = append(fields, "memory")
	}
	if strings.TrimSpace(req.CPUs) == "" {
		fields = append(fields, "cpus")
	}
	if strings.TrimSpace(req.OSType) == "" {
		fields = append(fields, "os")
	}
	if len(fields) > 0 {
		return fmt.Errorf("%w: %s", provision.ErrMissingParameter, strings.Join(fields, ", "))
	}
	return nil
}

func positiveInt(field, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidParameter, field, raw)
	}
	return n, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, provision.ErrProvisionTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}
