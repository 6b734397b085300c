// Package hypervisor inspects the live state of libvirt domains.
package hypervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/digitalocean/go-libvirt"
	"golang.org/x/sync/errgroup"

	"github.com/ritikr000/VM-Generator/internal/models"
)

// libvirtClient defines the libvirt operations needed to inspect domains.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	// ConnectListAllDomains lists domains matching flags
	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)

	// DomainIsActive reports 1 for a running domain
	DomainIsActive(dom libvirt.Domain) (int32, error)

	// DomainGetXMLDesc returns the domain XML description
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)

	// DomainInterfaceAddresses queries guest interface addresses
	DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)

	// ConnectGetLibVersion returns the daemon's libvirt version
	ConnectGetLibVersion() (uint64, error)
}

// Config configures an Inspector.
type Config struct {
	// Socket is the libvirt UNIX socket. Defaults to DefaultSocket.
	Socket string
	// DialTimeout bounds connection set-up. Defaults to 5s.
	DialTimeout time.Duration
	// AddressTimeout bounds the guest-agent address query per domain.
	// Defaults to 3s.
	AddressTimeout time.Duration
	// AddressWorkers caps concurrent address queries. Defaults to 8.
	AddressWorkers int
}

// Inspector lists live domains. It opens a fresh connection per call and is
// safe for concurrent use.
type Inspector struct {
	cfg     Config
	logger  *slog.Logger
	connect func(ctx context.Context) (libvirtClient, io.Closer, error)
}

// NewInspector returns an Inspector for the daemon described by cfg.
func NewInspector(cfg Config, logger *slog.Logger) *Inspector {
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = 3 * time.Second
	}
	if cfg.AddressWorkers <= 0 {
		cfg.AddressWorkers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	i := &Inspector{cfg: cfg, logger: logger}
	i.connect = func(ctx context.Context) (libvirtClient, io.Closer, error) {
		c, err := ConnectWithContext(ctx, cfg.Socket, cfg.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		return c.Libvirt(), c, nil
	}
	return i
}

// ListLiveDomains returns one LiveDomain per domain defined on the
// hypervisor, in enumeration order. A connection failure is returned wrapped
// in ErrHypervisorUnavailable; failures for individual domains only leave
// that domain's fields empty.
func (i *Inspector) ListLiveDomains(ctx context.Context) ([]models.LiveDomain, error) {
	lv, closer, err := i.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			i.logger.Warn("failed to close libvirt connection", "error", err)
		}
	}()

	return i.listWithDeps(ctx, lv)
}

// Ping opens a connection and makes one round trip to the daemon. Any
// failure is wrapped in ErrHypervisorUnavailable.
func (i *Inspector) Ping(ctx context.Context) error {
	lv, closer, err := i.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			i.logger.Warn("failed to close libvirt connection", "error", err)
		}
	}()

	if _, err := lv.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("%w: libvirt connection is dead: %w", ErrHypervisorUnavailable, err)
	}
	return nil
}

// listWithDeps lists domains with an injected client.
func (i *Inspector) listWithDeps(ctx context.Context, lv libvirtClient) ([]models.LiveDomain, error) {
	domains, _, err := lv.ConnectListAllDomains(1,
		libvirt.ConnectListDomainsActive|libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, fmt.Errorf("%w: list domains: %w", ErrHypervisorUnavailable, err)
	}

	live := make([]models.LiveDomain, len(domains))
	for idx, dom := range domains {
		live[idx] = i.inspectDomain(lv, dom)
	}

	var g errgroup.Group
	g.SetLimit(i.cfg.AddressWorkers)
	for idx, dom := range domains {
		if live[idx].Status != models.StatusRunning {
			continue
		}
		g.Go(func() error {
			live[idx].IPAddress = i.lookupAddress(ctx, lv, dom)
			return nil
		})
	}
	_ = g.Wait()

	return live, nil
}

// inspectDomain reads run state and descriptor fields for dom.
func (i *Inspector) inspectDomain(lv libvirtClient, dom libvirt.Domain) models.LiveDomain {
	logger := i.logger.With("domain", dom.Name)
	d := models.LiveDomain{Name: dom.Name, Status: models.StatusShutoff}

	active, err := lv.DomainIsActive(dom)
	if err != nil {
		logger.Warn("failed to get domain state", "error", err)
	} else if active == 1 {
		d.Status = models.StatusRunning
	}

	xmlDesc, err := lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		logger.Warn("failed to get domain xml", "error", err)
		return d
	}
	desc, err := parseDescriptor(xmlDesc)
	if err != nil {
		logger.Warn("failed to parse domain xml", "error", err)
		return d
	}
	if len(desc.Missing) > 0 {
		logger.Warn("domain xml is missing fields", "fields", desc.Missing)
	}
	d.MemoryMB = desc.MemoryMB
	d.CPUs = desc.CPUs
	return d
}

// lookupAddress asks the guest agent for dom's addresses. The query is
// abandoned after AddressTimeout; an empty string means not available.
func (i *Inspector) lookupAddress(ctx context.Context, lv libvirtClient, dom libvirt.Domain) string {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.AddressTimeout)
	defer cancel()

	type result struct {
		ifaces []libvirt.DomainInterface
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		ifaces, err := lv.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcAgent), 0)
		resultCh <- result{ifaces: ifaces, err: err}
	}()

	select {
	case <-ctx.Done():
		i.logger.Debug("address lookup abandoned", "domain", dom.Name, "error", ctx.Err())
		return ""
	case res := <-resultCh:
		if res.err != nil {
			// Expected when the guest agent is not installed.
			i.logger.Debug("address lookup failed", "domain", dom.Name, "error", res.err)
			return ""
		}
		return pickAddress(res.ifaces)
	}
}
