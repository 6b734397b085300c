package hypervisor

import (
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of the libvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	connectListAllDomainsFunc    func(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	domainIsActiveFunc           func(dom libvirt.Domain) (int32, error)
	domainGetXMLDescFunc         func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	domainInterfaceAddressesFunc func(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)
	connectGetLibVersionFunc     func() (uint64, error)

	// Call tracking
	connectListAllDomainsCalls    int
	domainInterfaceAddressesCalls []string
}

// newMockLibvirtClient creates a mock with no domains.
func newMockLibvirtClient() *mockLibvirtClient {
	m := &mockLibvirtClient{}

	m.connectListAllDomainsFunc = func(int32, libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
		return nil, 0, nil
	}
	m.domainIsActiveFunc = func(libvirt.Domain) (int32, error) {
		return 1, nil
	}
	m.domainGetXMLDescFunc = func(dom libvirt.Domain, _ libvirt.DomainXMLFlags) (string, error) {
		return domainXML(dom.Name, 2097152, 2), nil
	}
	m.domainInterfaceAddressesFunc = func(libvirt.Domain, uint32, uint32) ([]libvirt.DomainInterface, error) {
		return nil, fmt.Errorf("guest agent is not responding")
	}
	m.connectGetLibVersionFunc = func() (uint64, error) {
		return 10000000, nil
	}
	return m
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	m.connectListAllDomainsCalls++
	m.mu.Unlock()
	return m.connectListAllDomainsFunc(needResults, flags)
}

func (m *mockLibvirtClient) DomainIsActive(dom libvirt.Domain) (int32, error) {
	return m.domainIsActiveFunc(dom)
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	return m.domainGetXMLDescFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error) {
	m.mu.Lock()
	m.domainInterfaceAddressesCalls = append(m.domainInterfaceAddressesCalls, dom.Name)
	m.mu.Unlock()
	return m.domainInterfaceAddressesFunc(dom, source, flags)
}

func (m *mockLibvirtClient) ConnectGetLibVersion() (uint64, error) {
	return m.connectGetLibVersionFunc()
}

// domainXML renders a minimal domain description with memory in KiB.
func domainXML(name string, memoryKiB, vcpus int) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <memory unit='KiB'>%d</memory>
  <currentMemory unit='KiB'>%d</currentMemory>
  <vcpu placement='static'>%d</vcpu>
  <os><type arch='x86_64' machine='pc-q35-8.2'>hvm</type></os>
</domain>`, name, memoryKiB, memoryKiB, vcpus)
}

// nopCloser records Close calls for the connection returned by a stub connect.
type nopCloser struct {
	closed int
}

func (c *nopCloser) Close() error {
	c.closed++
	return nil
}
