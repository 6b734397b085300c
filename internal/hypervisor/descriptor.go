package hypervisor

import (
	"fmt"
	"net"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// descriptor holds the fields read from a domain's XML description.
type descriptor struct {
	MemoryMB int
	CPUs     int
	// Missing lists the fields that were absent or unreadable.
	Missing []string
}

// parseDescriptor extracts memory and vCPU count from domain XML. Absent
// fields are reported as zero and listed in Missing; only XML that cannot be
// decoded at all is an error.
func parseDescriptor(desc string) (descriptor, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(desc); err != nil {
		return descriptor{Missing: []string{"memory", "vcpu"}}, fmt.Errorf("unmarshal domain xml: %w", err)
	}

	var d descriptor
	if dom.Memory == nil {
		d.Missing = append(d.Missing, "memory")
	} else if mb, ok := toMiB(uint64(dom.Memory.Value), dom.Memory.Unit); ok {
		d.MemoryMB = int(mb)
	} else {
		d.Missing = append(d.Missing, "memory")
	}

	if dom.VCPU == nil {
		d.Missing = append(d.Missing, "vcpu")
	} else {
		d.CPUs = int(dom.VCPU.Value)
	}
	return d, nil
}

// toMiB converts a libvirt scaled integer to mebibytes. libvirt defaults to
// KiB when no unit is given.
func toMiB(value uint64, unit string) (uint64, bool) {
	const (
		kib = 1 << 10
		mib = 1 << 20
	)
	switch unit {
	case "", "k", "KiB":
		return value / kib, true
	case "b", "bytes":
		return value / mib, true
	case "KB":
		return value * 1000 / mib, true
	case "M", "MiB":
		return value, true
	case "MB":
		return value * 1000 * 1000 / mib, true
	case "G", "GiB":
		return value * kib, true
	case "GB":
		return value * 1000 * 1000 * 1000 / mib, true
	case "T", "TiB":
		return value * kib * kib, true
	case "TB":
		return value * 1000 * 1000 * 1000 * 1000 / mib, true
	default:
		return 0, false
	}
}

// libvirt reports address families with the virIPAddrType values.
const (
	addrTypeIPv4 = 0
	addrTypeIPv6 = 1
)

// pickAddress returns the first usable IPv4 address reported by the guest,
// falling back to a global IPv6 address. Loopback and link-local addresses
// are ignored.
func pickAddress(ifaces []libvirt.DomainInterface) string {
	var v6 string
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			ip := net.ParseIP(a.Addr)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			switch a.Type {
			case addrTypeIPv4:
				return ip.String()
			case addrTypeIPv6:
				if v6 == "" {
					v6 = ip.String()
				}
			}
		}
	}
	return v6
}
