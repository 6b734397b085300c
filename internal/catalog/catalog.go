// Package catalog maps OS identifiers to the installation media used to
// build a VM.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedOS is returned by Resolve for identifiers missing from the
// catalog.
var ErrUnsupportedOS = errors.New("unsupported os")

// DefaultImages is the media table used when no catalog file is configured.
var DefaultImages = map[string]string{
	"fedora":   "/var/lib/libvirt/images/fedora-full.iso",
	"slitaz":   "/var/lib/libvirt/images/slitaz.iso",
	"tinycore": "/var/lib/libvirt/images/tinycore.iso",
	"alpine":   "/var/lib/libvirt/images/alpine.iso",
	"ubuntu":   "/var/lib/libvirt/images/ubuntu.iso",
}

// Catalog is an immutable OS identifier to media path table.
type Catalog struct {
	images map[string]string
}

// New returns a Catalog holding a copy of images.
func New(images map[string]string) *Catalog {
	return &Catalog{images: maps.Clone(images)}
}

// Default returns a Catalog built from DefaultImages.
func Default() *Catalog {
	return New(DefaultImages)
}

type file struct {
	Images map[string]string `yaml:"images"`
}

// Load reads a catalog from a YAML file of the form:
//
//	images:
//	  alpine: /var/lib/libvirt/images/alpine.iso
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Images) == 0 {
		return nil, errors.New("parse catalog: no images defined")
	}
	for id, path := range f.Images {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("parse catalog: empty entry %q: %q", id, path)
		}
	}
	return New(f.Images), nil
}

// Resolve returns the media path for osID. The match is exact and
// case-sensitive; there is no fallback image.
func (c *Catalog) Resolve(osID string) (string, error) {
	path, ok := c.images[osID]
	if !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedOS, osID, strings.Join(c.OSTypes(), ", "))
	}
	return path, nil
}

// OSTypes returns the supported identifiers in sorted order.
func (c *Catalog) OSTypes() []string {
	return slices.Sorted(maps.Keys(c.images))
}
