package labs

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed default_labs.toml
var defaultCatalogTOML []byte

var (
	// ErrInvalidLab indicates a lab name outside the configured catalog.
	ErrInvalidLab = errors.New("labs: invalid lab")
	// ErrEmptyCatalog indicates a catalog file without any lab entries.
	ErrEmptyCatalog = errors.New("labs: catalog has no labs")
)

type catalogFile struct {
	Default string   `toml:"default"`
	Labs    []string `toml:"labs"`
}

// Catalog is the enumerated set of lab names accepted by the remote platform.
type Catalog struct {
	defaultLab string
	names      []string
	index      map[string]struct{}
}

// New validates the provided names and builds a Catalog. An empty defaultLab is allowed.
func New(defaultLab string, names []string) (*Catalog, error) {
	catalog := &Catalog{
		names: make([]string, 0, len(names)),
		index: make(map[string]struct{}, len(names)),
	}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, exists := catalog.index[name]; exists {
			continue
		}
		catalog.index[name] = struct{}{}
		catalog.names = append(catalog.names, name)
	}
	if len(catalog.names) == 0 {
		return nil, ErrEmptyCatalog
	}

	defaultLab = strings.TrimSpace(defaultLab)
	if defaultLab != "" {
		if _, ok := catalog.index[defaultLab]; !ok {
			return nil, fmt.Errorf("%w: default %q is not listed", ErrInvalidLab, defaultLab)
		}
	}
	catalog.defaultLab = defaultLab
	return catalog, nil
}

// Parse decodes a TOML catalog document.
func Parse(r io.Reader) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode lab catalog: %w", err)
	}
	return New(file.Default, file.Labs)
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Parse(bytes.NewReader(defaultCatalogTOML))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lab catalog: %w", err)
	}
	defer f.Close()

	catalog, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("reading lab catalog from %s: %w", path, err)
	}
	return catalog, nil
}

// WithDefault returns a copy of the catalog using defaultLab as its fallback lab.
func (c *Catalog) WithDefault(defaultLab string) (*Catalog, error) {
	return New(defaultLab, c.names)
}

// Validate trims name and reports ErrInvalidLab when it is not part of the catalog.
func (c *Catalog) Validate(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLab)
	}
	if !c.Contains(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLab, trimmed)
	}
	return trimmed, nil
}

// Contains reports whether name is an exact catalog entry.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns the catalog entries in file order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// DefaultLab returns the fallback lab, or "" when none is configured.
func (c *Catalog) DefaultLab() string {
	return c.defaultLab
}
