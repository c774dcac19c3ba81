package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamSpec describes one input parameter of a tool.
type ParamSpec struct {
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Enum        []string `yaml:"enum"`
	Required    bool     `yaml:"required"`
}

// ToolSpec is one entry of the tool catalog. HAService names the Home
// Assistant service to call in "domain.service" form. StateEntity, if
// set, names an entity whose state is read back and included in the
// tool result.
type ToolSpec struct {
	Description string               `yaml:"description"`
	HAService   string               `yaml:"ha_service"`
	RequiresPin bool                 `yaml:"requires_pin"`
	StateEntity string               `yaml:"state_entity"`
	Parameters  map[string]ParamSpec `yaml:"parameters"`
}

// Catalog is the static tool catalog, loaded once at boot and
// read-only afterwards.
type Catalog struct {
	Tools map[string]ToolSpec `yaml:"tools"`
}

// Tool returns the spec for name, or false if unknown.
func (c *Catalog) Tool(name string) (ToolSpec, bool) {
	spec, ok := c.Tools[name]
	return spec, ok
}

// LoadCatalog reads and validates the tool catalog YAML file at path.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	cat, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return cat, nil
}

// LoadCatalogFromReader decodes a tool catalog from r and validates the
// result. Useful in tests where catalogs are built from string
// literals.
func LoadCatalogFromReader(r io.Reader) (*Catalog, error) {
	cat := &Catalog{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cat); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := validateCatalog(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func validateCatalog(cat *Catalog) error {
	var errs []error

	for name, tool := range cat.Tools {
		if tool.HAService == "" {
			errs = append(errs, fmt.Errorf("tools.%s.ha_service is required", name))
		} else if !strings.Contains(tool.HAService, ".") {
			errs = append(errs, fmt.Errorf("tools.%s.ha_service %q must be in domain.service form", name, tool.HAService))
		}
		for pname, p := range tool.Parameters {
			if pname == "pin" {
				errs = append(errs, fmt.Errorf("tools.%s: parameter name \"pin\" is reserved", name))
			}
			switch p.Type {
			case "", "string", "integer", "number", "boolean":
			default:
				errs = append(errs, fmt.Errorf("tools.%s.parameters.%s.type %q is invalid", name, pname, p.Type))
			}
		}
	}

	return errors.Join(errs...)
}
