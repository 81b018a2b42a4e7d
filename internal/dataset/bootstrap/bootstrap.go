// Package bootstrap mounts configured datasets into a catalog keyed by
// dataset name.
package bootstrap

import (
	"fmt"
	"sort"

	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/dataset/acme"
	"github.com/atlas/incident-replay-engine/internal/dataset/openrca"
	"github.com/atlas/incident-replay-engine/internal/dataset/source"
	"github.com/atlas/incident-replay-engine/internal/normalize"
)

// Spec describes one dataset mount. Path selects a local directory;
// Bucket selects S3. Exactly one of the two must be set.
type Spec struct {
	Name string
	Type string

	Path string

	Bucket string
	Prefix string
	Region string

	// StartDate/EndDate bound date-partitioned layouts (inclusive).
	StartDate string
	EndDate   string

	// Mappings overrides the adapter's metric normalization table.
	Mappings map[string]normalize.Mapping
}

// Catalog stores mounted dataset adapters by name.
type Catalog struct {
	adapters map[string]dataset.Adapter
	ordered  []string
}

// BuildCatalog mounts every spec and returns the catalog. Any invalid
// spec fails the whole build.
func BuildCatalog(specs []Spec) (Catalog, error) {
	catalog := Catalog{adapters: make(map[string]dataset.Adapter)}

	for _, spec := range specs {
		if spec.Name == "" {
			return Catalog{}, fmt.Errorf("dataset name is required")
		}
		if _, exists := catalog.adapters[spec.Name]; exists {
			return Catalog{}, fmt.Errorf("duplicate dataset name %q", spec.Name)
		}
		adapter, err := buildAdapter(spec)
		if err != nil {
			return Catalog{}, err
		}
		catalog.adapters[spec.Name] = adapter
		catalog.ordered = append(catalog.ordered, spec.Name)
	}

	sort.Strings(catalog.ordered)
	return catalog, nil
}

func buildAdapter(spec Spec) (dataset.Adapter, error) {
	src, err := buildSource(spec)
	if err != nil {
		return nil, err
	}

	var table *normalize.Table
	if len(spec.Mappings) > 0 {
		table = normalize.NewTable(spec.Mappings)
	}

	switch spec.Type {
	case openrca.Type:
		return openrca.New(openrca.Config{
			Name:      spec.Name,
			Source:    src,
			StartDate: spec.StartDate,
			EndDate:   spec.EndDate,
			Table:     table,
		})
	case acme.Type:
		return acme.New(acme.Config{
			Name:   spec.Name,
			Source: src,
			Table:  table,
		})
	default:
		return nil, fmt.Errorf("dataset %q: unknown type %q", spec.Name, spec.Type)
	}
}

func buildSource(spec Spec) (source.Source, error) {
	switch {
	case spec.Path != "" && spec.Bucket != "":
		return nil, fmt.Errorf("dataset %q: path and bucket are mutually exclusive", spec.Name)
	case spec.Path != "":
		return source.NewLocal(spec.Path), nil
	case spec.Bucket != "":
		return source.NewS3(source.S3Config{Bucket: spec.Bucket, Prefix: spec.Prefix, Region: spec.Region})
	default:
		return nil, fmt.Errorf("dataset %q: path or bucket is required", spec.Name)
	}
}

// Adapter returns a mounted dataset by name.
func (c Catalog) Adapter(name string) (dataset.Adapter, bool) {
	adapter, ok := c.adapters[name]
	return adapter, ok
}

// Names returns mounted dataset names in sorted order.
func (c Catalog) Names() []string {
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len reports the number of mounted datasets.
func (c Catalog) Len() int { return len(c.ordered) }

// Summary returns a deterministic mount report.
func Summary(c Catalog) string {
	return fmt.Sprintf("datasets mounted: count=%d names=%v", c.Len(), c.Names())
}
