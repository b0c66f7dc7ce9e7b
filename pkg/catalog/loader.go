package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// file is the on-disk catalog layout.
type file struct {
	Engines    []*Engine    `yaml:"engines"`
	Instances  []*Instance  `yaml:"instances"`
	Services   []*Service   `yaml:"services"`
	Frameworks []*Framework `yaml:"frameworks"`
	Models     []Entry      `yaml:"models"`
}

// Default returns the catalog shipped with mdctl.
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}

// Load reads a catalog from a YAML file. An empty path loads the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog and builds it.
func Parse(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	b := NewBuilder()
	for _, e := range f.Engines {
		b.AddVariant(e)
	}
	for _, i := range f.Instances {
		b.AddVariant(i)
	}
	for _, s := range f.Services {
		b.AddVariant(s)
	}
	for _, fw := range f.Frameworks {
		b.AddVariant(fw)
	}
	for _, m := range f.Models {
		b.AddModel(m)
	}
	return b.Build()
}
