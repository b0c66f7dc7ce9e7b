package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// Catalog is the immutable registry of models and variants.
type Catalog struct {
	entries  map[string]*Entry
	variants map[Kind]map[string]Variant
}

// Entry returns a copy of the catalog entry for a model.
func (c *Catalog) Entry(modelID string) (*Entry, bool) {
	e, ok := c.entries[modelID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Variant returns the registered variant for a kind and tag.
func (c *Catalog) Variant(kind Kind, tag string) (Variant, bool) {
	v, ok := c.variants[kind][tag]
	return v, ok
}

// Service returns the service variant for tag.
func (c *Catalog) Service(tag string) (*Service, bool) {
	v, ok := c.Variant(KindService, tag)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Service)
	return s, ok
}

// Models returns all model ids in sorted order.
func (c *Catalog) Models() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Variants returns the tags registered for a kind in sorted order.
func (c *Catalog) Variants(kind Kind) []string {
	tags := make([]string, 0, len(c.variants[kind]))
	for tag := range c.variants[kind] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Ref is the handle returned by registration calls.
type Ref struct {
	Kind Kind
	Tag  string
}

// Builder accumulates variants and models and validates them on Build.
type Builder struct {
	entries  map[string]*Entry
	order    []string
	variants map[Kind]map[string]Variant
	errs     []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		entries: make(map[string]*Entry),
		variants: map[Kind]map[string]Variant{
			KindEngine:    {},
			KindInstance:  {},
			KindService:   {},
			KindFramework: {},
		},
	}
}

// AddVariant registers a variant. Registering the same kind and tag twice is
// an error reported by Build.
func (b *Builder) AddVariant(v Variant) Ref {
	ref := Ref{Kind: v.Kind(), Tag: v.Tag()}
	byTag, ok := b.variants[ref.Kind]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("variant %q has unknown kind %d", ref.Tag, ref.Kind))
		return ref
	}
	if ref.Tag == "" {
		b.errs = append(b.errs, fmt.Errorf("%s variant has an empty tag", ref.Kind))
		return ref
	}
	if _, dup := byTag[ref.Tag]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate %s variant %q", ref.Kind, ref.Tag))
		return ref
	}
	byTag[ref.Tag] = v
	return ref
}

// AddModel registers a model entry.
func (b *Builder) AddModel(e Entry) Ref {
	ref := Ref{Tag: e.ModelID}
	if e.ModelID == "" {
		b.errs = append(b.errs, errors.New("model entry has an empty id"))
		return ref
	}
	if _, dup := b.entries[e.ModelID]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate model %q", e.ModelID))
		return ref
	}
	b.entries[e.ModelID] = e.clone()
	b.order = append(b.order, e.ModelID)
	return ref
}

// Build validates every model's variant references and returns the catalog.
func (b *Builder) Build() (*Catalog, error) {
	errs := append([]error(nil), b.errs...)
	for _, id := range b.order {
		e := b.entries[id]
		for _, kind := range []Kind{KindEngine, KindInstance, KindService, KindFramework} {
			tags := e.Supported(kind)
			if len(tags) == 0 {
				errs = append(errs, fmt.Errorf("model %q declares no %s", id, kind))
				continue
			}
			for _, tag := range tags {
				if _, ok := b.variants[kind][tag]; !ok {
					errs = append(errs, fmt.Errorf("model %q references unknown %s %q", id, kind, tag))
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c := &Catalog{
		entries:  make(map[string]*Entry, len(b.entries)),
		variants: make(map[Kind]map[string]Variant, len(b.variants)),
	}
	for id, e := range b.entries {
		c.entries[id] = e.clone()
	}
	for kind, byTag := range b.variants {
		m := make(map[string]Variant, len(byTag))
		for tag, v := range byTag {
			m[tag] = v
		}
		c.variants[kind] = m
	}
	return c, nil
}
